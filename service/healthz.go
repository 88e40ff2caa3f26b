package service

import (
	"net/http"

	"github.com/ethereum/go-ethereum/log"
)

const healthzPath = "/healthz"

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	log.Debug("Received health check request", "path", r.URL.Path)
	w.Write([]byte("OK")) //nolint:errcheck
}
