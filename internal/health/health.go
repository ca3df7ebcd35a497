// Package health serves the liveness endpoint.
package health

import (
	"net/http"
	"time"

	"github.com/tapeflow/stockpulse/internal/logger"
)

// Start serves GET /healthz on addr from a background goroutine and returns
// the server so the caller can shut it down.
func Start(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health endpoint failed: %v", err)
		}
	}()
	return srv
}
