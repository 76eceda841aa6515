package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health returns a handler that reports service liveness and store
// connectivity.
func Health(pingers map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		overall := "ok"
		checks := make(map[string]string, len(pingers))
		for name, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				overall = "degraded"
				continue
			}
			checks[name] = "ok"
		}

		JSON(w, status, map[string]interface{}{
			"status": overall,
			"checks": checks,
		})
	}
}
