package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is implemented by stores that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	Store         Pinger
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver"`
	Storage       string `json:"storage"`
}

const healthPingTimeout = 2 * time.Second

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead && !requireMethod(w, r, http.MethodGet) {
			return
		}

		response := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
			Storage:       "ok",
		}
		status := http.StatusOK
		if options.Store == nil {
			response.Status = "degraded"
			response.Storage = "not configured"
			status = http.StatusServiceUnavailable
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()
			if err := options.Store.Ping(ctx); err != nil {
				response.Status = "degraded"
				response.Storage = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, response)
	})
}
