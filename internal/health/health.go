// SPDX-License-Identifier: MIT

// Package health serves the external HTTP status contract: a liveness
// summary at /health, the full supervisor snapshot at /status, and
// per-worker subsets at /workers and /workers/{id}.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// WorkerInfo is the JSON-facing shape of one camera worker's status.
type WorkerInfo struct {
	CameraID      string    `json:"camera_id"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	FPS           float64   `json:"fps"`
	Recording     bool      `json:"recording"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	RestartCount  int       `json:"restart_count"`
	ProcessAlive  bool      `json:"process_alive"`
	NextRestartAt time.Time `json:"next_restart_at,omitempty"`
}

// StatusProvider supplies the live camera-supervisor snapshot the daemon
// implements this interface over (backed by supervisor.CameraSupervisor,
// kept decoupled here to avoid an import cycle).
type StatusProvider interface {
	Workers() []WorkerInfo
}

// HealthSummary is the /health response body.
type HealthSummary struct {
	Status    string    `json:"status"` // healthy | degraded | critical
	Timestamp time.Time `json:"timestamp"`
	Workers   struct {
		Healthy    int     `json:"healthy"`
		Total      int     `json:"total"`
		Percentage float64 `json:"percentage"`
	} `json:"workers"`
}

// StatusSnapshot is the /status response body: the full per-worker
// snapshot from the camera supervisor.
type StatusSnapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Workers   []WorkerInfo `json:"workers"`
}

// NewRouter builds the gin engine serving /health, /status, /workers, and
// /workers/:id against provider.
func NewRouter(provider StatusProvider) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		summary := buildHealthSummary(provider)
		code := http.StatusOK
		if summary.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, summary)
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, StatusSnapshot{
			Timestamp: time.Now().UTC(),
			Workers:   provider.Workers(),
		})
	})

	r.GET("/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, provider.Workers())
	})

	r.GET("/workers/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, w := range provider.Workers() {
			if w.CameraID == id {
				c.JSON(http.StatusOK, w)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found", "camera_id": id})
	})

	return r
}

// buildHealthSummary classifies overall health as healthy (all workers
// Running), critical (none Running), or degraded (some but not all).
func buildHealthSummary(provider StatusProvider) HealthSummary {
	workers := provider.Workers()

	summary := HealthSummary{Timestamp: time.Now().UTC()}
	summary.Workers.Total = len(workers)

	for _, w := range workers {
		if w.State == "running" {
			summary.Workers.Healthy++
		}
	}

	if summary.Workers.Total > 0 {
		summary.Workers.Percentage = 100 * float64(summary.Workers.Healthy) / float64(summary.Workers.Total)
	}

	switch {
	case summary.Workers.Total == 0 || summary.Workers.Healthy == 0:
		summary.Status = "critical"
	case summary.Workers.Healthy == summary.Workers.Total:
		summary.Status = "healthy"
	default:
		summary.Status = "degraded"
	}

	return summary
}

// ListenAndServe starts the status HTTP server on addr, shutting down
// gracefully when ctx is cancelled. If ready is non-nil it is closed about
// 10ms after the server goroutine starts; the bind itself is not confirmed,
// and a bind error is returned from this function instead.
func ListenAndServe(ctx context.Context, addr string, provider StatusProvider, ready chan<- struct{}) error {
	router := NewRouter(provider)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if ready != nil {
		// Give ListenAndServe a moment to bind before signaling ready.
		time.Sleep(10 * time.Millisecond)
		close(ready)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
