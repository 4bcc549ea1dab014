package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	// Redis is optional; readiness pings it when set.
	Redis *redis.Client
}

// LivenessResponse represents liveness probe response.
type LivenessResponse struct {
	Status string `json:"status"`
	Time   int64  `json:"timestamp"`
}

// ReadinessResponse represents readiness probe response.
type ReadinessResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis"`
}

// Liveness returns 200 if the service is running.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status: "alive",
		Time:   time.Now().Unix(),
	})
}

// Readiness returns 200 if the service is ready to serve traffic.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	status := http.StatusOK
	if h.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			redisStatus = "ok"
		}
	}
	ready := "ready"
	if status != http.StatusOK {
		ready = "not_ready"
	}
	writeJSON(w, status, ReadinessResponse{Status: ready, Redis: redisStatus})
}

// Status returns detailed status information.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "credits-gateway",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(startTime).Seconds(),
	})
}

var startTime = time.Now()
