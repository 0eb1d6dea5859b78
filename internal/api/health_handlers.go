package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthHandler answers the public health probe. A failing dependency
// downgrades the status to "degraded" but still answers 200; load
// balancers read the body, not the code.
type HealthHandler struct {
	DB      *sql.DB
	Redis   *redis.Client
	Version string
	Started time.Time
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	checks := map[string]string{"database": "up", "redis": "up"}
	if err := h.DB.PingContext(ctx); err != nil {
		status = "degraded"
		checks["database"] = "down"
	}
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		status = "degraded"
		checks["redis"] = "down"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"uptime":  time.Since(h.Started).Round(time.Second).String(),
		"version": h.Version,
		"checks":  checks,
	})
}
