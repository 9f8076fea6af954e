package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxchat/voxd/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB *pgxpool.Pool
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *pgxpool.Pool) *HealthHandler {
	return &HealthHandler{DB: db}
}

// Health pings PostgreSQL, returning component status. There is no cache or broker to check: this process holds all
// live state in memory.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.DB.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
	})
}
