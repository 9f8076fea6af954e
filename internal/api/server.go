package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/server"
)

// ServerHandler serves the single server configuration row.
type ServerHandler struct {
	servers    server.Repository
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewServerHandler creates a new server handler.
func NewServerHandler(servers server.Repository, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *ServerHandler {
	return &ServerHandler{servers: servers, dispatcher: dispatcher, log: logger}
}

type updateServerRequest struct {
	Name *string `json:"name"`
}

func toServerModel(cfg *server.Config) fiber.Map {
	return fiber.Map{
		"id":         cfg.ID,
		"owner_id":   cfg.OwnerID,
		"name":       cfg.Name,
		"domain":     cfg.Domain,
		"created_at": cfg.CreatedAt,
	}
}

// Get handles GET /api/v1/server.
func (h *ServerHandler) Get(c fiber.Ctx) error {
	cfg, err := h.servers.Get(c.Context())
	if err != nil {
		return h.mapServerError(c, err)
	}
	return httputil.Success(c, toServerModel(cfg))
}

// Update handles PATCH /api/v1/server.
func (h *ServerHandler) Update(c fiber.Ctx) error {
	var body updateServerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := server.ValidateName(body.Name); err != nil {
		return h.mapServerError(c, err)
	}
	if body.Name == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "name is required")
	}

	cfg, err := h.servers.UpdateName(c.Context(), *body.Name)
	if err != nil {
		return h.mapServerError(c, err)
	}

	result := toServerModel(cfg)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeServerUpdate, result), nil); err != nil {
		h.log.Warn().Err(err).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// mapServerError converts server-layer errors to appropriate HTTP responses.
func (h *ServerHandler) mapServerError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, server.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "server config not found")
	case errors.Is(err, server.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "server").Msg("unhandled server service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
