package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/permission"
	"github.com/voxchat/voxd/internal/space"
)

// SpaceHandler serves feed and room endpoints. Both kinds share one table, so one handler covers both.
type SpaceHandler struct {
	spaces     space.Repository
	categories space.CategoryRepository
	resolver   *permission.Resolver
	dispatcher *dispatch.Dispatcher
	maxSpaces  int
	log        zerolog.Logger
}

// NewSpaceHandler creates a new space handler.
func NewSpaceHandler(
	spaces space.Repository,
	categories space.CategoryRepository,
	resolver *permission.Resolver,
	dispatcher *dispatch.Dispatcher,
	maxSpaces int,
	logger zerolog.Logger,
) *SpaceHandler {
	return &SpaceHandler{
		spaces:     spaces,
		categories: categories,
		resolver:   resolver,
		dispatcher: dispatcher,
		maxSpaces:  maxSpaces,
		log:        logger,
	}
}

type createSpaceRequest struct {
	Kind       space.Kind `json:"kind"`
	Name       string     `json:"name"`
	CategoryID *int64     `json:"category_id"`
}

type updateSpaceRequest struct {
	Name            *string `json:"name"`
	CategoryID      *int64  `json:"category_id"`
	SetCategoryNull bool    `json:"set_category_null"`
	Position        *int    `json:"position"`
}

func toSpaceModel(s *space.Space) fiber.Map {
	return fiber.Map{
		"id":          s.ID,
		"kind":        s.Kind,
		"name":        s.Name,
		"position":    s.Position,
		"category_id": s.CategoryID,
	}
}

func (h *SpaceHandler) eventTypeFor(kind space.Kind, op string) event.Type {
	isFeed := kind == space.Feed
	switch op {
	case "create":
		if isFeed {
			return event.TypeFeedCreate
		}
		return event.TypeRoomCreate
	case "update":
		if isFeed {
			return event.TypeFeedUpdate
		}
		return event.TypeRoomUpdate
	default:
		if isFeed {
			return event.TypeFeedDelete
		}
		return event.TypeRoomDelete
	}
}

// ListSpaces handles GET /api/v1/spaces.
func (h *SpaceHandler) ListSpaces(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	spaces, err := h.spaces.List(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "space").Msg("list spaces failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	ids := make([]*permission.SpaceRef, len(spaces))
	for i := range spaces {
		ids[i] = &permission.SpaceRef{Type: spaces[i].Kind, ID: spaces[i].ID}
	}

	visible := make([]fiber.Map, 0, len(spaces))
	for i := range spaces {
		allowed, err := h.resolver.HasPermission(c.Context(), userID, ids[i], permission.ViewSpace)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "space").Msg("permission check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
		}
		if allowed {
			visible = append(visible, toSpaceModel(&spaces[i]))
		}
	}

	return httputil.Success(c, visible)
}

// CreateSpace handles POST /api/v1/spaces.
func (h *SpaceHandler) CreateSpace(c fiber.Ctx) error {
	var body createSpaceRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	if err := space.ValidateKind(body.Kind); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}
	name, err := space.ValidateNameRequired(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	created, err := h.spaces.Create(c.Context(), space.CreateParams{
		Kind:       body.Kind,
		Name:       name,
		CategoryID: body.CategoryID,
	}, h.maxSpaces)
	if err != nil {
		return h.mapSpaceError(c, err)
	}

	result := toSpaceModel(created)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(h.eventTypeFor(created.Kind, "create"), result), nil); err != nil {
		h.log.Warn().Err(err).Int64("space_id", created.ID).Msg("dispatch failed")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, result)
}

// GetSpace handles GET /api/v1/spaces/:spaceID.
func (h *SpaceHandler) GetSpace(c fiber.Ctx) error {
	spaceID, err := strconv.ParseInt(c.Params("spaceID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid space id")
	}

	s, err := h.spaces.GetByID(c.Context(), spaceID)
	if err != nil {
		return h.mapSpaceError(c, err)
	}

	userID := auth.UserIDFromContext(c)
	allowed, err := h.resolver.HasPermission(c.Context(), userID, &permission.SpaceRef{Type: s.Kind, ID: s.ID}, permission.ViewSpace)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "space").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you do not have permission to view this space")
	}

	return httputil.Success(c, toSpaceModel(s))
}

// UpdateSpace handles PATCH /api/v1/spaces/:spaceID.
func (h *SpaceHandler) UpdateSpace(c fiber.Ctx) error {
	spaceID, err := strconv.ParseInt(c.Params("spaceID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid space id")
	}

	var body updateSpaceRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := space.ValidateName(body.Name); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}
	if err := space.ValidatePosition(body.Position); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	updated, err := h.spaces.Update(c.Context(), spaceID, space.UpdateParams{
		Name:            body.Name,
		CategoryID:      body.CategoryID,
		SetCategoryNull: body.SetCategoryNull,
		Position:        body.Position,
	})
	if err != nil {
		return h.mapSpaceError(c, err)
	}

	result := toSpaceModel(updated)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(h.eventTypeFor(updated.Kind, "update"), result), nil); err != nil {
		h.log.Warn().Err(err).Int64("space_id", updated.ID).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// DeleteSpace handles DELETE /api/v1/spaces/:spaceID.
func (h *SpaceHandler) DeleteSpace(c fiber.Ctx) error {
	spaceID, err := strconv.ParseInt(c.Params("spaceID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid space id")
	}

	existing, err := h.spaces.GetByID(c.Context(), spaceID)
	if err != nil {
		return h.mapSpaceError(c, err)
	}

	if err := h.spaces.Delete(c.Context(), spaceID); err != nil {
		return h.mapSpaceError(c, err)
	}

	payload := fiber.Map{"id": spaceID}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(h.eventTypeFor(existing.Kind, "delete"), payload), nil); err != nil {
		h.log.Warn().Err(err).Int64("space_id", spaceID).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

type createCategoryRequest struct {
	Name string `json:"name"`
}

type updateCategoryRequest struct {
	Name     *string `json:"name"`
	Position *int    `json:"position"`
}

func toCategoryModel(cat *space.Category) fiber.Map {
	return fiber.Map{"id": cat.ID, "name": cat.Name, "position": cat.Position}
}

// ListCategories handles GET /api/v1/categories.
func (h *SpaceHandler) ListCategories(c fiber.Ctx) error {
	categories, err := h.categories.ListCategories(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "space").Msg("list categories failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	result := make([]fiber.Map, len(categories))
	for i := range categories {
		result[i] = toCategoryModel(&categories[i])
	}
	return httputil.Success(c, result)
}

// CreateCategory handles POST /api/v1/categories.
func (h *SpaceHandler) CreateCategory(c fiber.Ctx) error {
	var body createCategoryRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	name, err := space.ValidateNameRequired(body.Name)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	created, err := h.categories.CreateCategory(c.Context(), space.CategoryCreateParams{Name: name}, h.maxSpaces)
	if err != nil {
		return h.mapSpaceError(c, err)
	}

	result := toCategoryModel(created)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeCategoryCreate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("category_id", created.ID).Msg("dispatch failed")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, result)
}

// UpdateCategory handles PATCH /api/v1/categories/:categoryID.
func (h *SpaceHandler) UpdateCategory(c fiber.Ctx) error {
	categoryID, err := strconv.ParseInt(c.Params("categoryID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid category id")
	}

	var body updateCategoryRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := space.ValidateName(body.Name); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}
	if err := space.ValidatePosition(body.Position); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	updated, err := h.categories.UpdateCategory(c.Context(), categoryID, space.CategoryUpdateParams{
		Name:     body.Name,
		Position: body.Position,
	})
	if err != nil {
		return h.mapSpaceError(c, err)
	}

	result := toCategoryModel(updated)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeCategoryUpdate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("category_id", updated.ID).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// DeleteCategory handles DELETE /api/v1/categories/:categoryID.
func (h *SpaceHandler) DeleteCategory(c fiber.Ctx) error {
	categoryID, err := strconv.ParseInt(c.Params("categoryID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid category id")
	}

	if err := h.categories.DeleteCategory(c.Context(), categoryID); err != nil {
		return h.mapSpaceError(c, err)
	}

	payload := fiber.Map{"id": categoryID}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeCategoryDelete, payload), nil); err != nil {
		h.log.Warn().Err(err).Int64("category_id", categoryID).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// mapSpaceError converts space-layer errors to appropriate HTTP responses.
func (h *SpaceHandler) mapSpaceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, space.ErrNotFound), errors.Is(err, space.ErrCategoryNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, err.Error())
	case errors.Is(err, space.ErrMaxSpacesReached):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, space.ErrNameLength), errors.Is(err, space.ErrInvalidKind), errors.Is(err, space.ErrInvalidPosition):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "space").Msg("unhandled space service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
