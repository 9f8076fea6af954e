package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/federation"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/server"
	"github.com/voxchat/voxd/internal/user"
)

// FederationHandler serves the inbound server-to-server endpoints under
// /api/v1/federation: join handshake, origin blocking, opaque message/typing/
// read relay, profile lookup, and presence subscription. Every route here
// sits behind federation.InboundVerifier.Middleware(), so handlers can trust
// federation.OriginFromContext(c) without re-checking the envelope.
type FederationHandler struct {
	users       user.Repository
	servers     server.Repository
	authSvc     *auth.Service
	dispatcher  *dispatch.Dispatcher
	entries     federation.EntryStore
	nonces      federation.NonceStore
	subs        federation.PresenceSubscriptionStore
	resolver    federation.Resolver
	nonceTTL    time.Duration
	fedTokenTTL time.Duration
	localDomain string
	log         zerolog.Logger
}

// NewFederationHandler creates a new federation handler.
func NewFederationHandler(
	users user.Repository,
	servers server.Repository,
	authSvc *auth.Service,
	dispatcher *dispatch.Dispatcher,
	entries federation.EntryStore,
	nonces federation.NonceStore,
	subs federation.PresenceSubscriptionStore,
	resolver federation.Resolver,
	nonceTTL, fedTokenTTL time.Duration,
	localDomain string,
	logger zerolog.Logger,
) *FederationHandler {
	return &FederationHandler{
		users: users, servers: servers, authSvc: authSvc, dispatcher: dispatcher,
		entries: entries, nonces: nonces, subs: subs, resolver: resolver,
		nonceTTL: nonceTTL, fedTokenTTL: fedTokenTTL, localDomain: localDomain, log: logger,
	}
}

func (h *FederationHandler) keyLookup(ctx context.Context, domain string) (ed25519.PublicKey, error) {
	return federation.LookupPublicKey(ctx, h.resolver, domain)
}

type joinRequest struct {
	Voucher string `json:"voucher"`
}

// Join handles POST /api/v1/federation/join: a remote server vouches for one
// of its users joining this server. On success the user gets a local
// federated stub row and a fed_-prefixed token scoped to federation calls.
func (h *FederationHandler) Join(c fiber.Ctx) error {
	var body joinRequest
	if err := c.Bind().Body(&body); err != nil || body.Voucher == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "voucher is required")
	}

	payload, err := federation.VerifyVoucher(c.Context(), body.Voucher, h.localDomain, time.Now(),
		h.keyLookup, h.nonces, h.nonceTTL)
	if err != nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeFedAuthFailed, "voucher rejected")
	}

	username, homeDomain, ok := strings.Cut(payload.UserAddress, "@")
	if !ok || username == "" || homeDomain == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "malformed user address")
	}

	stub, err := h.users.GetOrCreateFederatedStub(c.Context(), username, homeDomain)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("create federated stub failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	token, err := h.authSvc.IssueFederationToken(c.Context(), stub.ID, h.fedTokenTTL)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("issue federation token failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	cfg, err := h.servers.Get(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("read server config failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"accepted":         true,
		"federation_token": token,
		"server_info": fiber.Map{
			"name":   cfg.Name,
			"domain": cfg.Domain,
		},
	})
}

type blockRequest struct {
	Reason string `json:"reason"`
}

// Block handles POST /api/v1/federation/block: the calling origin asks to be
// blocked from federating with this server. Idempotent, per spec.md's
// "federation/block twice for the same origin leaves exactly one row".
func (h *FederationHandler) Block(c fiber.Ctx) error {
	var body blockRequest
	_ = c.Bind().Body(&body)

	origin := federation.OriginFromContext(c)
	if err := h.entries.Block(c.Context(), origin, body.Reason); err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("block origin failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"accepted": true})
}

type relayRequest struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Data map[string]any `json:"data"`
}

var relayEventTypes = map[string]event.Type{
	"message": event.TypeMessageCreate,
	"typing":  event.TypeTypingStart,
	"read":    event.TypeNotificationCreate,
}

// Relay handles POST /api/v1/federation/relay/:kind, forwarding an opaque
// message/typing/read payload from a remote user to one of our local users.
// The server never inspects Data's contents; it is addressed and delivered,
// nothing more.
func (h *FederationHandler) Relay(c fiber.Ctx) error {
	kind := c.Params("kind")
	evtType, ok := relayEventTypes[kind]
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "unknown relay kind")
	}

	var body relayRequest
	if err := c.Bind().Body(&body); err != nil || body.From == "" || body.To == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "from and to are required")
	}

	origin := federation.OriginFromContext(c)
	fromUsername, fromDomain, ok := strings.Cut(body.From, "@")
	if !ok || fromDomain != origin {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeFedAuthFailed, "from address does not match calling origin")
	}

	toUser, err := h.users.GetByUsername(c.Context(), body.To, h.localDomain)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "recipient not found")
		}
		h.log.Error().Err(err).Str("handler", "federation").Msg("lookup relay recipient failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	fromStub, err := h.users.GetOrCreateFederatedStub(c.Context(), fromUsername, fromDomain)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("create relay sender stub failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	data := map[string]any{"author_id": fromStub.ID, "author_address": body.From}
	for k, v := range body.Data {
		data[k] = v
	}

	if err := h.dispatcher.Dispatch(c.Context(), event.New(evtType, data), []int64{toUser.ID}); err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("dispatch relay failed")
	}

	return httputil.Success(c, fiber.Map{"accepted": true})
}

// UserProfile handles GET /api/v1/federation/users/:addr, a profile lookup
// for one of this server's locally homed users.
func (h *FederationHandler) UserProfile(c fiber.Ctx) error {
	addr := c.Params("addr")
	u, err := h.users.GetByUsername(c.Context(), addr, h.localDomain)
	if err != nil || u.Federated {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "user not found")
	}
	return httputil.Success(c, fiber.Map{
		"address":      u.Username + "@" + h.localDomain,
		"display_name": u.DisplayName,
	})
}

type presenceSubscribeRequest struct {
	UserAddress string `json:"user_address"`
}

// PresenceSubscribe handles POST /api/v1/federation/presence/subscribe: the
// calling origin asks to be notified of a local user's presence changes.
func (h *FederationHandler) PresenceSubscribe(c fiber.Ctx) error {
	var body presenceSubscribeRequest
	if err := c.Bind().Body(&body); err != nil || body.UserAddress == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "user_address is required")
	}
	username, domain, ok := strings.Cut(body.UserAddress, "@")
	if !ok || domain != h.localDomain {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "user_address must name a local user")
	}
	if _, err := h.users.GetByUsername(c.Context(), username, domain); err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "user not found")
	}

	origin := federation.OriginFromContext(c)
	if err := h.subs.Subscribe(c.Context(), origin, body.UserAddress); err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("presence subscribe failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"accepted": true})
}

type presenceNotifyRequest struct {
	UserAddress string `json:"user_address"`
	Status      string `json:"status"`
}

// PresenceNotify handles POST /api/v1/federation/presence/notify: the
// calling origin reports a presence change for one of its own users. We
// track it under that user's federated stub so anything sharing a space or
// DM with them sees it through the normal presence_update broadcast.
func (h *FederationHandler) PresenceNotify(c fiber.Ctx) error {
	var body presenceNotifyRequest
	if err := c.Bind().Body(&body); err != nil || body.UserAddress == "" || body.Status == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "user_address and status are required")
	}
	username, domain, ok := strings.Cut(body.UserAddress, "@")
	origin := federation.OriginFromContext(c)
	if !ok || domain != origin {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeFedAuthFailed, "user_address does not match calling origin")
	}

	stub, err := h.users.GetOrCreateFederatedStub(c.Context(), username, domain)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("create presence stub failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypePresenceUpdate,
		map[string]any{"user_id": stub.ID, "status": body.Status}), nil); err != nil {
		h.log.Error().Err(err).Str("handler", "federation").Msg("dispatch presence notify failed")
	}
	return httputil.Success(c, fiber.Map{"accepted": true})
}
