package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxchat/voxd/internal/api"
	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/bootstrap"
	"github.com/voxchat/voxd/internal/config"
	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/dm"
	"github.com/voxchat/voxd/internal/eventlog"
	"github.com/voxchat/voxd/internal/federation"
	"github.com/voxchat/voxd/internal/gateway"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/interaction"
	"github.com/voxchat/voxd/internal/member"
	"github.com/voxchat/voxd/internal/message"
	"github.com/voxchat/voxd/internal/permission"
	"github.com/voxchat/voxd/internal/postgres"
	"github.com/voxchat/voxd/internal/ratelimit"
	"github.com/voxchat/voxd/internal/role"
	"github.com/voxchat/voxd/internal/server"
	"github.com/voxchat/voxd/internal/snowflake"
	"github.com/voxchat/voxd/internal/space"
	"github.com/voxchat/voxd/internal/user"
)

// federationTokenTTL bounds how long a fed_-prefixed token minted during the
// join handshake stays valid. Not operator-configurable: unlike session
// length, this is an internal protocol detail, not a deployment choice.
const federationTokenTTL = 24 * time.Hour

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// srv holds the shared dependencies route registration pulls handlers from.
type srv struct {
	cfg         *config.Config
	db          *pgxpool.Pool
	authService *auth.Service
	tokenStore  auth.TokenStore
	userRepo    user.Repository
	serverRepo  server.Repository
	spaceRepo   *space.PGRepository
	roleRepo    role.Repository
	memberRepo  member.Repository
	messageRepo message.Repository
	dmRepo      dm.Repository
	permStore   *permission.PGStore
	resolver    *permission.Resolver
	dispatcher  *dispatch.Dispatcher
	gatewayHub  *gateway.Hub

	ratelimitLimiter  *ratelimit.Limiter
	inboundVerifier   *federation.InboundVerifier
	handshakeThrottle *federation.HandshakeThrottle
	entryStore        federation.EntryStore
	nonceStore        federation.NonceStore
	presenceSubs      federation.PresenceSubscriptionStore
}

// presenceFederationNotifier pushes a local user's presence change to every
// remote domain subscribed to it. Best-effort: a delivery failure is logged
// and otherwise swallowed, per spec.md's "outbound failures return None to
// callers" propagation policy.
type presenceFederationNotifier struct {
	users    user.Repository
	subs     federation.PresenceSubscriptionStore
	outbound *federation.OutboundClient
	domain   string
	log      zerolog.Logger
}

func (n *presenceFederationNotifier) NotifyPresence(userID int64, status string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		u, err := n.users.GetByID(ctx, userID)
		if err != nil || u.Federated {
			return
		}
		address := u.Username + "@" + n.domain

		domains, err := n.subs.SubscribersFor(ctx, address)
		if err != nil || len(domains) == 0 {
			return
		}

		body, err := json.Marshal(map[string]string{"user_address": address, "status": status})
		if err != nil {
			return
		}
		for _, d := range domains {
			resp, err := n.outbound.Send(ctx, http.MethodPost, d, "/api/v1/federation/presence/notify", body)
			if err != nil {
				n.log.Warn().Err(err).Str("domain", d).Msg("federation presence notify failed")
				continue
			}
			federation.DrainAndClose(resp)
		}
	}()
}

// handshakeThrottleMiddleware rejects join attempts from an origin that has
// exceeded its handshake rate, before the expensive signature/DNS work the
// inbound verifier does.
func handshakeThrottleMiddleware(t *federation.HandshakeThrottle) fiber.Handler {
	return func(c fiber.Ctx) error {
		origin := c.Get("X-Vox-Origin")
		if origin != "" && !t.Allow(origin) {
			return httputil.Fail(c, fiber.StatusTooManyRequests, httputil.CodeRateLimited, "too many join attempts")
		}
		return c.Next()
	}
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting Vox server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	ids := snowflake.NewGenerator()

	firstRun, err := bootstrap.IsFirstRun(ctx, db)
	if err != nil {
		return fmt.Errorf("check first run: %w", err)
	}
	if firstRun {
		log.Info().Msg("First run detected, running initialization")
		if err := bootstrap.RunFirstInit(ctx, db, ids, cfg); err != nil {
			return fmt.Errorf("first-run initialization: %w", err)
		}
		log.Info().Msg("First-run initialization complete")
	}

	userRepo := user.NewPGRepository(db, ids, log.Logger)
	tokenStore := auth.NewPGTokenStore(db, cfg.ServerSecret)
	serverRepo := server.NewPGRepository(db, log.Logger)
	spaceRepo := space.NewPGRepository(db, ids, log.Logger)
	roleRepo := role.NewPGRepository(db, ids, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, ids, log.Logger)
	dmRepo := dm.NewPGRepository(db, ids, log.Logger)
	permStore := permission.NewPGStore(db)
	eventLog := eventlog.NewPGRepository(db, ids)

	authService, err := auth.NewService(userRepo, tokenStore, cfg, serverRepo, log.Logger)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	resolver := permission.NewResolver(permStore, log.Logger)
	gatewayHub := gateway.NewHub(cfg, authService, authService, log.Logger)
	dispatcher := dispatch.New(gatewayHub, eventLog, log.Logger)

	fedKeys, err := federation.LoadOrGenerateKeyPair(cfg.FederationKeyPath)
	if err != nil {
		return fmt.Errorf("load federation keypair: %w", err)
	}
	entryStore := federation.NewPGEntryStore(db)
	nonceStore := federation.NewPGNonceStore(db)
	presenceSubs := federation.NewPGPresenceSubscriptionStore(db)
	outboundClient := federation.NewOutboundClient(cfg.ServerDomain, fedKeys.Private, federation.DefaultResolver, cfg.FederationHTTPTimeout)
	defer outboundClient.Close()
	handshakeThrottle := federation.NewHandshakeThrottle(1.0, 5)
	inboundVerifier := &federation.InboundVerifier{
		Resolver:    federation.DefaultResolver,
		Entries:     entryStore,
		ClockSkew:   cfg.FederationClockSkew,
		LocalPolicy: federation.Policy(cfg.FederationPolicy),
	}

	gatewayHub.SetPresenceNotifier(&presenceFederationNotifier{
		users: userRepo, subs: presenceSubs, outbound: outboundClient, domain: cfg.ServerDomain, log: log.Logger,
	})

	interactionStore := interaction.NewStore(cfg.InteractionTTL)
	ratelimitLimiter := ratelimit.New()
	defer ratelimitLimiter.Close()

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go runPeriodically(subCtx, cfg.PreservedSessionTTL, func() {
		if n := gatewayHub.CleanupSessions(); n > 0 {
			log.Info().Int("count", n).Msg("Expired preserved gateway sessions cleaned up")
		}
	})

	go runPeriodically(subCtx, cfg.EventLogRetention/24, func() {
		cutoff := time.Now().Add(-cfg.EventLogRetention).UnixMilli()
		n, err := eventLog.DeleteOlderThan(subCtx, cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to purge expired event log entries")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Dur("retention", cfg.EventLogRetention).Msg("Purged expired event log entries")
		}
	})

	go runPeriodically(subCtx, cfg.FederationNonceTTL, func() {
		n, err := nonceStore.DeleteExpired(subCtx, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to purge expired federation nonces")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("Purged expired federation nonces")
		}
	})

	go runPeriodically(subCtx, cfg.InteractionTTL, func() {
		if n := interactionStore.Cleanup(); n > 0 {
			log.Info().Int("count", n).Msg("Expired interactions cleaned up")
		}
	})

	app := fiber.New(fiber.Config{
		AppName:      "Vox",
		ErrorHandler: httputil.ErrorHandler,
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	s := &srv{
		cfg:         cfg,
		db:          db,
		authService: authService,
		tokenStore:  tokenStore,
		userRepo:    userRepo,
		serverRepo:  serverRepo,
		spaceRepo:   spaceRepo,
		roleRepo:    roleRepo,
		memberRepo:  memberRepo,
		messageRepo: messageRepo,
		dmRepo:      dmRepo,
		permStore:   permStore,
		resolver:    resolver,
		dispatcher:  dispatcher,
		gatewayHub:  gatewayHub,

		ratelimitLimiter:  ratelimitLimiter,
		inboundVerifier:   inboundVerifier,
		handshakeThrottle: handshakeThrottle,
		entryStore:        entryStore,
		nonceStore:        nonceStore,
		presenceSubs:      presenceSubs,
	}

	app.Use(ratelimit.Middleware(s.ratelimitLimiter, s.authService))

	s.registerRoutes(app)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Debug().
		Uint64("alloc_mb", mem.Alloc/1024/1024).
		Uint64("sys_mb", mem.Sys/1024/1024).
		Uint64("heap_inuse_mb", mem.HeapInuse/1024/1024).
		Msg("Runtime memory stats")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *srv) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.tokenStore, auth.PurposeSession)

	health := api.NewHealthHandler(s.db)
	app.Get("/api/v1/health", health.Health)

	authHandler := api.NewAuthHandler(s.authService, log.Logger)
	authGroup := app.Group("/api/v1/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/logout", requireAuth, authHandler.Logout)
	authGroup.Post("/password", requireAuth, authHandler.ChangePassword)

	userHandler := api.NewUserHandler(s.userRepo, s.authService, log.Logger)
	userGroup := app.Group("/api/v1/users", requireAuth)
	userGroup.Get("/@me", userHandler.GetMe)
	userGroup.Patch("/@me", userHandler.UpdateMe)
	userGroup.Delete("/@me", userHandler.DeleteMe)

	serverHandler := api.NewServerHandler(s.serverRepo, s.dispatcher, log.Logger)
	serverGroup := app.Group("/api/v1/server", requireAuth)
	serverGroup.Get("/", serverHandler.Get)
	serverGroup.Patch("/", serverHandler.Update)

	roleHandler := api.NewRoleHandler(s.roleRepo, s.dispatcher, s.cfg.MaxRoles, log.Logger)
	serverGroup.Get("/roles", roleHandler.ListRoles)
	serverGroup.Post("/roles", roleHandler.CreateRole)
	serverGroup.Patch("/roles/:roleID", roleHandler.UpdateRole)
	serverGroup.Delete("/roles/:roleID", roleHandler.DeleteRole)

	memberHandler := api.NewMemberHandler(s.memberRepo, s.resolver, s.dispatcher, log.Logger)
	memberGroup := serverGroup.Group("/members")
	memberGroup.Get("/", memberHandler.ListMembers)
	memberGroup.Get("/@me", memberHandler.GetSelf)
	memberGroup.Patch("/@me", memberHandler.UpdateSelf)
	memberGroup.Get("/:userID", memberHandler.GetMember)
	memberGroup.Patch("/:userID", memberHandler.UpdateMember)
	memberGroup.Put("/:userID/roles/:roleID", roleHandler.AssignRole)
	memberGroup.Delete("/:userID/roles/:roleID", roleHandler.RemoveRole)

	spaceHandler := api.NewSpaceHandler(s.spaceRepo, s.spaceRepo, s.resolver, s.dispatcher, s.cfg.MaxSpaces, log.Logger)
	spaceGroup := app.Group("/api/v1/spaces", requireAuth)
	spaceGroup.Get("/", spaceHandler.ListSpaces)
	spaceGroup.Post("/", spaceHandler.CreateSpace)
	spaceGroup.Get("/:spaceID", spaceHandler.GetSpace)
	spaceGroup.Patch("/:spaceID", spaceHandler.UpdateSpace)
	spaceGroup.Delete("/:spaceID", spaceHandler.DeleteSpace)

	categoryGroup := app.Group("/api/v1/categories", requireAuth)
	categoryGroup.Get("/", spaceHandler.ListCategories)
	categoryGroup.Post("/", spaceHandler.CreateCategory)
	categoryGroup.Patch("/:categoryID", spaceHandler.UpdateCategory)
	categoryGroup.Delete("/:categoryID", spaceHandler.DeleteCategory)

	permHandler := api.NewPermissionHandler(s.permStore, s.resolver, s.dispatcher, log.Logger)
	permGroup := app.Group("/api/v1/spaces/:spaceKind/:spaceID", requireAuth)
	permGroup.Put("/overrides/:principalType/:principalID", permHandler.SetOverride)
	permGroup.Delete("/overrides/:principalType/:principalID", permHandler.DeleteOverride)
	permGroup.Get("/permissions/@me", permHandler.GetMyPermissions)

	messageHandler := api.NewMessageHandler(s.messageRepo, s.dmRepo, s.resolver, s.dispatcher, s.cfg.MaxMessageLength, log.Logger)
	feedGroup := app.Group("/api/v1/feeds/:feedID/messages", requireAuth)
	feedGroup.Get("/", messageHandler.ListFeedMessages)
	feedGroup.Post("/", messageHandler.CreateFeedMessage)

	dmGroup := app.Group("/api/v1/dms/:dmID/messages", requireAuth)
	dmGroup.Get("/", messageHandler.ListDMMessages)
	dmGroup.Post("/", messageHandler.CreateDMMessage)

	messageGroup := app.Group("/api/v1/messages", requireAuth)
	messageGroup.Patch("/:messageID", messageHandler.UpdateMessage)
	messageGroup.Delete("/:messageID", messageHandler.DeleteMessage)

	gatewayHandler := api.NewGatewayHandler(s.gatewayHub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	federationHandler := api.NewFederationHandler(
		s.userRepo, s.serverRepo, s.authService, s.dispatcher,
		s.entryStore, s.nonceStore, s.presenceSubs, federation.DefaultResolver,
		s.cfg.FederationNonceTTL, federationTokenTTL, s.cfg.ServerDomain, log.Logger,
	)
	fedGroup := app.Group("/api/v1/federation")
	fedGroup.Post("/join", handshakeThrottleMiddleware(s.handshakeThrottle), s.inboundVerifier.Middleware(), federationHandler.Join)
	fedGroup.Post("/block", s.inboundVerifier.Middleware(), federationHandler.Block)
	fedGroup.Post("/relay/:kind", s.inboundVerifier.Middleware(), federationHandler.Relay)
	fedGroup.Get("/users/:addr", s.inboundVerifier.Middleware(), federationHandler.UserProfile)
	fedGroup.Post("/presence/subscribe", s.inboundVerifier.Middleware(), federationHandler.PresenceSubscribe)
	fedGroup.Post("/presence/notify", s.inboundVerifier.Middleware(), federationHandler.PresenceNotify)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// runPeriodically invokes fn immediately and then every interval until ctx is cancelled. A non-positive interval
// disables the ticker entirely, running fn only once.
func runPeriodically(ctx context.Context, interval time.Duration, fn func()) {
	fn()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
