package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/corewire/imcore/internal/api"
	"github.com/corewire/imcore/internal/auth"
	"github.com/corewire/imcore/internal/broadcast"
	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/config"
	"github.com/corewire/imcore/internal/gateway"
	"github.com/corewire/imcore/internal/heartbeat"
	"github.com/corewire/imcore/internal/httputil"
	"github.com/corewire/imcore/internal/message"
	"github.com/corewire/imcore/internal/metrics"
	"github.com/corewire/imcore/internal/notify"
	"github.com/corewire/imcore/internal/outbox"
	"github.com/corewire/imcore/internal/postgres"
	"github.com/corewire/imcore/internal/presence"
	"github.com/corewire/imcore/internal/protocol"
	"github.com/corewire/imcore/internal/read"
	"github.com/corewire/imcore/internal/router"
	"github.com/corewire/imcore/internal/session"
	"github.com/corewire/imcore/internal/sync"
	"github.com/corewire/imcore/internal/user"
	"github.com/corewire/imcore/internal/valkey"
	"github.com/corewire/imcore/internal/workspace"
	"github.com/corewire/imcore/internal/workspacebroadcast"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg           *config.Config
	db            *pgxpool.Pool
	rdb           *redis.Client
	promReg       *prometheus.Registry
	userRepo      user.Repository
	channelRepo   channel.Repository
	workspaceRepo workspace.Repository
	messageRouter *router.Router
	syncEngine    *sync.Engine
	gatewayHub    *gateway.Hub
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
		Msg("Starting imcore server")

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

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	userRepo := user.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	workspaceRepo := workspace.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)
	outboxRepo := outbox.NewPGRepository(db, log.Logger)
	readRepo := read.NewPGRepository(db, log.Logger)

	publisher := broadcast.NewPublisher(rdb, log.Logger)
	wsBroadcaster := workspacebroadcast.New(publisher, log.Logger)
	messageRouter := router.New(messageRepo, channelRepo, publisher, log.Logger)
	syncEngine := sync.New(messageRepo, channelRepo, readRepo)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	notifier, err := notify.NewAMQPPublisher(cfg.AMQPURL, watermill.NewStdLogger(cfg.IsDevelopment(), false))
	if err != nil {
		return fmt.Errorf("connect notification broker: %w", err)
	}
	defer func() { _ = notifier.Close() }()

	membership := broadcast.NewPGMembership(db)
	mentions := broadcast.NewPGMentions(db)
	bots := broadcast.NewPGBotLookup(db)
	outboxWorker, err := broadcast.NewWorker(outboxRepo, readRepo, membership, mentions, bots, notifier, log.Logger, 1024)
	if err != nil {
		return fmt.Errorf("create post-broadcast worker: %w", err)
	}
	go runOutboxDrain(subCtx, outboxWorker, cfg.OutboxScanInterval, metricsReg, log.Logger)

	sessions := session.NewRegistry(rdb, cfg.GatewaySessionTTL)
	gwSessions := gateway.NewSessionStore(rdb, cfg.GatewaySessionTTL, cfg.GatewayReplayBufferSize)
	presenceStore := presence.NewStore(rdb)

	zombieCleaner := heartbeat.NewZombieCleaner(rdb, sessions, cfg.GatewayHeartbeatInterval, log.Logger, func(z heartbeat.Zombie) {
		metricsReg.ZombieEvictions.Inc()
		log.Debug().Str("userId", z.UserID.String()).Str("socketId", z.SocketID).Msg("evicted zombie session")
	})
	go zombieCleaner.Run(subCtx, cfg.ZombieSweepInterval)

	gatewayHub := gateway.NewHub(cfg, rdb, sessions, gwSessions, presenceStore, channelRepo, workspaceRepo, syncEngine, publisher, wsBroadcaster, metricsReg, log.Logger)
	go runWithBackoff(subCtx, "gateway-hub", gatewayHub.Run)

	app := fiber.New(fiber.Config{
		AppName: "imcore",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "an internal error occurred"
			code := protocol.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				msg = e.Message
				code = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: msg},
			})
		},
	})

	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/api/v1/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	srv := &server{
		cfg:           cfg,
		db:            db,
		rdb:           rdb,
		promReg:       promReg,
		userRepo:      userRepo,
		channelRepo:   channelRepo,
		workspaceRepo: workspaceRepo,
		messageRouter: messageRouter,
		syncEngine:    syncEngine,
		gatewayHub:    gatewayHub,
	}
	srv.registerRoutes(app)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		gatewayHub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.cfg.JWTSecret, s.cfg.JWTIssuer)

	health := api.NewHealthHandler(s.db, redisPinger{client: s.rdb})
	app.Get("/api/v1/health", health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	userHandler := api.NewUserHandler(s.userRepo, log.Logger)
	userGroup := app.Group("/api/v1/users", requireAuth)
	userGroup.Get("/@me", userHandler.GetMe)
	userGroup.Patch("/@me", userHandler.UpdateMe)

	channelHandler := api.NewChannelHandler(s.channelRepo, s.workspaceRepo, log.Logger)
	workspaceGroup := app.Group("/api/v1/workspaces", requireAuth)
	workspaceGroup.Get("/:workspaceID/channels", channelHandler.ListChannels)
	workspaceGroup.Post("/:workspaceID/channels", channelHandler.CreateChannel)

	channelGroup := app.Group("/api/v1/channels", requireAuth)
	channelGroup.Get("/:channelID", channelHandler.GetChannel)

	messageHandler := api.NewMessageHandler(s.messageRouter, s.syncEngine, log.Logger)
	channelGroup.Get("/:channelID/messages", messageHandler.ListMessages)
	channelGroup.Post("/:channelID/messages", messageHandler.CreateMessage)
	channelGroup.Post("/:channelID/ack", messageHandler.AckMessage)

	gatewayHandler := api.NewGatewayHandler(s.gatewayHub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// runOutboxDrain periodically drains pending PostBroadcastWorker rows until ctx is cancelled, logging how many rows
// each pass drained. It does not update the metrics registry: reg is accepted but not read.
func runOutboxDrain(ctx context.Context, worker *broadcast.Worker, interval time.Duration, reg *metrics.Registry, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const batchSize = 100
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := worker.Drain(ctx, batchSize)
			if err != nil {
				logger.Error().Err(err).Msg("outbox drain failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int("drained", n).Msg("drained outbox rows")
			}
		}
	}
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on
// each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest
// protocol error code.
func fiberStatusToAPICode(status int) protocol.Code {
	switch status {
	case fiber.StatusNotFound:
		return protocol.NotFound
	case fiber.StatusMethodNotAllowed:
		return protocol.ValidationError
	case fiber.StatusTooManyRequests:
		return protocol.RateLimited
	default:
		if status >= 400 && status < 500 {
			return protocol.ValidationError
		}
		return protocol.InternalError
	}
}
