package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"controlplane/internal/api/v1/handler"
	"controlplane/internal/api/v1/response"
	"controlplane/internal/billing"
	"controlplane/internal/config"
	"controlplane/internal/database"
	"controlplane/internal/identity"
	"controlplane/internal/metrics"
	"controlplane/internal/middleware"
	"controlplane/internal/pubsub"
	"controlplane/internal/repository"
	"controlplane/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Pinger reports store liveness for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers are the fully built HTTP components mounted by NewHandler.
type Handlers struct {
	Webhook   *handler.BillingWebhookHandler
	AdminUser *handler.AdminUserHandler
	AdminAuth func(http.Handler) http.Handler
	Health    Pinger
	Gatherer  prometheus.Gatherer
}

// New builds every collaborator from cfg and returns the root handler plus a cleanup
// function releasing the store pool and outbound clients.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// 1. Canonical store
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, pool.Close)

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Outbound clients
	idp, err := identity.NewClient(cfg.IdentityAPIURL, cfg.IdentitySecretKey, cfg.IdentityJWTKey)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	customers := billing.NewStripeCustomers(cfg.StripeSecretKey)

	var publisher pubsub.Publisher = pubsub.NopPublisher{}
	if cfg.PubSubTierTopic != "" {
		p, err := pubsub.NewPublisher(ctx, cfg.PubSubProjectID)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("create Pub/Sub publisher: %w", err)
		}
		closers = append(closers, func() { _ = p.Close() })
		publisher = p
		logger.Info().Str("topic", cfg.PubSubTierTopic).Msg("Tier change notifications enabled")
	}

	var confirmRepo repository.ConfirmationRepository
	if cfg.StrictConfirmation() {
		if cfg.RedisAddr == "" {
			cleanup()
			return nil, func() {}, fmt.Errorf("CONFIRMATION_MODE=strict requires REDIS_ADDR")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			cleanup()
			return nil, func() {}, fmt.Errorf("ping redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		confirmRepo = repository.NewConfirmationRepo(rdb)
		logger.Info().Msg("Strict confirmation tokens enabled")
	}

	// 4. Repositories & services & handlers
	userRepo := repository.NewUserRepo(pool)
	planRepo := repository.NewPlanRepo(pool)
	unlinkedRepo := repository.NewUnlinkedEventRepo(pool)

	mirrorSvc := service.NewMirrorService(idp, m, logger)
	billingSvc := service.NewBillingService(service.BillingDeps{
		Users:     userRepo,
		Plans:     planRepo,
		Unlinked:  unlinkedRepo,
		Customers: customers,
		Mirror:    mirrorSvc,
		Publisher: publisher,
		TierTopic: cfg.PubSubTierTopic,
		Metrics:   m,
	}, logger)
	adminSvc := service.NewAdminUserService(userRepo, unlinkedRepo, idp, mirrorSvc, m, logger)
	confirmSvc := service.NewConfirmationService(cfg.StrictConfirmation(), confirmRepo,
		time.Duration(cfg.ConfirmationTTLSec)*time.Second, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	allowlist := cfg.AdminAllowlist()
	if len(allowlist) == 0 {
		logger.Warn().Msg("ADMIN_EMAILS is empty; every admin request will be forbidden")
	}

	h := Handlers{
		Webhook:   handler.NewBillingWebhookHandler(billing.NewVerifier(cfg.StripeWebhookSecret), billingSvc, m, logger),
		AdminUser: handler.NewAdminUserHandler(adminSvc, confirmSvc, validate, cfg.UnlinkedEventsLimit, logger),
		AdminAuth: middleware.AdminAuth(middleware.AdminAuthConfig{
			Sessions:  idp,
			Users:     userRepo,
			Allowlist: allowlist,
			Metrics:   m,
			Logger:    logger,
		}),
		Health:   pool,
		Gatherer: reg,
	}
	logger.Info().Msg("Router initialized")
	return NewHandler(h, logger), cleanup, nil
}

// NewHandler mounts the v1 API, health and metrics endpoints.
func NewHandler(h Handlers, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Admin routes sit behind the authorization pipeline as a whole.
	adminMux := http.NewServeMux()
	h.AdminUser.RegisterRoutes(adminMux)

	apiV1Mux := http.NewServeMux()
	h.Webhook.RegisterRoutes(apiV1Mux)
	apiV1Mux.Handle("/admin/", http.StripPrefix("/admin", h.AdminAuth(adminMux)))

	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			logger.Error().Err(err).Msg("Health check failed")
			response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.ConfirmationHeader, middleware.RequestIDHeader},
		AllowCredentials: false,
	})

	return middleware.Logger(logger)(c.Handler(mux))
}
