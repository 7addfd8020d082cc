package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/archive"
	"github.com/example/bloodlink/internal/audit"
	"github.com/example/bloodlink/internal/auth"
	"github.com/example/bloodlink/internal/config"
	"github.com/example/bloodlink/internal/eta"
	"github.com/example/bloodlink/internal/geo"
	httpapi "github.com/example/bloodlink/internal/http"
	"github.com/example/bloodlink/internal/ingest"
	"github.com/example/bloodlink/internal/inventory"
	"github.com/example/bloodlink/internal/matcher"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/notify"
	"github.com/example/bloodlink/internal/ratelimit"
	"github.com/example/bloodlink/internal/storage"
	"github.com/example/bloodlink/internal/workflow"
)

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store storage.Store
		units inventory.Store
	)
	if cfg.PGDSN != "" {
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, db, "migrations", logger); err != nil {
				return err
			}
		}
		store = storage.NewPostgresStore(db, logger.Named("storage"))
		units = inventory.NewPostgresStore(db, logger.Named("inventory"))
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		store = storage.NewMemoryStore()
		units = inventory.NewMemoryStore()
	}

	var (
		donorGeo    geo.Geo          = geo.NewIndex()
		limiter     ratelimit.Limiter
		revocations auth.Revocations = auth.NewMemoryRevocations()
	)
	if cfg.RateLimitEnabled() {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		donorGeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		if cfg.RateLimitEnabled() {
			limiter = ratelimit.NewRedisLimiter(rc, cfg.RateLimitRequests, cfg.RateLimitWindow)
		}
		revocations = auth.NewRedisRevocations(rc)
	} else {
		logger.Warn("REDIS_ADDR not set, geo index and rate limits are per instance")
	}

	if !cfg.RateLimitEnabled() {
		logger.Warn("RATE_LIMIT_REQUESTS is 0, rate limiting disabled")
	}
	proxies, err := cfg.TrustedProxyNets()
	if err != nil {
		return err
	}

	deps := httpapi.Deps{Production: cfg.IsProduction(), TrustedProxies: proxies, Logger: logger.Named("http")}
	var securityEvents audit.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		deps.Locations = producer
		securityEvents = producer
	}
	auditLog := audit.New(logger, securityEvents, cfg.KafkaSecurityTopic)

	inv := inventory.NewService(units, logger.Named("inventory"))

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.MatcherDefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	match := &matcher.Service{
		Geo:              donorGeo,
		ETA:              estimator,
		Rules:            scaledRules(cfg.MatcherRadiusScale),
		Weights:          matcher.DefaultWeights(),
		DonationInterval: cfg.MatcherDonationInterval,
		MaxResults:       cfg.MatcherMaxResults,
		CandidateLimit:   cfg.MatcherCandidateLimit,
		Logger:           logger.Named("matcher"),
	}

	wf := workflow.NewEngine(store, inv, logger.Named("workflow"))
	wf.Geo = donorGeo
	wf.Audit = auditLog

	wsreg := notify.NewWSRegistry()
	dispatcher := notify.NewDispatcher(store, senders(cfg, wsreg, logger), cfg.NotifyWorkers, logger.Named("notify"))
	dispatcher.Audit = auditLog

	if cfg.S3Bucket != "" {
		up, err := archive.NewUploader(ctx, archive.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("init report archive: %w", err)
		}
		deps.Archive = up
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every authenticated request will be rejected")
	}

	deps.Matcher = match
	deps.Workflow = wf
	deps.Inventory = inv
	deps.Notifier = dispatcher
	deps.Geo = donorGeo
	deps.Donors = store
	deps.WSReg = wsreg
	deps.Verifier = auth.NewVerifier(cfg.JWTSecret, revocations)
	deps.Limiter = limiter
	deps.Audit = auditLog

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("bloodlink listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// senders wires the in-app channel plus every provider with a configured
// endpoint. Channels without a sender count as failed deliveries.
func senders(cfg config.Config, wsreg *notify.WSRegistry, logger *zap.Logger) map[models.Channel]notify.Sender {
	out := map[models.Channel]notify.Sender{models.ChannelInApp: wsreg}
	if cfg.PushAPIURL != "" {
		out[models.ChannelPush] = notify.NewPushSender(cfg.PushAPIURL, cfg.PushAPIKey, logger.Named("push"))
	}
	if cfg.SMSAPIURL != "" {
		out[models.ChannelSMS] = notify.NewSMSSender(cfg.SMSAPIURL, cfg.SMSAPIKey, logger.Named("sms"))
	}
	if cfg.EmailAPIURL != "" {
		out[models.ChannelEmail] = notify.NewEmailSender(cfg.EmailAPIURL, cfg.EmailAPIKey, logger.Named("email"))
	}
	if cfg.WhatsAppAPIURL != "" {
		out[models.ChannelWhatsApp] = notify.NewWhatsAppSender(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIKey, logger.Named("whatsapp"))
	}
	return out
}

func scaledRules(scale float64) map[models.Urgency]matcher.UrgencyRule {
	rules := matcher.DefaultRules()
	if scale <= 0 || scale == 1 {
		return rules
	}
	for u, r := range rules {
		r.RadiusKm *= scale
		rules[u] = r
	}
	return rules
}
