package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/hostdomains/internal/auth"
	"github.com/jmerrifield20/hostdomains/internal/certs"
	"github.com/jmerrifield20/hostdomains/internal/dns"
	"github.com/jmerrifield20/hostdomains/internal/domains/handler"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/domains/service"
	"github.com/jmerrifield20/hostdomains/internal/email"
	"github.com/jmerrifield20/hostdomains/internal/events"
	"github.com/jmerrifield20/hostdomains/internal/expiry"
	"github.com/jmerrifield20/hostdomains/internal/inflight"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"github.com/jmerrifield20/hostdomains/internal/metrics"
	"github.com/jmerrifield20/hostdomains/internal/reconcile"
	"github.com/jmerrifield20/hostdomains/migrations"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("domainsd exited with error", zap.Error(err))
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("domainsd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.issuer", "hostdomains")
	viper.SetDefault("dns.service_ip", "127.0.0.1")
	viper.SetDefault("dns.verify_prefix", dns.DefaultVerifyPrefix)
	viper.SetDefault("dns.cname_target", "verify.hostdomains.local")
	viper.SetDefault("dns.resolver", "")
	viper.SetDefault("dns.timeout", "5s")
	viper.SetDefault("provisioning.issuer", "local")
	viper.SetDefault("provisioning.acme_directory", "https://acme-staging-v02.api.letsencrypt.org/directory")
	viper.SetDefault("provisioning.acme_email", "")
	viper.SetDefault("provisioning.local_ca_dir", "certs")
	viper.SetDefault("provisioning.deployer_url", "")
	viper.SetDefault("provisioning.deployer_secret", "")
	viper.SetDefault("provisioning.job_timeout", "10m")
	viper.SetDefault("provisioning.workers", 4)
	viper.SetDefault("provisioning.auto_start", true)
	viper.SetDefault("provisioning.rate_per_hour", 5.0)
	viper.SetDefault("provisioning.rate_burst", 3)
	viper.SetDefault("poller.interval", "5s")
	viper.SetDefault("poller.cooldown", "3s")
	viper.SetDefault("events.kafka_brokers", []string{})
	viper.SetDefault("events.kafka_topic", "hostdomains.lifecycle")
	viper.SetDefault("events.webhook_urls", []string{})
	viper.SetDefault("events.webhook_secret", "")
	viper.SetDefault("expiry.interval", "1h")
	viper.SetDefault("expiry.warn_before", "336h")
	viper.SetDefault("notify.email_to", []string{})
	viper.SetDefault("notify.event_types", []string{})
	viper.SetDefault("notify.smtp_host", "")
	viper.SetDefault("notify.smtp_port", 587)
	viper.SetDefault("notify.smtp_username", "")
	viper.SetDefault("notify.smtp_password", "")
	viper.SetDefault("notify.smtp_from", "hostdomains@localhost")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	startCtx := context.Background()
	pingers := map[string]handler.Pinger{}

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		domains    service.DomainStore
		jobs       service.JobStore
		dependents service.DependentSource
		auditLog   ledger.Ledger
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(startCtx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(startCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		if err := migrations.UpPool(startCtx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		domains = repository.NewDomainRepository(db)
		jobs = repository.NewJobRepository(db)
		dependents = repository.NewDependentRepository(db)
		auditLog = ledger.NewPostgres(db, logger)
		pingers["postgres"] = db
	} else {
		logger.Warn("database.url not set; using in-memory storage, state is lost on restart")
		mem := repository.NewMemoryStore()
		domains, jobs, dependents = mem, mem, mem
		auditLog = ledger.NewMemory()
	}

	if err := auditLog.Verify(startCtx); err != nil {
		logger.Warn("audit ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := auditLog.Len(startCtx)
		root, _ := auditLog.Root(startCtx)
		logger.Info("audit ledger verified", zap.Int("entries", n), zap.String("root", root))
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	tokens, err := auth.NewTokenIssuer([]byte(secret), viper.GetString("auth.issuer"), 24*time.Hour)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	// ── DNS ──────────────────────────────────────────────────────────────────
	verifier, err := dns.NewVerifier(dns.NewResolver(viper.GetString("dns.resolver")), dns.Config{
		ServiceIP:    viper.GetString("dns.service_ip"),
		VerifyPrefix: viper.GetString("dns.verify_prefix"),
		CNAMETarget:  viper.GetString("dns.cname_target"),
		Timeout:      viper.GetDuration("dns.timeout"),
	})
	if err != nil {
		return fmt.Errorf("dns verifier: %w", err)
	}

	// ── Certificates ─────────────────────────────────────────────────────────
	challenges := certs.NewHTTP01Store()
	var issuer certs.Issuer
	caDir := viper.GetString("provisioning.local_ca_dir")
	switch kind := viper.GetString("provisioning.issuer"); kind {
	case "local":
		ca := certs.NewLocalCA(caDir, 0)
		if err := ca.LoadOrCreate(); err != nil {
			return fmt.Errorf("local CA setup failed: %w", err)
		}
		issuer = ca
		logger.Info("certificate issuer: local CA", zap.String("dir", caDir))
	case "acme":
		key, err := certs.LoadOrCreateAccountKey(caDir)
		if err != nil {
			return fmt.Errorf("acme account key: %w", err)
		}
		issuer = certs.NewACMEIssuer(certs.ACMEConfig{
			DirectoryURL: viper.GetString("provisioning.acme_directory"),
			Email:        viper.GetString("provisioning.acme_email"),
		}, key, challenges, logger)
		logger.Info("certificate issuer: acme", zap.String("directory", viper.GetString("provisioning.acme_directory")))
	default:
		return fmt.Errorf("unknown provisioning.issuer %q (want local or acme)", kind)
	}

	// ── Events ───────────────────────────────────────────────────────────────
	var publishers events.Multi
	if brokers := viper.GetStringSlice("events.kafka_brokers"); len(brokers) > 0 {
		kp, err := events.NewKafkaPublisher(brokers, viper.GetString("events.kafka_topic"), logger)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer kp.Close()
		if err := kp.EnsureTopic(startCtx, 3, 1); err != nil {
			logger.Warn("ensure kafka topic", zap.Error(err))
		}
		publishers = append(publishers, kp)
		logger.Info("lifecycle events: kafka", zap.Strings("brokers", brokers))
	}
	var webhooks *events.WebhookPublisher
	if urls := viper.GetStringSlice("events.webhook_urls"); len(urls) > 0 {
		webhooks = events.NewWebhookPublisher(urls, viper.GetString("events.webhook_secret"), logger)
		webhooks.SetMetricsRecorder(metrics.RecordWebhookDelivery)
		publishers = append(publishers, webhooks)
		logger.Info("lifecycle events: webhooks", zap.Int("endpoints", len(urls)))
	}
	if to := viper.GetStringSlice("notify.email_to"); len(to) > 0 {
		var sender email.Sender = email.NewLogSender(logger)
		if host := viper.GetString("notify.smtp_host"); host != "" {
			sender = email.NewSMTPSender(email.SMTPConfig{
				Host:     host,
				Port:     viper.GetInt("notify.smtp_port"),
				Username: viper.GetString("notify.smtp_username"),
				Password: viper.GetString("notify.smtp_password"),
				From:     viper.GetString("notify.smtp_from"),
			})
		}
		publishers = append(publishers, email.NewNotifier(sender, to, viper.GetStringSlice("notify.event_types"), logger))
		logger.Info("lifecycle events: email", zap.Strings("to", to))
	}

	// ── Domain service ───────────────────────────────────────────────────────
	svc := service.New(domains, jobs, verifier, issuer, service.Config{
		AutoStart:   viper.GetBool("provisioning.auto_start"),
		JobTimeout:  viper.GetDuration("provisioning.job_timeout"),
		Workers:     viper.GetInt("provisioning.workers"),
		RatePerHour: viper.GetFloat64("provisioning.rate_per_hour"),
		RateBurst:   viper.GetInt("provisioning.rate_burst"),
	}, logger)
	svc.SetDependentSource(dependents)
	svc.SetLedger(auditLog)
	if len(publishers) > 0 {
		svc.SetPublisher(publishers)
	}
	if u := viper.GetString("provisioning.deployer_url"); u != "" {
		svc.SetDeployer(certs.NewHTTPDeployer(u, viper.GetString("provisioning.deployer_secret"), logger))
		logger.Info("certificate deployer configured", zap.String("url", u))
	}

	pollOpts := reconcile.Options{
		Interval: viper.GetDuration("poller.interval"),
		Cooldown: viper.GetDuration("poller.cooldown"),
	}
	var pollGuard inflight.Guard // nil = in-process guard
	if redisURL := viper.GetString("redis.url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis.url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(startCtx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		svc.SetGuard(inflight.NewRedisGuard(rdb, inflight.Options{
			TTL: viper.GetDuration("provisioning.job_timeout") + time.Minute,
		}, inflight.WithKeyPrefix("hostdomains:cert:")))
		pollGuard = inflight.NewRedisGuard(rdb, inflight.Options{
			TTL:      time.Minute,
			Cooldown: pollOpts.Cooldown,
		}, inflight.WithKeyPrefix("hostdomains:poll:"))
		pingers["redis"] = pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("in-flight guard: redis")
	}

	n, err := svc.RecoverStaleJobs(startCtx)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		logger.Warn("failed certificate jobs left running by a previous process", zap.Int("jobs", n))
	}

	poller := reconcile.New(reconcile.ServiceTarget{Service: svc}, pollGuard, pollOpts, logger)
	if err := poller.Sync(startCtx); err != nil {
		return fmt.Errorf("seed reconciliation poller: %w", err)
	}
	logger.Info("reconciliation poller seeded", zap.Int("processing", len(poller.Tracked())))

	sweeper := expiry.New(svc, publishers, expiry.Config{
		Interval:   viper.GetDuration("expiry.interval"),
		WarnBefore: viper.GetDuration("expiry.warn_before"),
	}, logger)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweeper.Run(sweepCtx)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	domainHandler := handler.NewDomainHandler(svc, tokens, logger)
	domainHandler.SetTracker(poller)
	ledgerHandler := handler.NewLedgerHandler(auditLog, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	rps := viper.GetFloat64("server.rate_limit_rps")
	router.Use(handler.RateLimiter(rps, int(rps*2)))
	router.Use(metrics.Middleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", handler.Health(pingers))
	router.GET("/metrics", metrics.Handler())
	router.GET("/.well-known/acme-challenge/:token", handler.ACMEChallenge(challenges))

	v1 := router.Group("/api/v1")
	domainHandler.Register(v1)
	ledgerHandler.Register(v1)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	port := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("domainsd HTTP listening", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down domainsd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	stopSweep()
	if err := poller.Close(ctx); err != nil {
		logger.Error("poller shutdown error", zap.Error(err))
	}
	// Unfinished jobs are failed as stale on the next start.
	if err := svc.Wait(ctx); err != nil {
		logger.Warn("certificate jobs still running at shutdown", zap.Error(err))
	}
	if webhooks != nil {
		webhooks.Wait()
	}

	logger.Info("domainsd stopped")
	return nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
