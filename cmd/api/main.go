package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"callpipeline/internal/artifacts"
	"callpipeline/internal/audit"
	"callpipeline/internal/auth"
	"callpipeline/internal/blobstore"
	"callpipeline/internal/callername"
	"callpipeline/internal/calls"
	"callpipeline/internal/config"
	"callpipeline/internal/correlate"
	"callpipeline/internal/credentials"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/event"
	"callpipeline/internal/httpapi"
	"callpipeline/internal/ingress"
	"callpipeline/internal/providera"
	"callpipeline/internal/providerb"
	"callpipeline/internal/reporting"
	"callpipeline/internal/reprocess"
	"callpipeline/internal/subscription"
	"callpipeline/pkg/logger"
	"callpipeline/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	awsCfg, err := blobstore.NewAWSConfig(rootCtx, cfg.AWS)
	if err != nil {
		log.Error("aws init failed", "err", err)
		os.Exit(1)
	}
	store := blobstore.NewStore(blobstore.NewS3Client(awsCfg, cfg.AWS), cfg.AWS.Region, cfg.AWS.SignedURLExpiry)
	issuer := blobstore.NewCredentialIssuer(blobstore.NewIAMClient(awsCfg, cfg.AWS), log)

	// Repositories.
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	rawEvents := event.NewPostgresRawEvents(db)
	callRepo := calls.NewPostgres(db)
	artifactRepo := artifacts.NewPostgresRepo(db)
	subRepo := subscription.NewPostgresRepo(db)
	credRepo := credentials.NewPostgresRepo(db)
	outbox := dispatch.NewPostgresOutbox(db)

	pub := dispatch.NewStreamPublisher(rdb, outbox, dispatch.Options{
		StreamPrefix: cfg.Pipeline.StreamPrefix,
	}, log)

	// Provider clients share the credential service as token source.
	credSvc := credentials.NewService(credRepo, auditSvc, credentials.Options{
		ProviderATokenURL: cfg.Pipeline.ProviderATokenURL,
		ProviderBTokenURL: cfg.Pipeline.ProviderBTokenURL,
		RefreshSkew:       cfg.Pipeline.TokenRefreshSkew,
	}, log)
	providerAClient := providera.NewClient(cfg.Pipeline.ProviderABaseURL, credSvc)
	providerBClient := providerb.NewClient(cfg.Pipeline.ProviderBBaseURL, credSvc)

	subManager := subscription.NewManager(subRepo, providerBClient, auditSvc, subscription.Options{
		PublicBaseURL:   cfg.Pipeline.PublicBaseURL,
		ChannelLifetime: cfg.Pipeline.ChannelLifetime,
	}, log)

	names := callername.NewService(
		callername.NewPostgresRepo(db),
		callername.NewRedisCache(rdb),
		callername.Options{
			APIBase:           cfg.Pipeline.CallerNameAPIBase,
			APIKey:            cfg.Pipeline.CallerNameAPIKey,
			TTL:               cfg.Pipeline.CallerNameTTL,
			BusinessAreaCodes: cfg.Pipeline.BusinessAreaCodes,
		}, log)

	fetcher := artifacts.NewFetcher(artifactRepo, store, providerAClient, pub, artifacts.Options{
		AudioBucket:     cfg.AWS.AudioBucket,
		RecordingBucket: cfg.RecordingBucket,
		Debounce:        cfg.Pipeline.ArtifactDebounce,
	}, log)
	trigger := artifacts.NewTrigger(fetcher, names, log)

	engine := correlate.NewEngine(callRepo, pub, auditSvc, cfg.Pipeline.VoicemailSentinel, log)
	engine.SetFinalizeNotifier(trigger)
	runner := correlate.NewRunner(engine, cfg.Pipeline.Shards, 0, log)
	runner.Start(rootCtx)

	reprocSvc := reprocess.NewService(callRepo, artifactRepo, outbox, pub, auditSvc,
		reprocess.NewRedisLimiter(rdb, 0),
		reprocess.Options{MaxCallsPerRequest: cfg.Pipeline.MaxReprocessCalls}, log)

	// Background sweeps: channel lifetime extension, outbox drain, and
	// IAM cleanup retries.
	go runSweeps(rootCtx, subManager, reprocSvc, issuer, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	webhooks := ingress.NewHandlers(subRepo, rawEvents, runner, log)
	operator := httpapi.Handlers{
		Auth:      authManager,
		Subs:      subManager,
		Reprocess: reprocSvc,
		Reports:   reporting.NewService(reporting.NewPostgresRepo(db)),
	}
	registerRoutes(r, webhooks, operator, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       cfg.Pipeline.WebhookTimeout,
		WriteTimeout:      cfg.Pipeline.WebhookTimeout + time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	runner.Stop()
	trigger.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// runSweeps drives the periodic maintenance loops until shutdown.
func runSweeps(ctx context.Context, subs *subscription.Manager, reproc *reprocess.Service, issuer *blobstore.CredentialIssuer, log *slog.Logger) {
	channelTicker := time.NewTicker(subs.SweepInterval())
	defer channelTicker.Stop()
	janitorTicker := time.NewTicker(time.Minute)
	defer janitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-channelTicker.C:
			extended, recreated, err := subs.Sweep(ctx)
			if err != nil {
				log.Error("channel sweep failed", "err", err)
			} else if extended+recreated > 0 {
				log.Info("channel sweep", "extended", extended, "recreated", recreated)
			}
		case <-janitorTicker.C:
			if n, err := reproc.DrainOutbox(ctx); err != nil {
				log.Error("outbox drain failed", "err", err)
			} else if n > 0 {
				log.Info("outbox drained", "delivered", n)
			}
			if n := issuer.Janitor(ctx); n > 0 {
				log.Info("iam cleanup retried", "remaining", n)
			}
		}
	}
}
