package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"massive/internal/chain"
	"massive/internal/config"
	cronrunner "massive/internal/cron"
	"massive/internal/epoch"
	"massive/internal/handler"
	"massive/internal/hydrator"
	"massive/internal/logger"
	"massive/internal/marketdata"
	"massive/internal/metrics"
	"massive/internal/model"
	"massive/internal/publish"
	"massive/internal/spot"
	"massive/internal/store"
)

func main() {
	cfgPath := os.Getenv("MASSIVE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if envOnlyRaw := os.Getenv("MASSIVE_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: cfg.Source.Timeout}
	source := marketdata.NewClient(httpClient, cfg.Source.BaseURL)

	registry := epoch.NewRegistry(
		epoch.HeatmapNormalizer{},
		epoch.BiasNormalizer{},
	)
	epochs := &epoch.Manager{
		Store:     st,
		Registry:  registry,
		Logger:    log,
		RecordTTL: cfg.Pipeline.RecordTTL,
		Grace:     cfg.Pipeline.EpochGrace,
	}

	pub := &publish.Publisher{Store: st, Logger: log}

	spotPoller := &spot.Poller{
		Source:      source,
		Store:       st,
		Logger:      log,
		Symbols:     cfg.Pipeline.Underlyings,
		TrailLength: cfg.Pipeline.TrailLength,
	}
	discovery := &chain.Discovery{
		Source:        source,
		Store:         st,
		Epochs:        epochs,
		Logger:        log,
		Underlyings:   cfg.Pipeline.Underlyings,
		DTEWindowDays: cfg.Pipeline.DTEWindowDays,
		SnapshotTTL:   2 * cfg.Pipeline.ChainInterval,
	}

	builders := &model.Runner{
		Builders: []model.Builder{
			&model.HeatmapBuilder{
				Epochs:        epochs,
				Pub:           pub,
				Logger:        log,
				MaxWidthSteps: cfg.Builders.Heatmap.MaxWidthSteps,
			},
			&model.GEXBuilder{Store: st, Pub: pub, Logger: log},
			&model.VolumeProfileBuilder{
				Store:    st,
				Pub:      pub,
				Logger:   log,
				BinSize:  cfg.Builders.Profile.BinSize,
				Lookback: cfg.Builders.Profile.Lookback,
			},
			&model.BiasBuilder{
				Epochs:         epochs,
				Pub:            pub,
				Logger:         log,
				GammaScale:     cfg.Builders.Bias.GammaScale,
				CompressionAbs: cfg.Builders.Bias.CompressionAbs,
				ExpansionAbs:   cfg.Builders.Bias.ExpansionAbs,
			},
		},
		Underlyings: cfg.Pipeline.Underlyings,
		Logger:      log,
	}
	selector := &model.TradeSelector{
		Store:         st,
		Pub:           pub,
		Logger:        log,
		MaxResults:    cfg.Builders.Selector.MaxResults,
		RewardRiskCap: cfg.Builders.Selector.RewardRiskCap,
	}

	hyd := &hydrator.Hydrator{
		Epochs:      epochs,
		Logger:      log,
		BatchWindow: cfg.Pipeline.TickBatchWindow,
		BatchMax:    cfg.Pipeline.TickBatchMax,
		QueueSize:   cfg.Pipeline.TickQueueSize,
	}
	stream := marketdata.NewTickStream(marketdata.TickStreamOptions{
		URL:         cfg.Source.StreamURL,
		Underlyings: cfg.Pipeline.Underlyings,
		Logger:      log,
	})

	runner := cronrunner.New(log, ctx)
	if _, err := runner.Add(cronrunner.Every(cfg.Pipeline.SpotInterval), spotPoller.PollOnce); err != nil {
		log.Warn("cron register spot poller failed", zap.Error(err))
	}
	if _, err := runner.Add(cronrunner.Every(cfg.Pipeline.ChainInterval), discovery.PollOnce); err != nil {
		log.Warn("cron register chain discovery failed", zap.Error(err))
	}
	if _, err := runner.Add(cronrunner.Every(cfg.Builders.Interval), builders.RunOnce); err != nil {
		log.Warn("cron register model builders failed", zap.Error(err))
	}
	runner.Start()
	defer runner.Stop()

	go func() {
		if err := hyd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("hydrator stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := stream.Run(ctx, hyd.Enqueue); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("tick stream stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := selector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("trade selector stopped", zap.Error(err))
		}
	}()

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{Store: st, Spot: spotPoller, Chain: discovery}
	healthHandler.Register(engine)
	modelHandler := &handler.ModelHandler{Store: st, Freshness: cfg.Builders.Freshness}
	modelHandler.Register(engine)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		st := store.NewRedisStore(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := st.Ping(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}
