package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	appcfg "github.com/hasnat0006/TLE/internal/config"
	"github.com/hasnat0006/TLE/internal/cache"
	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/duel"
	"github.com/hasnat0006/TLE/internal/handles"
	"github.com/hasnat0006/TLE/internal/obslog"
	"github.com/hasnat0006/TLE/internal/rating"
	"github.com/hasnat0006/TLE/internal/selector"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	client := cfapi.NewClient(cfg.CFAPIBaseURL, cfapi.WithTimeout(10*time.Second))

	registry := cache.NewRegistry(client, cache.TTLs{
		Contests:    cfg.ContestsTTL,
		Problems:    cfg.ProblemsTTL,
		UserRatings: cfg.UserRatingsTTL,
	})

	store, err := rating.NewRedisStore(cfg.RedisURL, cfg.RatingBaseline)
	if err != nil {
		log.Fatalf("rating store init error: %v", err)
	}
	defer store.Close()

	handleReg := handles.NewRegistry(store.Client(), registry, cfg.AllowSelfRegister)

	var engineOpts []duel.EngineOption
	if cfg.DatabaseURL != "" {
		repo, err := duel.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("duel history init error: %v", err)
		}
		defer repo.Close()
		engineOpts = append(engineOpts, duel.WithRepository(repo))
	} else {
		logger.Info("duel history disabled, DATABASE_URL not set")
	}

	engine := duel.NewEngine(duel.Config{
		ChallengeTimeout: cfg.ChallengeTimeout,
		Duration:         cfg.DuelDuration,
		KFactor:          cfg.KFactor,
		ExpireAsDraw:     cfg.ExpireAsDraw,
		AllowSelfDuel:    cfg.AllowSelfRegister,
		VerifyMaxRetries: cfg.VerifyMaxRetries,
	}, registry, client, selector.NewSystem(), store, engineOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	registry.Warm(warmCtx)
	cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	// Periodic tracked-handle refresh, the only background task the core
	// runs on its own clock.
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if failed, err := handleReg.RefreshAll(ctx); err != nil {
					logger.Error("handle refresh failed", zap.Error(err))
				} else if len(failed) > 0 {
					logger.Warn("handle refresh incomplete", zap.Int("failed", len(failed)))
				}
			}
		}
	}()

	srv := &fasthttp.Server{
		Handler:      (&api{cfg: cfg, engine: engine, handles: handleReg}).route,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Fatal("command server failed", zap.Error(err))
		}
	}()

	logger.Info("duel bot core ready",
		zap.String("addr", cfg.ListenAddr),
		zap.String("cf_api", cfg.CFAPIBaseURL),
		zap.Bool("self_register", cfg.AllowSelfRegister),
	)
	<-ctx.Done()
	logger.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
}
