package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/MeowExort/pw-hub-relics/internal/action"
	"github.com/MeowExort/pw-hub-relics/internal/captcha"
	"github.com/MeowExort/pw-hub-relics/internal/config"
	"github.com/MeowExort/pw-hub-relics/internal/controlplane"
	"github.com/MeowExort/pw-hub-relics/internal/gateway"
	"github.com/MeowExort/pw-hub-relics/internal/listener"
	"github.com/MeowExort/pw-hub-relics/internal/observability"
	"github.com/MeowExort/pw-hub-relics/internal/pow"
	"github.com/MeowExort/pw-hub-relics/internal/ratelimit"
	"github.com/MeowExort/pw-hub-relics/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("GATEWAY_CONFIG"), "Path to config file (yaml)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Infow("starting relics gateway",
		"http_addr", cfg.Server.HTTPAddr, "admin_addr", cfg.Server.AdminAddr,
		"upstreams", len(cfg.Upstream.Targets), "pow_difficulty", cfg.Pow.Difficulty)

	metrics := observability.NewMetrics()

	limiter := ratelimit.New(ratelimit.LimitsFromConfig(cfg.RateLimit), logger)
	limiter.SetMetrics(metrics)

	challenges := pow.NewStore(cfg.Pow.Difficulty, time.Duration(cfg.Pow.TTLMs)*time.Millisecond, logger)
	challenges.SetMetrics(metrics)

	verifier := captcha.NewVerifier(cfg.Security.HCaptchaSecret, cfg.Security.HCaptchaURL, logger)
	actions := action.NewTable(cfg.Security.BuildSalt)

	upstreamMgr, err := upstream.NewManager(cfg.Upstream, logger)
	if err != nil {
		logger.Fatalw("failed to init upstream manager", "err", err)
	}

	svc := gateway.New(cfg, limiter, challenges, verifier, actions, upstreamMgr, metrics, logger)

	// Optional decision-stats sink. A dead Redis must not block startup.
	if cfg.Stats.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.RedisAddr,
			Password: cfg.Stats.RedisPassword,
			DB:       cfg.Stats.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warnw("stats redis unreachable, sink disabled", "addr", cfg.Stats.RedisAddr, "err", err)
		} else {
			svc.SetStats(ratelimit.NewRedisStatsStore(rdb,
				ratelimit.WithStatsPrefix(cfg.Stats.Prefix),
				ratelimit.WithStatsTTL(cfg.Stats.TTLDuration())))
			logger.Infow("stats sink enabled", "addr", cfg.Stats.RedisAddr)
		}
	}

	svc.Start()
	defer svc.Stop()

	dataSrv := listener.NewServer(cfg.Server.HTTPAddr, svc.Handler(), logger)

	adminMux := http.NewServeMux()
	controlplane.RegisterAdminHandlers(adminMux, metrics, cfg, challenges, logger)
	adminSrv := listener.NewServer(cfg.Server.AdminAddr, adminMux, logger)

	go func() {
		if err := adminSrv.Start(); err != nil {
			logger.Fatalw("admin server error", "err", err)
		}
	}()

	go func() {
		if err := dataSrv.Start(); err != nil {
			logger.Fatalw("data server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = dataSrv.Shutdown(ctx)
	_ = adminSrv.Shutdown(ctx)
}
