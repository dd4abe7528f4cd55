package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/initforge/u.i-conhon-sub001/internal/api"
	"github.com/initforge/u.i-conhon-sub001/internal/backend"
	"github.com/initforge/u.i-conhon-sub001/internal/capacity"
	"github.com/initforge/u.i-conhon-sub001/internal/cart"
	"github.com/initforge/u.i-conhon-sub001/internal/config"
	"github.com/initforge/u.i-conhon-sub001/internal/engine"
	"github.com/initforge/u.i-conhon-sub001/internal/gate"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/pools"
	"github.com/initforge/u.i-conhon-sub001/internal/realtime"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

func main() {
	// Initialize logger
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load(os.Getenv("CONHON_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		logger = logger.Level(level)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid timezone")
	}

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.BackendTimeout(), logger)
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		client.UseRedisCache(rdb, cfg.CacheTTL())
	} else {
		client.UseLocalCache(cfg.CacheTTL())
	}
	if cfg.Backend.RatePerSec > 0 {
		client.UseRateLimit(rate.Limit(cfg.Backend.RatePerSec), cfg.Backend.Burst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed the mirrors; the push channel keeps them current afterwards and
	// every reconnect resyncs.
	seedCtx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout())
	initialSwitches, err := client.GetSwitches(seedCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("initial switch fetch failed, starting closed")
	}
	initialConfigs, err := client.GetPoolConfigs(seedCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("initial pool config fetch failed")
	}
	cancel()

	switchStore := switches.NewStore(initialSwitches, logger)
	switchAdmin := switches.NewAdmin(switchStore, client, logger)
	poolStore := pools.NewStore(pools.DefaultCatalog(), client, initialConfigs, logger)

	clock := clockwork.NewRealClock()
	poller := capacity.NewPoller(client, cfg.CapacityPollInterval(), clock, logger)
	g := gate.New(switchStore, poolStore, poller, logger)
	c := cart.New(cfg.AmountRules(), g, client, client, logger)

	wsCfg := realtime.DefaultWebSocketConfig(cfg.Push.URL)
	wsCfg.APIKey = cfg.Backend.APIKey
	channel := realtime.NewChannel(realtime.NewWebSocketDialer(wsCfg), realtime.Config{
		ReconnectWait:          cfg.ReconnectWait(),
		MaxReconnectWait:       cfg.MaxReconnectWait(),
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures(),
		Jitter:                 250 * time.Millisecond,
	}, clock, logger)
	defer channel.Close()

	eng := engine.New(engine.Deps{
		Switches: switchStore,
		Pools:    poolStore,
		Gate:     g,
		Cart:     c,
		Poller:   poller,
		Syncer:   client,
		Push:     channel,
	}, engine.Options{
		StatusInterval:    cfg.StatusInterval(),
		CountdownInterval: cfg.CountdownInterval(),
		Location:          loc,
		Clock:             clock,
	}, logger)
	defer eng.Close()

	eng.OnForceLogout(func(reason string) {
		logger.Warn().Str("reason", reason).Msg("session ended by operator")
	})
	eng.OnStatus(func(poolID string, st schedule.Status) {
		logger.Debug().Str("pool", poolID).Bool("open", st.IsOpen).Int("slot", st.SlotIndex).Msg("window status")
	})

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, client, rdb, channel, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	if cfg.API.Enabled {
		if cfg.API.Port == 0 {
			cfg.API.Port = 8080
		}
		srv := api.NewHTTPServer(eng, poolStore, switchAdmin, api.Options{
			APIKey:     cfg.API.APIKey,
			RatePerSec: cfg.API.RatePerSec,
			Burst:      cfg.API.Burst,
			Clock:      clock,
		}, logger)
		go func() {
			if err := srv.Start(ctx, cfg.API.Port); err != nil {
				logger.Error().Err(err).Msg("api server error")
			}
		}()
	}

	go func() {
		if err := channel.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("push channel stopped")
		}
	}()

	logger.Info().Str("backend", cfg.Backend.BaseURL).Str("timezone", loc.String()).Msg("conhon agent started")
	if err := eng.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("engine stopped")
	}
}

func startHealthServer(ctx context.Context, port int, client *backend.Client, rdb *redis.Client, channel *realtime.Channel, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := client.HealthCheck(ctxPing); err != nil {
			http.Error(w, "backend not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if !channel.Stats().Connected {
			http.Error(w, "push channel not connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
