package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/HMasataka/tether/internal/config"
	"github.com/HMasataka/tether/internal/eventbus"
	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/internal/metrics"
	"github.com/HMasataka/tether/internal/store"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/manager"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/resilience"
	"github.com/HMasataka/tether/pkg/router"
	"github.com/HMasataka/tether/pkg/scaling"
	"github.com/HMasataka/tether/pkg/transport/websocket"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML or JSON config file")
		env        = flag.String("env", "", "environment (development, staging, production, testing)")
	)
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath, Environment: *env})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(1024, logger.Component("eventbus").Logger)
	bus.Start(ctx)
	defer bus.Stop()
	bus.Subscribe(eventbus.EventCircuitStateChanged, func(e *eventbus.Event) {
		logger.Warn("circuit state changed", "data", e.Data)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	m := newManager(cfg, logger, bus, recorder)

	if cfg.Scaling.Enabled {
		redisStore := startScaling(ctx, cfg, logger, m, recorder)
		defer redisStore.Close()
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	wsServer := websocket.NewServer(m,
		websocket.WithLogger(logger),
		websocket.WithEventBus(bus),
		websocket.WithCheckOrigin(checkOrigin(cfg.Server.AllowedOrigins)),
		websocket.WithClientOptions(cfg.Transport),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(m, wsServer, reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// manager first so clients get their close frames over live connections
		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("manager shutdown failed", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newManager(cfg *config.Config, logger *logging.Logger, bus eventbus.Bus, recorder *metrics.Collectors) *manager.Manager {
	var m *manager.Manager
	inbound := router.New(func(ctx context.Context, connID string, msg any) error {
		return m.SendToConnection(ctx, connID, msg)
	}, logger.Component("router").Logger)
	registerHandlers(inbound)

	opts := []manager.Option{
		manager.WithInboundHandler(inbound.Handle),
		manager.WithLogger(logger.Component("manager").Logger),
		manager.WithEventBus(bus),
		manager.WithRecorder(recorder),
		manager.WithErrorHandler(errors.NewDefaultHandler(logger.Logger)),
		manager.WithMonitor(heartbeat.New(cfg.HeartbeatConfig(),
			heartbeat.WithLogger(logger.Component("heartbeat").Logger))),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, manager.WithRateLimiter(ratelimit.New(cfg.RateLimit.Config,
			ratelimit.WithLogger(logger.Component("ratelimit").Logger))))
	}
	if cfg.Throttle.Enabled {
		opts = append(opts, manager.WithThrottleQueue(ratelimit.NewQueue(cfg.Throttle.QueueConfig,
			ratelimit.WithQueueLogger(logger.Component("throttle").Logger))))
	}
	m = manager.New(cfg.Manager, opts...)
	return m
}

// startScaling wires the Redis coordinator. A coordinator that fails to
// initialize is left out and the manager runs single-instance.
func startScaling(ctx context.Context, cfg *config.Config, logger *logging.Logger, m *manager.Manager, recorder *metrics.Collectors) *store.Redis {
	redisStore := store.NewRedis(cfg.Scaling.Redis)

	breaker := cfg.Scaling.RelayBreaker
	breaker.Name = "relay"
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		recorder.CircuitStateChanged(to.String())
		logger.Warn("relay circuit state changed", "from", from.String(), "to", to.String())
	}

	coord := scaling.New(redisStore, m.Local(), cfg.Scaling.Config,
		scaling.WithLogger(logger.Component("scaling").Logger),
		scaling.WithGuard(resilience.NewCircuitBreaker(breaker)),
	)
	if !coord.Initialize(ctx) {
		logger.Warn("scaling coordinator unavailable, running single-instance",
			"redis_addr", cfg.Scaling.Redis.Addr)
		return redisStore
	}

	m.SetCoordinator(coord)
	logger.Info("scaling coordinator active", "instance_id", coord.InstanceID())
	return redisStore
}
