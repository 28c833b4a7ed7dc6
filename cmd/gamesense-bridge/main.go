package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/bridge"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/config"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/gamesense"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/health"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/mapping"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/prefs"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/server"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/tracing"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	mappingFile = flag.String("mapping", "", "Path to the event mapping file (overrides the config)")
	prefsFile   = flag.String("prefs", prefs.DefaultPath(), "Path to the user preferences file")
	playerName  = flag.String("player", "", "Player name used for kill/death attribution")
	showEvents  = flag.Bool("events", false, "Log every classified event and the sink identifiers it fired")
	version     = "0.3.0"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Initialize logger
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	// Preferences override the config file
	p, err := prefs.Load(*prefsFile)
	if err != nil {
		logger.Warn().Err(err).Str("path", *prefsFile).Msg("Ignoring unreadable preferences")
	}
	p.Apply(cfg)
	if *playerName != "" {
		cfg.Player.Name = *playerName
	}
	if *mappingFile != "" {
		cfg.Mapping.Path = config.ExpandHome(*mappingFile)
	}

	logger.Info().
		Str("version", version).
		Str("player", cfg.PlayerName()).
		Str("sink", cfg.Sink.Address).
		Msg("Starting gamesense bridge")

	collector := metrics.NewCollector()
	collector.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Steps are registered below in the order they must run
	mgr := shutdown.New(shutdown.Config{Logger: logger})
	defer mgr.HandlePanic()

	// Initialize tracing
	tracingCfg := tracing.Config{}
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:    cfg.Tracing.Enabled,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		}
	}
	tp, err := tracing.NewProvider(ctx, tracingCfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Tracing disabled")
		tp, _ = tracing.NewProvider(ctx, tracing.Config{}, logger)
	}

	client, err := gamesense.New(gamesense.Options{
		Endpoint: gamesense.Endpoint{
			BaseAddress: cfg.Sink.Address,
			Game:        cfg.Sink.Game,
			DisplayName: cfg.Sink.DisplayName,
			Developer:   cfg.Sink.Developer,
		},
		DeliverTimeout: cfg.Sink.DeliverTimeout,
		ProbeTimeout:   cfg.Sink.ProbeTimeout,
		Breaker:        newBreaker(cfg, collector, logger),
		Logger:         logger,
		Metrics:        collector,
		Tracer:         tp.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create sink client: %w", err)
	}

	m, err := mapping.LoadOrDefault(cfg.Mapping.Path)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Mapping.Path).Msg("Failed to load mapping, using defaults")
		m = mapping.Default()
	}
	logger.Info().
		Str("path", cfg.Mapping.Path).
		Int("entries", m.Len()).
		Int("assigned", len(m.Assigned())).
		Msg("Event mapping loaded")

	// Create checkpoint manager
	var ckptMgr *checkpoint.Manager
	if cfg.Checkpoint != nil && cfg.Checkpoint.Enabled {
		ckptMgr, err = checkpoint.NewManager(cfg.Checkpoint.Path, cfg.Checkpoint.Interval, logger)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint manager: %w", err)
		}
		if err := ckptMgr.Load(); err != nil {
			logger.Warn().Err(err).Msg("Failed to load checkpoints, starting fresh")
		}
		ckptMgr.Start()
	}

	healthTimeout := 5 * time.Second
	if cfg.Health != nil && cfg.Health.Timeout > 0 {
		healthTimeout = cfg.Health.Timeout
	}
	checker := health.NewChecker(healthTimeout, collector)

	b, err := bridge.New(bridge.Options{
		Config:     cfg,
		Client:     client,
		Mapping:    m,
		Checkpoint: ckptMgr,
		Health:     checker,
		Logger:     logger,
		Metrics:    collector,
		Tracer:     tp.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	srv := newServer(cfg, collector, checker, logger)
	if srv != nil {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start metrics/health server")
			srv = nil
		}
	}

	go func() {
		defer mgr.HandlePanic()
		b.RunStatusPoller(ctx)
	}()

	src := bridge.SourceFromConfig(cfg.Source)
	if err := b.Start(ctx, src); err != nil {
		logger.Error().Err(err).Str("source", src.String()).Msg("Failed to start session")
	}

	if *showEvents {
		go func() {
			defer mgr.HandlePanic()
			logEvents(mgr.ShutdownChannel(), b, logger)
		}()
	}

	mgr.RegisterFunc("bridge", func(context.Context) error {
		b.Stop()
		return nil
	})
	mgr.RegisterFunc("poller", func(context.Context) error {
		cancel()
		return nil
	})
	if ckptMgr != nil {
		mgr.RegisterFunc("checkpoint", func(context.Context) error {
			ckptMgr.Stop()
			return nil
		})
	}
	if srv != nil {
		mgr.RegisterFunc("server", srv.Stop)
	}
	mgr.RegisterFunc("tracing", tp.Shutdown)
	mgr.RegisterFunc("metrics", func(context.Context) error {
		collector.Stop()
		return nil
	})

	mgr.WaitForSignal()

	if n := mgr.Errors(); n > 0 {
		logger.Warn().Int("errors", n).Msg("Stopped with shutdown errors")
	}
	return nil
}

// newBreaker builds the delivery breaker from the optional config section
func newBreaker(cfg *config.Config, collector *metrics.Collector, logger *logging.Logger) *reliability.CircuitBreaker {
	var threshold uint32
	var cooldown time.Duration
	if cb := cfg.Sink.CircuitBreaker; cb != nil {
		threshold = cb.FailureThreshold
		cooldown = cb.Timeout
	}

	log := logger.WithComponent("breaker")
	return reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		Name:      "gamesense",
		Threshold: threshold,
		Cooldown:  cooldown,
		Trips:     gamesense.Unreachable,
		Metrics:   collector,
		OnStateChange: func(name string, from, to reliability.State) {
			log.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// newServer returns nil when neither metrics nor health is enabled
func newServer(cfg *config.Config, collector *metrics.Collector, checker *health.Checker, logger *logging.Logger) *server.Server {
	serverCfg := server.Config{Logger: logger}
	enabled := false

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		serverCfg.MetricsAddress = cfg.Metrics.Address
		serverCfg.MetricsPath = cfg.Metrics.Path
		serverCfg.MetricsRegistry = collector.Registry()
		enabled = true
	}
	if cfg.Health != nil && cfg.Health.Enabled {
		serverCfg.HealthAddress = cfg.Health.Address
		serverCfg.LivenessPath = cfg.Health.LivenessPath
		serverCfg.ReadinessPath = cfg.Health.ReadinessPath
		serverCfg.HealthChecker = checker
		enabled = true
	}

	if !enabled {
		return nil
	}
	return server.New(serverCfg)
}

// logEvents prints deliveries until shutdown begins
func logEvents(stop <-chan struct{}, b *bridge.Bridge, logger *logging.Logger) {
	log := logger.WithComponent("events")
	for {
		select {
		case <-stop:
			return
		case d := <-b.Events():
			ev := log.Info().
				Uint64("session", d.Session).
				Str("kind", string(d.Event.Kind)).
				Strs("sinks", d.SinkIDs)
			if d.Event.Value != nil {
				ev = ev.Int("value", *d.Event.Value)
			}
			ev.Msg(d.Event.Line)
		}
	}
}
