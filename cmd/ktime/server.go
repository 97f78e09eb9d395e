package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/goodtune/ktime/internal/activity"
	"github.com/goodtune/ktime/internal/admin"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/enforcement"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/notify"
	"github.com/goodtune/ktime/internal/persistence"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/bolt"
	"github.com/goodtune/ktime/internal/storage/redis"
	"github.com/goodtune/ktime/internal/systemd"
	"github.com/goodtune/ktime/internal/usage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ktime daemon",
	Long:  `Start the accounting engine, persistence, the admin API and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, rotator := setupLogger(cfg.Logging)
	if rotator != nil {
		defer rotator.Close()
	}
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting ktime")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()
	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	policies := policy.NewStore(cfg.Policy.Dir, logger)
	if err := policies.Load(); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	observer, err := session.NewLogind(session.LogindConfig{
		ControlledTypes: cfg.Sessions.ControlledTypes,
		ExcludedTypes:   cfg.Sessions.ExcludedTypes,
		ExcludedUsers:   cfg.Sessions.ExcludedUsers,
		FullCommandLine: cfg.PlayTime.EnhancedMonitor,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session observer: %w", err)
	}
	defer observer.Close()

	publishers := notify.Multi{notify.NewLog(logger)}
	if bus, err := notify.NewDBus(); err != nil {
		logger.Warn().Err(err).Msg("D-Bus notifications disabled")
	} else {
		defer bus.Close()
		publishers = append(publishers, bus)
	}

	var actuator enforcement.Actuator
	if cfg.Engine.DryRun {
		logger.Warn().Msg("Dry run: lockout actions are recorded, not performed")
		actuator = &enforcement.Recorder{}
	} else {
		la, err := enforcement.NewLogind(logger)
		if err != nil {
			return fmt.Errorf("failed to initialize lockout actuator: %w", err)
		}
		defer la.Close()
		actuator = la
	}

	matcher, err := activity.NewSet(cfg.PlayTime.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize activity matcher: %w", err)
	}

	engine, err := usage.New(engineConfig(cfg), usage.Deps{
		Policies:  policies,
		Observer:  observer,
		Publisher: publishers,
		Actuator:  actuator,
		Matcher:   matcher,
		Records:   store.Runtime(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize accounting engine: %w", err)
	}
	policies.OnChange(engine.PolicyChanged)

	manager := persistence.NewManager(
		store.Runtime(),
		engine,
		parseDuration(cfg.Persistence.SaveInterval, 30*time.Second),
		nil,
		logger,
	)
	engine.OnChange(func(string) { manager.Kick() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restored := manager.Restore(ctx, policies.Users())
	logger.Info().Int("users", restored).Msg("Runtime state restored")

	cleaner := persistence.NewCleaner(
		store.Runtime(),
		parseDuration(cfg.Persistence.Retention, 90*24*time.Hour),
		parseDuration(cfg.Persistence.CleanupInterval, 24*time.Hour),
		nil,
		logger,
	)
	cleaner.Start()

	if cfg.Policy.Watch {
		if err := policies.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("Policy hot reload disabled")
		}
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		metricsServer.SetReadiness(engine.Ready)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			ListenAddr:      fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port),
			Token:           cfg.Admin.Token,
			RateLimit:       cfg.Admin.RateLimit,
			RateLimitWindow: parseDuration(cfg.Admin.RateLimitWindow, time.Minute),
		}, admin.NewService(policies, engine, logger), logger)
		if sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error {
		systemd.RunWatchdog(gctx, logger)
		return nil
	})

	logger.Info().Int("users", len(policies.Users())).Msg("ktime startup complete")
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	if err := systemd.NotifyStatus(fmt.Sprintf("Tracking %d users", len(policies.Users()))); err != nil {
		logger.Debug().Err(err).Msg("Failed to send systemd status")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading policies...")
				if err := policies.Load(); err != nil {
					logger.Error().Err(err).Msg("Failed to reload policies")
				} else if err := systemd.NotifyStatus(fmt.Sprintf("Tracking %d users", len(policies.Users()))); err != nil {
					logger.Debug().Err(err).Msg("Failed to send systemd status")
				}
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break wait
		case <-gctx.Done():
			logger.Error().Msg("Background worker failed, stopping")
			break wait
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}
	cancel()
	runErr := g.Wait()
	cleaner.Stop()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("ktime stopped")
	return runErr
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func engineConfig(cfg *config.Config) usage.Config {
	d := usage.DefaultConfig()
	e := cfg.Engine
	return usage.Config{
		PollInterval:     parseDuration(e.PollInterval, d.PollInterval),
		Slack:            e.Slack,
		ObserverTimeout:  parseDuration(e.ObserverTimeout, d.ObserverTimeout),
		PublisherTimeout: parseDuration(e.PublisherTimeout, d.PublisherTimeout),
		ActuatorTimeout:  parseDuration(e.ActuatorTimeout, d.ActuatorTimeout),
		EvictionGrace:    parseDuration(e.EvictionGrace, d.EvictionGrace),
		NotifyHysteresis: parseDuration(e.NotifyHysteresis, d.NotifyHysteresis),
		PlayTimeEnabled:  cfg.PlayTime.Enabled,
		Enforcement: enforcement.Config{
			WarningThreshold:           parseDuration(e.FinalWarningThreshold, d.Enforcement.WarningThreshold),
			FinalNotificationThreshold: parseDuration(e.FinalNotificationThreshold, d.Enforcement.FinalNotificationThreshold),
			FinalCountdown:             parseDuration(e.FinalCountdown, d.Enforcement.FinalCountdown),
			DisallowedGrace:            parseDuration(e.DisallowedGrace, d.Enforcement.DisallowedGrace),
		},
	}
}

// setupLogger configures the logger based on configuration. The returned
// rotator is non-nil when logging to a file.
func setupLogger(cfg config.LoggingConfig) (zerolog.Logger, *lumberjack.Logger) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = rotator
	}

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: rotator != nil}).With().Timestamp().Logger(), rotator
	}
	return zerolog.New(out).With().Timestamp().Logger(), rotator
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
