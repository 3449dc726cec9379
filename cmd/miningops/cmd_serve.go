package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/beacon"
	"github.com/HerbHall/miningops/internal/config"
	"github.com/HerbHall/miningops/internal/event"
	"github.com/HerbHall/miningops/internal/metrics"
	"github.com/HerbHall/miningops/internal/mqtt"
	"github.com/HerbHall/miningops/internal/pulse"
	"github.com/HerbHall/miningops/internal/recon"
	"github.com/HerbHall/miningops/internal/registry"
	"github.com/HerbHall/miningops/internal/server"
	"github.com/HerbHall/miningops/internal/store"
	"github.com/HerbHall/miningops/internal/version"
	"github.com/HerbHall/miningops/pkg/plugin"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	debug := fs.Bool("debug", false, "enable development logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := newLogger(*debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("miningops starting", zap.String("version", version.Short()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.GetString("database.path"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus := event.NewBus(logger.Named("bus"))

	reg := registry.New(logger)
	for _, p := range []plugin.Plugin{beacon.New(), recon.New(), pulse.New()} {
		name := p.Info().Name
		if !cfg.GetBool("plugins." + name + ".enabled") {
			logger.Info("plugin disabled by config", zap.String("name", name))
			continue
		}
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("validate plugins: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config: cfg.Sub("plugins." + name),
			Logger: logger.Named(name),
			Bus:    bus,
			Store:  db,
		}
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	defer m.Subscribe(bus)()
	if err := wireFleetMetrics(m, reg); err != nil {
		return fmt.Errorf("register fleet metrics: %w", err)
	}

	if cfg.GetBool("mqtt.enabled") {
		mcfg := mqtt.DefaultConfig()
		if err := cfg.Sub("mqtt").Unmarshal(&mcfg); err != nil {
			return fmt.Errorf("unmarshal mqtt config: %w", err)
		}
		mcfg.Enabled = true
		if err := mcfg.Validate(); err != nil {
			return fmt.Errorf("mqtt config: %w", err)
		}
		sink, err := mqtt.Connect(mcfg, logger.Named("mqtt"))
		if err != nil {
			// The fleet is still monitored without the broker.
			logger.Error("mqtt sink unavailable", zap.Error(err))
		} else {
			unsubscribe := sink.Subscribe(bus)
			defer func() {
				unsubscribe()
				if err := sink.Close(); err != nil {
					logger.Warn("close mqtt sink", zap.Error(err))
				}
			}()
		}
	}

	if err := reg.StartAll(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.GetString("server.host"), cfg.GetString("server.port"))
	srv := server.New(addr, reg, m.Handler(), logger.Named("server"))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info("miningops ready", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("miningops stopped")
	return nil
}

// wireFleetMetrics exports the state of whichever coordinators are enabled.
func wireFleetMetrics(m *metrics.Metrics, reg *registry.Registry) error {
	if p, ok := reg.Get("beacon"); ok {
		b := p.(*beacon.Module)
		if err := m.AddFleet(b.Coordinator()); err != nil {
			return err
		}
		if err := m.AddDatagramStats(func() (uint64, uint64) {
			s := b.Stats()
			return s.Received, s.Dropped
		}); err != nil {
			return err
		}
	}
	if p, ok := reg.Get("pulse"); ok {
		if err := m.AddFleet(p.(*pulse.Module).Coordinator()); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug || os.Getenv("MININGOPS_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
