// Package app wires the process together: config, logging, store, bot
// registry, campaign engine, housekeeping and the admin console, with
// lifecycle in dependency order and systemd readiness notifications.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"botfleet/internal/admin"
	"botfleet/internal/campaign"
	"botfleet/internal/config"
	"botfleet/internal/eventbus"
	"botfleet/internal/housekeeping"
	"botfleet/internal/registry"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/store"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st  store.Store
	bus eventbus.Bus
	reg *registry.Registry

	// engMu guards eng, which is swapped on config reload.
	engMu   sync.Mutex
	eng     *campaign.Engine
	hk      *housekeeping.Service
	console *admin.Console

	sup *supervisor.Supervisor
}

// New loads and validates the config file and builds every component.
// Nothing is started yet.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, a.log.With(logx.String("svc", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st
	a.bus = eventbus.New()

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	a.reg = registry.New(st, telegram.Dial, a.bus, registry.Options{
		PollTimeout:  pollTimeout,
		UpdateBuffer: cfg.Telegram.UpdateBuffer,
	}, a.log)

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	a.eng = campaign.NewEngine(st, a.reg, a.bus, engCfg, a.log)

	a.hk = housekeeping.New(st, a.reg, housekeeping.Config{
		ExpirySweepSpec:  cfg.Housekeeping.ExpirySweepSpec,
		MessagePruneSpec: cfg.Housekeeping.MessagePruneSpec,
		MessageRetention: time.Duration(cfg.Housekeeping.MessageRetentionDays) * 24 * time.Hour,
	}, a.log)

	a.console = admin.NewConsole(st, a.reg, a.log)
	return nil
}

func engineConfig(cfg *config.Config) (campaign.Config, error) {
	pollInterval, err := config.ParseDurationOrDefault("engine.poll_interval", cfg.Engine.PollInterval, 5*time.Second)
	if err != nil {
		return campaign.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("engine.send_timeout", cfg.Engine.SendTimeout, 30*time.Second)
	if err != nil {
		return campaign.Config{}, err
	}
	return campaign.Config{
		PollInterval: pollInterval,
		Workers:      cfg.Engine.Workers,
		QueueSize:    cfg.Engine.QueueSize,
		SendTimeout:  sendTimeout,
		RatePerSec:   cfg.Engine.RatePerSec,
	}, nil
}

// Console exposes the admin operations to whatever surface the binary mounts
// on top (CLI, HTTP, an owner bot).
func (a *App) Console() *admin.Console { return a.console }

// Store exposes the tenant store, mainly for provisioning tooling.
func (a *App) Store() store.Store { return a.st }

// Start brings the fleet up: tenant bots first, then the campaign engine and
// housekeeping, then the config watcher. Notifies systemd when ready.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}
	if err := a.eng.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := a.hk.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}

	a.sup.Go0("config.watch", func(ctx context.Context) {
		_ = a.cfgMgr.Watch(ctx)
	})
	updates := a.cfgMgr.Subscribe(1)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(ctx, cfg)
			}
		}
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: ready")
	}
	a.log.Info("botfleet started")
	return nil
}

// applyConfig reapplies the reloadable knobs after a validated config reload:
// the log level/sinks immediately, the engine by a stop/start swap.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	engCfg, err := engineConfig(cfg)
	if err != nil {
		// Validate() runs before publish, so this should not happen.
		a.log.Warn("reloaded engine config rejected", logx.Err(err))
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	a.engMu.Lock()
	defer a.engMu.Unlock()
	if err := a.eng.Stop(stopCtx); err != nil {
		a.log.Error("engine restart: stop failed", logx.Err(err))
		return
	}
	a.eng = campaign.NewEngine(a.st, a.reg, a.bus, engCfg, a.log)
	if err := a.eng.Start(a.sup.Context()); err != nil {
		a.log.Error("engine restart failed", logx.Err(err))
		return
	}
	a.log.Info("config reapplied",
		logx.Duration("poll_interval", engCfg.PollInterval),
		logx.Int("rate_per_sec", engCfg.RatePerSec))
}

// Stop shuts everything down in reverse order, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err == nil && sent {
		a.log.Debug("sd_notify: stopping")
	}

	if a.hk != nil {
		if err := a.hk.Stop(ctx); err != nil {
			a.log.Warn("housekeeping stop", logx.Err(err))
		}
	}
	a.engMu.Lock()
	eng := a.eng
	a.engMu.Unlock()
	if eng != nil {
		if err := eng.Stop(ctx); err != nil {
			a.log.Warn("engine stop", logx.Err(err))
		}
	}
	if a.reg != nil {
		a.reg.StopAll(ctx)
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	var firstErr error
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			firstErr = err
		}
	}
	a.log.Info("botfleet stopped")
	_ = a.logSvc.Close()
	return firstErr
}
