// Package campaign runs broadcast campaigns: a polling engine claims due
// campaigns from the store and a delivery executor fans each one out to the
// tenant's subscribers over the live bot connection.
package campaign

import (
	"context"
	"sync"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/store"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// ConnSource resolves a tenant's live bot connection. The registry implements it.
type ConnSource interface {
	Get(tenantID int64) (transport.Conn, bool)
}

// Config controls the engine's polling cadence and the executor's fan-out.
type Config struct {
	PollInterval time.Duration
	Workers      int
	QueueSize    int
	SendTimeout  time.Duration

	// RatePerSec caps sends per second during one campaign's fan-out.
	// 0 disables pacing; sends go out back-to-back.
	RatePerSec int
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

// Engine polls the store for due campaigns, claims them, and feeds the
// winners to a bounded worker pool. Claiming is an atomic store-side
// transition, so several engines sharing one database never double-send.
type Engine struct {
	st   store.Store
	exec *Executor
	cfg  Config
	log  logx.Logger

	queue    chan store.Campaign
	startMu  sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(st store.Store, conns ConnSource, bus eventbus.Bus, cfg Config, log logx.Logger) *Engine {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("svc", "campaign"))
	return &Engine{
		st:   st,
		exec: NewExecutor(st, conns, bus, cfg, log),
		cfg:  cfg,
		log:  log,
	}
}

// Executor returns the engine's delivery executor.
func (e *Engine) Executor() *Executor { return e.exec }

// Start launches the poll loop and the delivery workers.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}
	e.started = true
	e.queue = make(chan store.Campaign, e.cfg.QueueSize)
	e.stopCh = make(chan struct{})
	e.stopDone = make(chan struct{})

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.pollLoop(ctx)

	go func() {
		e.wg.Wait()
		close(e.stopDone)
	}()

	e.log.Info("engine started",
		logx.Duration("poll_interval", e.cfg.PollInterval),
		logx.Int("workers", e.cfg.Workers),
		logx.Int("rate_per_sec", e.cfg.RatePerSec))
	return nil
}

// Stop halts polling and waits for in-flight deliveries to finish or ctx to
// expire. Campaigns interrupted mid-send stay in "sending"; operators resolve
// those manually (delivery logs show how far the fan-out got).
func (e *Engine) Stop(ctx context.Context) error {
	e.startMu.Lock()
	if !e.started {
		e.startMu.Unlock()
		return nil
	}
	e.started = false
	close(e.stopCh)
	e.startMu.Unlock()

	select {
	case <-e.stopDone:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		e.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollOnce(ctx, time.Now())
		}
	}
}

// pollOnce claims every due campaign and enqueues the ones this engine won.
func (e *Engine) pollOnce(ctx context.Context, now time.Time) {
	due, err := e.st.DueCampaigns(ctx, now)
	if err != nil {
		e.log.Error("due campaign query failed", logx.Err(err))
		return
	}
	for _, c := range due {
		won, err := e.st.ClaimCampaign(ctx, c.ID)
		if err != nil {
			e.log.Error("claim failed", logx.Int64("campaign", c.ID), logx.Err(err))
			continue
		}
		if !won {
			// Another engine (or a previous tick's worker) got there first.
			continue
		}
		select {
		case e.queue <- c:
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	log := e.log.With(logx.Int("worker", n))
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case c := <-e.queue:
			log.Debug("running campaign", logx.Int64("campaign", c.ID), logx.Int64("tenant", c.TenantID))
			e.exec.Run(ctx, c)
		}
	}
}
