// Package housekeeping runs the periodic maintenance sweeps: deactivating
// tenants whose paid period expired (and stopping their bots) and pruning
// old message history.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"botfleet/internal/store"
	logx "botfleet/pkg/logx"
)

// Stopper shuts down one tenant's live connection. The registry implements it.
type Stopper interface {
	Stop(ctx context.Context, tenantID int64) error
}

// Config holds the sweep schedules. Specs use robfig/cron syntax (5-field or
// @every); an empty spec disables that job.
type Config struct {
	ExpirySweepSpec  string
	MessagePruneSpec string
	// MessageRetention bounds how long message history is kept. 0 disables pruning.
	MessageRetention time.Duration
}

type Service struct {
	st    store.Store
	fleet Stopper
	cfg   Config
	log   logx.Logger
	cron  *cron.Cron
}

func New(st store.Store, fleet Stopper, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		st:    st,
		fleet: fleet,
		cfg:   cfg,
		log:   log.With(logx.String("svc", "housekeeping")),
		cron:  cron.New(),
	}
}

// Start registers the configured jobs and launches the cron runner.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.ExpirySweepSpec != "" {
		_, err := s.cron.AddFunc(s.cfg.ExpirySweepSpec, func() {
			if err := s.SweepExpired(ctx); err != nil {
				s.log.Error("expiry sweep failed", logx.Err(err))
			}
		})
		if err != nil {
			return fmt.Errorf("expiry sweep spec %q: %w", s.cfg.ExpirySweepSpec, err)
		}
	}
	if s.cfg.MessagePruneSpec != "" && s.cfg.MessageRetention > 0 {
		_, err := s.cron.AddFunc(s.cfg.MessagePruneSpec, func() {
			if _, err := s.PruneMessages(ctx); err != nil {
				s.log.Error("message prune failed", logx.Err(err))
			}
		})
		if err != nil {
			return fmt.Errorf("message prune spec %q: %w", s.cfg.MessagePruneSpec, err)
		}
	}
	s.cron.Start()
	s.log.Info("housekeeping started",
		logx.String("expiry_sweep", s.cfg.ExpirySweepSpec),
		logx.String("message_prune", s.cfg.MessagePruneSpec))
	return nil
}

// Stop halts the cron runner and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepExpired deactivates every tenant past its expiry and stops its bot.
func (s *Service) SweepExpired(ctx context.Context) error {
	ids, err := s.st.DeactivateExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.fleet.Stop(ctx, id); err != nil {
			s.log.Warn("expired tenant stop failed", logx.Int64("tenant", id), logx.Err(err))
		}
	}
	if len(ids) > 0 {
		s.log.Info("expired tenants deactivated", logx.Int("count", len(ids)))
	}
	return nil
}

// PruneMessages deletes message history older than the retention window.
func (s *Service) PruneMessages(ctx context.Context) (int64, error) {
	if s.cfg.MessageRetention <= 0 {
		return 0, nil
	}
	n, err := s.st.PruneMessages(ctx, time.Now().Add(-s.cfg.MessageRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("messages pruned", logx.Int64("count", n))
	}
	return n, nil
}
