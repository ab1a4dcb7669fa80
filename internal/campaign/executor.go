package campaign

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"botfleet/internal/eventbus"
	"botfleet/internal/store"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// Executor delivers one claimed campaign to every subscriber of its tenant.
//
// Delivery is at-least-once with no per-recipient retry: each attempt leaves
// an append-only delivery log row, and a campaign ends `sent` only when every
// recipient succeeded. A tenant without a live connection fails fast with
// zero deliveries.
type Executor struct {
	st    store.Store
	conns ConnSource
	bus   eventbus.Bus
	cfg   Config
	log   logx.Logger
}

func NewExecutor(st store.Store, conns ConnSource, bus eventbus.Bus, cfg Config, log logx.Logger) *Executor {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Executor{st: st, conns: conns, bus: bus, cfg: cfg, log: log}
}

// Run executes one campaign the caller has already claimed (status "sending").
// It sets the terminal status exactly once; if ctx is canceled mid-fan-out the
// campaign is left in "sending" for manual resolution.
func (x *Executor) Run(ctx context.Context, c store.Campaign) {
	runID := uuid.NewString()
	log := x.log.With(
		logx.Int64("campaign", c.ID),
		logx.Int64("tenant", c.TenantID),
		logx.String("run", runID),
	)

	x.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignClaimed,
		Data: eventbus.CampaignEvent{CampaignID: c.ID, TenantID: c.TenantID, RunID: runID, Status: string(store.CampaignSending)},
	})

	conn, ok := x.conns.Get(c.TenantID)
	if !ok {
		log.Warn("tenant has no live connection, campaign failed")
		x.finish(ctx, c, runID, 0, 0, store.CampaignFailed, log)
		return
	}

	subs, err := x.st.SubscribersForTenant(ctx, c.TenantID)
	if err != nil {
		log.Error("audience query failed", logx.Err(err))
		x.finish(ctx, c, runID, 0, 0, store.CampaignFailed, log)
		return
	}

	var limiter *rate.Limiter
	if x.cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(x.cfg.RatePerSec), 1)
	}

	sent, failed := 0, 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			log.Warn("fan-out interrupted", logx.Int("sent", sent), logx.Int("failed", failed))
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				log.Warn("fan-out interrupted", logx.Int("sent", sent), logx.Int("failed", failed))
				return
			}
		}

		if err := x.deliver(ctx, conn, c, sub.ID); err != nil {
			failed++
			x.logDelivery(ctx, c, runID, sub.ID, store.DeliveryFailed, err.Error(), log)
			log.Debug("delivery failed", logx.Int64("subscriber", sub.ID), logx.Err(err))
			continue
		}
		sent++
		x.logDelivery(ctx, c, runID, sub.ID, store.DeliverySuccess, "", log)
	}

	status := store.CampaignSent
	if failed > 0 {
		status = store.CampaignFailed
	}
	x.finish(ctx, c, runID, sent, failed, status, log)
}

func (x *Executor) deliver(ctx context.Context, conn transport.Conn, c store.Campaign, subscriberID int64) error {
	sendCtx, cancel := context.WithTimeout(ctx, x.cfg.SendTimeout)
	defer cancel()

	if c.AttachmentRef != "" {
		return conn.SendAttachment(sendCtx, subscriberID, c.AttachmentRef, c.Text)
	}
	return conn.SendText(sendCtx, subscriberID, c.Text)
}

// logDelivery records one recipient outcome. A failing log write never aborts
// the fan-out; the send already happened.
func (x *Executor) logDelivery(ctx context.Context, c store.Campaign, runID string, recipientID int64, status store.DeliveryStatus, detail string, log logx.Logger) {
	err := x.st.LogDelivery(ctx, store.DeliveryLog{
		CampaignID:  c.ID,
		TenantID:    c.TenantID,
		RecipientID: recipientID,
		RunID:       runID,
		Status:      status,
		Error:       detail,
	})
	if err != nil {
		log.Error("delivery log write failed", logx.Int64("subscriber", recipientID), logx.Err(err))
	}
}

func (x *Executor) finish(ctx context.Context, c store.Campaign, runID string, sent, failed int, status store.CampaignStatus, log logx.Logger) {
	if err := x.st.SetCampaignStatus(ctx, c.ID, status); err != nil {
		log.Error("status update failed", logx.Any("status", status), logx.Err(err))
	}
	log.Info("campaign finished",
		logx.Any("status", status),
		logx.Int("sent", sent),
		logx.Int("failed", failed))
	x.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignFinished,
		Data: eventbus.CampaignEvent{
			CampaignID: c.ID,
			TenantID:   c.TenantID,
			RunID:      runID,
			Status:     string(status),
			Sent:       sent,
			Failed:     failed,
		},
	})
}
