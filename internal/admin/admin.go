// Package admin is the operator-facing facade: campaign creation, broadcast
// stats, subscriber browsing, direct messaging and tenant maintenance. It is
// plain Go API; serving it over HTTP or a bot UI is a caller concern.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/store"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// ErrOffline is returned when an operation needs a live bot connection and
// the tenant has none.
var ErrOffline = errors.New("tenant bot is offline")

// ErrEmptyCampaign rejects campaigns with neither text nor attachment.
var ErrEmptyCampaign = errors.New("campaign has no content")

// Fleet is the slice of the bot registry the console needs.
type Fleet interface {
	Get(tenantID int64) (transport.Conn, bool)
	Reload(ctx context.Context, tenantID int64) error
}

// BroadcastStats summarizes delivery outcomes for one tenant.
type BroadcastStats struct {
	Success int
	Failed  int
}

// TenantSummary is one dashboard row.
type TenantSummary struct {
	TenantID    int64
	BotUsername string
	Active      bool
	Subscribers int
	Online      bool
}

// Console exposes the admin operations over the store and the live fleet.
type Console struct {
	st    store.Store
	fleet Fleet
	log   logx.Logger
}

func NewConsole(st store.Store, fleet Fleet, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{st: st, fleet: fleet, log: log.With(logx.String("svc", "admin"))}
}

// CreateCampaign schedules a broadcast for the tenant. A zero scheduledAt
// means "send on the next engine tick".
func (c *Console) CreateCampaign(ctx context.Context, tenantID int64, text, attachmentRef string, scheduledAt time.Time) (int64, error) {
	if strings.TrimSpace(text) == "" && strings.TrimSpace(attachmentRef) == "" {
		return 0, ErrEmptyCampaign
	}
	id, err := c.st.CreateCampaign(ctx, tenantID, text, attachmentRef, scheduledAt)
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	c.log.Info("campaign created",
		logx.Int64("campaign", id),
		logx.Int64("tenant", tenantID),
		logx.Bool("scheduled", !scheduledAt.IsZero()))
	return id, nil
}

// Campaign returns one campaign with its current status.
func (c *Console) Campaign(ctx context.Context, id int64) (store.Campaign, error) {
	return c.st.GetCampaign(ctx, id)
}

// Stats aggregates the tenant's delivery outcomes since the given time
// (zero = all time).
func (c *Console) Stats(ctx context.Context, tenantID int64, since time.Time) (BroadcastStats, error) {
	m, err := c.st.DeliveryStats(ctx, tenantID, since)
	if err != nil {
		return BroadcastStats{}, err
	}
	return BroadcastStats{Success: m[store.DeliverySuccess], Failed: m[store.DeliveryFailed]}, nil
}

// Subscribers lists the tenant's audience, most recently active first.
func (c *Console) Subscribers(ctx context.Context, tenantID int64) ([]store.Subscriber, error) {
	return c.st.SubscribersForTenant(ctx, tenantID)
}

// Dialog returns the message history between a tenant's bot and a subscriber.
func (c *Console) Dialog(ctx context.Context, tenantID, subscriberID int64, limit int) ([]store.Message, error) {
	return c.st.Dialog(ctx, tenantID, subscriberID, limit)
}

// SendDirect sends a one-off message from the tenant's bot to one subscriber
// and records it in the dialog.
func (c *Console) SendDirect(ctx context.Context, tenantID, subscriberID int64, text string) error {
	conn, ok := c.fleet.Get(tenantID)
	if !ok {
		return ErrOffline
	}
	if err := conn.SendText(ctx, subscriberID, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	err := c.st.AppendMessage(ctx, store.Message{
		SubscriberID: subscriberID,
		TenantID:     tenantID,
		Direction:    store.DirectionOut,
		Text:         text,
	})
	if err != nil {
		// The message went out; losing the record is a log-worthy defect only.
		c.log.Error("direct message not recorded", logx.Int64("tenant", tenantID), logx.Int64("subscriber", subscriberID), logx.Err(err))
	}
	return nil
}

// UpdateWelcome replaces the tenant's first-contact content.
func (c *Console) UpdateWelcome(ctx context.Context, tenantID int64, w store.WelcomeSettings) error {
	return c.st.SetWelcome(ctx, tenantID, w)
}

// SetCredentials rotates the tenant's bot token and reconnects the bot.
func (c *Console) SetCredentials(ctx context.Context, tenantID int64, botToken, botUsername string) error {
	if strings.TrimSpace(botToken) == "" {
		return errors.New("bot token is empty")
	}
	if err := c.st.SetCredentials(ctx, tenantID, botToken, botUsername); err != nil {
		return err
	}
	if err := c.fleet.Reload(ctx, tenantID); err != nil {
		return fmt.Errorf("credentials stored but reconnect failed: %w", err)
	}
	return nil
}

// ReloadTenant reconciles the tenant's live connection with the store row.
func (c *Console) ReloadTenant(ctx context.Context, tenantID int64) error {
	return c.fleet.Reload(ctx, tenantID)
}

// DashboardCounts builds one summary row per known tenant.
func (c *Console) DashboardCounts(ctx context.Context) ([]TenantSummary, error) {
	tenants, err := c.st.ListActiveTenants(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TenantSummary, 0, len(tenants))
	for _, t := range tenants {
		subs, err := c.st.SubscribersForTenant(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		_, online := c.fleet.Get(t.ID)
		out = append(out, TenantSummary{
			TenantID:    t.ID,
			BotUsername: t.BotUsername,
			Active:      t.Active,
			Subscribers: len(subs),
			Online:      online,
		})
	}
	return out, nil
}
