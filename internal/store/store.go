// Package store is the durable tenant store shared by every bot runtime and
// the campaign engine. It owns tenants, subscribers, message history,
// campaigns and per-recipient delivery logs.
//
// Concurrency contract: many tenant listeners write concurrently; the store
// tolerates that via sqlite WAL, a busy timeout and a single-writer pool.
// Messages and delivery logs are append-only, so concurrent writers cannot
// conflict by construction. Campaign pickup is serialized through
// ClaimCampaign's conditional update.
package store

import (
	"context"
	"time"

	logx "botfleet/pkg/logx"
)

// Store is the persistence API used by the registry, the campaign engine and
// the admin facade.
type Store interface {
	// Tenants.
	UpsertTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id int64) (Tenant, error)
	ListActiveTenants(ctx context.Context) ([]Tenant, error)
	SetCredentials(ctx context.Context, id int64, botToken, botUsername string) error
	SetWelcome(ctx context.Context, id int64, w WelcomeSettings) error
	// DeactivateExpired clears the activation flag of every active tenant whose
	// expiry has passed and returns their ids so live connections can be stopped.
	DeactivateExpired(ctx context.Context, now time.Time) ([]int64, error)

	// Subscribers and messages.
	UpsertSubscriber(ctx context.Context, s Subscriber) error
	GetSubscriber(ctx context.Context, id int64) (Subscriber, error)
	AppendMessage(ctx context.Context, m Message) error
	// SubscribersForTenant returns the distinct subscribers with at least one
	// inbound message scoped to the tenant, most recently active first.
	SubscribersForTenant(ctx context.Context, tenantID int64) ([]Subscriber, error)
	Dialog(ctx context.Context, tenantID, subscriberID int64, limit int) ([]Message, error)
	HasInbound(ctx context.Context, tenantID, subscriberID int64) (bool, error)
	PruneMessages(ctx context.Context, olderThan time.Time) (int64, error)

	// Campaigns.
	CreateCampaign(ctx context.Context, tenantID int64, text, attachmentRef string, scheduledAt time.Time) (int64, error)
	GetCampaign(ctx context.Context, id int64) (Campaign, error)
	// DueCampaigns returns scheduled campaigns whose time has arrived, ordered
	// by scheduled_at ascending with immediate (unscheduled) jobs first.
	DueCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
	// ClaimCampaign atomically moves scheduled -> sending and reports whether
	// this caller won the claim. At most one caller ever gets true per campaign.
	ClaimCampaign(ctx context.Context, id int64) (bool, error)
	SetCampaignStatus(ctx context.Context, id int64, status CampaignStatus) error
	LogDelivery(ctx context.Context, d DeliveryLog) error
	DeliveryStats(ctx context.Context, tenantID int64, since time.Time) (map[DeliveryStatus]int, error)

	Close() error
}

// Open initializes the sqlite store at cfg.Path, applying migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
