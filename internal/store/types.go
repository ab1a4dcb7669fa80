package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
// Callers that must distinguish "absent" from "storage broke" check for it;
// everything else treats any error as a negative result.
var ErrNotFound = errors.New("not found")

// Config configures the sqlite tenant store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Tenant is a bot-owning account. Credentials and display settings are
// mutable; the row is never hard-deleted while campaigns or delivery logs
// reference it.
type Tenant struct {
	ID             int64
	BotToken       string
	BotUsername    string
	WelcomeMessage string
	WelcomeFileID  string
	WelcomeCaption string
	StartText      string
	Active         bool
	ExpiresAt      time.Time // zero = never expires
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Subscriber is an end-user with global identity: one row serves every bot
// the user has talked to. Tenant scoping exists only through Message and
// DeliveryLog rows.
type Subscriber struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	LastActivity time.Time
}

type Direction string

const (
	DirectionIn  Direction = "in"  // from subscriber
	DirectionOut Direction = "out" // from tenant
)

// Message is one inbound or outbound record scoped to exactly one
// (subscriber, tenant) pair.
type Message struct {
	ID           int64
	SubscriberID int64
	TenantID     int64
	Direction    Direction
	Text         string
	CreatedAt    time.Time
}

type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCanceled  CampaignStatus = "canceled"
)

// Campaign is one broadcast job owned by a tenant.
// Status only moves forward: scheduled -> sending -> sent|failed,
// plus the manual scheduled -> canceled edge.
type Campaign struct {
	ID            int64
	TenantID      int64
	Text          string
	AttachmentRef string
	ScheduledAt   time.Time // zero = run immediately
	Status        CampaignStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryLog is one append-only outcome record per (campaign, recipient)
// attempt. RunID correlates all rows of one campaign execution.
type DeliveryLog struct {
	ID          int64
	CampaignID  int64
	TenantID    int64
	RecipientID int64
	RunID       string
	Status      DeliveryStatus
	Error       string
	CreatedAt   time.Time
}

// WelcomeSettings is the tenant-configurable first-contact content.
type WelcomeSettings struct {
	Message     string
	FileID      string
	FileCaption string
	StartText   string
}
