// Package transport defines the messaging capability one tenant bot connection
// provides: an inbound contact listener plus text/attachment sends. The core
// consumes this interface; gopkg.in/telebot.v4 backs it in production and tests
// substitute fakes.
package transport

import (
	"context"
	"time"

	logx "botfleet/pkg/logx"
)

// Contact is one inbound interaction from a subscriber.
type Contact struct {
	SubscriberID int64
	Username     string
	FirstName    string
	LastName     string
	Text         string
	// IsStart marks the platform's initial contact command (/start).
	IsStart bool
}

// Config holds per-connection settings. Token is the tenant's bot credential.
type Config struct {
	Token        string
	Username     string // bot username, informational
	PollTimeout  time.Duration
	UpdateBuffer int
}

// Conn is one live bot connection.
//
// Start launches the inbound listener; received contacts are forwarded to out.
// Stop shuts the listener down; it is bounded by the transport's own shutdown
// contract and never blocks indefinitely.
type Conn interface {
	Start(ctx context.Context, out chan<- Contact) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string) error
	SendAttachment(ctx context.Context, chatID int64, fileRef, caption string) error
}

// Dialer builds a Conn from credentials. It fails fast on an empty or rejected
// token and performs no network sends beyond what connection setup requires.
type Dialer func(cfg Config, log logx.Logger) (Conn, error)
