// Package registry owns the live bot connections, one per active tenant.
// It dials connections, runs each tenant's inbound listener under its own
// supervisor (a failing tenant never takes down its neighbors), and hands
// connections out to the campaign executor and the admin facade.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/store"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// ErrNoCredentials is returned when a tenant has no bot token on record.
var ErrNoCredentials = errors.New("tenant has no bot credentials")

// Options are transport knobs shared by every tenant connection.
type Options struct {
	PollTimeout  time.Duration
	UpdateBuffer int
}

func (o *Options) normalize() {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = 64
	}
}

// Registry maps tenant id -> live runtime.
type Registry struct {
	st   store.Store
	dial transport.Dialer
	bus  eventbus.Bus
	opts Options
	log  logx.Logger

	mu       sync.Mutex
	runtimes map[int64]*runtime
}

// runtime is one tenant's connection plus its supervised listener.
type runtime struct {
	tenant store.Tenant
	conn   transport.Conn
	sup    *supervisor.Supervisor
}

func New(st store.Store, dial transport.Dialer, bus eventbus.Bus, opts Options, log logx.Logger) *Registry {
	opts.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Registry{
		st:       st,
		dial:     dial,
		bus:      bus,
		opts:     opts,
		log:      log.With(logx.String("svc", "registry")),
		runtimes: map[int64]*runtime{},
	}
}

// StartAll boots a connection for every active tenant that has credentials.
// Per-tenant failures are logged, never fatal: one bad token must not keep
// the rest of the fleet down.
func (r *Registry) StartAll(ctx context.Context) error {
	tenants, err := r.st.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}
	started := 0
	for _, t := range tenants {
		if strings.TrimSpace(t.BotToken) == "" {
			r.log.Warn("tenant has no credentials, skipping", logx.Int64("tenant", t.ID))
			continue
		}
		if err := r.AddOrReplace(ctx, t); err != nil {
			r.log.Error("tenant start failed", logx.Int64("tenant", t.ID), logx.Err(err))
			continue
		}
		started++
	}
	r.log.Info("fleet started", logx.Int("tenants", started), logx.Int("total", len(tenants)))
	return nil
}

// AddOrReplace dials a fresh connection for the tenant and swaps it in,
// stopping any previous one first.
func (r *Registry) AddOrReplace(ctx context.Context, t store.Tenant) error {
	if strings.TrimSpace(t.BotToken) == "" {
		return ErrNoCredentials
	}

	conn, err := r.dial(transport.Config{
		Token:        t.BotToken,
		Username:     t.BotUsername,
		PollTimeout:  r.opts.PollTimeout,
		UpdateBuffer: r.opts.UpdateBuffer,
	}, r.log)
	if err != nil {
		return fmt.Errorf("dial tenant %d: %w", t.ID, err)
	}

	// Swap under the lock, stop the loser outside it.
	r.mu.Lock()
	old := r.runtimes[t.ID]
	rt := r.newRuntime(t, conn)
	r.runtimes[t.ID] = rt
	r.mu.Unlock()

	if old != nil {
		r.stopRuntime(ctx, t.ID, old)
	}

	if err := rt.start(ctx, r); err != nil {
		r.mu.Lock()
		if r.runtimes[t.ID] == rt {
			delete(r.runtimes, t.ID)
		}
		r.mu.Unlock()
		return fmt.Errorf("start tenant %d: %w", t.ID, err)
	}

	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTenantStarted,
		Data: eventbus.TenantEvent{TenantID: t.ID, Username: t.BotUsername},
	})
	return nil
}

// Stop shuts down one tenant's connection. Stopping an unknown tenant is a no-op.
func (r *Registry) Stop(ctx context.Context, tenantID int64) error {
	r.mu.Lock()
	rt := r.runtimes[tenantID]
	delete(r.runtimes, tenantID)
	r.mu.Unlock()

	if rt == nil {
		return nil
	}
	r.stopRuntime(ctx, tenantID, rt)
	return nil
}

// Get returns the tenant's live connection, if any.
func (r *Registry) Get(tenantID int64) (transport.Conn, bool) {
	r.mu.Lock()
	rt := r.runtimes[tenantID]
	r.mu.Unlock()
	if rt == nil {
		return nil, false
	}
	return rt.conn, true
}

// Reload re-reads the tenant row and reconciles the live connection with it:
// inactive tenants are stopped, credentialed active tenants are (re)started.
// A missing token fails with ErrNoCredentials and leaves the old connection
// untouched.
func (r *Registry) Reload(ctx context.Context, tenantID int64) error {
	t, err := r.st.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.Active {
		return r.Stop(ctx, tenantID)
	}
	if strings.TrimSpace(t.BotToken) == "" {
		return ErrNoCredentials
	}
	return r.AddOrReplace(ctx, t)
}

// StopAll stops every live connection. Used at shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	rts := make(map[int64]*runtime, len(r.runtimes))
	for id, rt := range r.runtimes {
		rts[id] = rt
	}
	r.runtimes = map[int64]*runtime{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, rt := range rts {
		wg.Add(1)
		go func(id int64, rt *runtime) {
			defer wg.Done()
			r.stopRuntime(ctx, id, rt)
		}(id, rt)
	}
	wg.Wait()
}

func (r *Registry) newRuntime(t store.Tenant, conn transport.Conn) *runtime {
	return &runtime{tenant: t, conn: conn}
}

func (rt *runtime) start(ctx context.Context, r *Registry) error {
	rt.sup = supervisor.New(ctx, supervisor.WithLogger(r.log.With(logx.Int64("tenant", rt.tenant.ID))))

	contacts := make(chan transport.Contact, r.opts.UpdateBuffer)
	if err := rt.conn.Start(rt.sup.Context(), contacts); err != nil {
		rt.sup.Cancel()
		return err
	}

	log := r.log.With(logx.Int64("tenant", rt.tenant.ID))
	rt.sup.GoRestart("listener", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ct := <-contacts:
				r.handleContact(ctx, rt.tenant, rt.conn, ct, log)
			}
		}
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	return nil
}

func (r *Registry) stopRuntime(ctx context.Context, tenantID int64, rt *runtime) {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rt.conn.Stop(stopCtx); err != nil {
		r.log.Warn("connection stop failed", logx.Int64("tenant", tenantID), logx.Err(err))
	}
	if rt.sup != nil {
		_ = rt.sup.Stop(stopCtx)
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTenantStopped,
		Data: eventbus.TenantEvent{TenantID: tenantID, Username: rt.tenant.BotUsername},
	})
}

// handleContact records one inbound interaction and replies when appropriate.
// Storage failures are logged and the contact is dropped; the listener keeps
// serving the rest of the traffic.
func (r *Registry) handleContact(ctx context.Context, t store.Tenant, conn transport.Conn, ct transport.Contact, log logx.Logger) {
	sub := store.Subscriber{
		ID:        ct.SubscriberID,
		Username:  ct.Username,
		FirstName: ct.FirstName,
		LastName:  ct.LastName,
	}
	if err := r.st.UpsertSubscriber(ctx, sub); err != nil {
		log.Error("subscriber upsert failed", logx.Int64("subscriber", ct.SubscriberID), logx.Err(err))
		return
	}

	// First contact is decided before this message lands, so the welcome fires
	// exactly once per (tenant, subscriber) pair even under duplicate updates.
	seen, err := r.st.HasInbound(ctx, t.ID, ct.SubscriberID)
	if err != nil {
		log.Error("inbound lookup failed", logx.Int64("subscriber", ct.SubscriberID), logx.Err(err))
		return
	}

	if err := r.st.AppendMessage(ctx, store.Message{
		SubscriberID: ct.SubscriberID,
		TenantID:     t.ID,
		Direction:    store.DirectionIn,
		Text:         ct.Text,
	}); err != nil {
		log.Error("message append failed", logx.Int64("subscriber", ct.SubscriberID), logx.Err(err))
		return
	}

	switch {
	case !seen:
		r.sendWelcome(ctx, t, conn, ct.SubscriberID, log)
	case ct.IsStart && strings.TrimSpace(t.StartText) != "":
		r.reply(ctx, t.ID, conn, ct.SubscriberID, t.StartText, log)
	}
}

func (r *Registry) sendWelcome(ctx context.Context, t store.Tenant, conn transport.Conn, subscriberID int64, log logx.Logger) {
	if strings.TrimSpace(t.WelcomeMessage) != "" {
		r.reply(ctx, t.ID, conn, subscriberID, t.WelcomeMessage, log)
	}
	if strings.TrimSpace(t.WelcomeFileID) == "" {
		return
	}
	if err := conn.SendAttachment(ctx, subscriberID, t.WelcomeFileID, t.WelcomeCaption); err != nil {
		log.Warn("welcome attachment failed", logx.Int64("subscriber", subscriberID), logx.Err(err))
		return
	}
	r.record(ctx, t.ID, subscriberID, t.WelcomeCaption, log)
}

func (r *Registry) reply(ctx context.Context, tenantID int64, conn transport.Conn, subscriberID int64, text string, log logx.Logger) {
	if err := conn.SendText(ctx, subscriberID, text); err != nil {
		log.Warn("reply failed", logx.Int64("subscriber", subscriberID), logx.Err(err))
		return
	}
	r.record(ctx, tenantID, subscriberID, text, log)
}

func (r *Registry) record(ctx context.Context, tenantID, subscriberID int64, text string, log logx.Logger) {
	err := r.st.AppendMessage(ctx, store.Message{
		SubscriberID: subscriberID,
		TenantID:     tenantID,
		Direction:    store.DirectionOut,
		Text:         text,
	})
	if err != nil {
		log.Warn("outbound record failed", logx.Int64("subscriber", subscriberID), logx.Err(err))
	}
}
