package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/store"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// fakeConn is an in-memory transport.Conn that records sends and lets the
// test inject inbound contacts.
type fakeConn struct {
	mu       sync.Mutex
	out      chan<- transport.Contact
	started  bool
	stopped  bool
	sent     []sentItem
	sendErr  error
	username string
}

type sentItem struct {
	chatID  int64
	text    string
	fileRef string
}

func (f *fakeConn) Start(ctx context.Context, out chan<- transport.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	f.started = true
	return nil
}

func (f *fakeConn) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeConn) SendText(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentItem{chatID: chatID, text: text})
	return nil
}

func (f *fakeConn) SendAttachment(ctx context.Context, chatID int64, fileRef, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentItem{chatID: chatID, text: caption, fileRef: fileRef})
	return nil
}

func (f *fakeConn) inject(t *testing.T, ct transport.Contact) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatal("conn not started")
	}
	out <- ct
}

func (f *fakeConn) sends() []sentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentItem(nil), f.sent...)
}

func (f *fakeConn) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeDialer hands out fakeConns and remembers them per token.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(cfg transport.Config, _ logx.Logger) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{username: cfg.Username}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "reg.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestWelcomeSentExactlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tenant := store.Tenant{
		ID:             1,
		BotToken:       "tok",
		Active:         true,
		WelcomeMessage: "welcome aboard",
		StartText:      "already here",
	}
	if err := st.UpsertTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}

	d := &fakeDialer{}
	r := New(st, d.dial, eventbus.New(), Options{}, logx.Nop())
	if err := r.AddOrReplace(ctx, tenant); err != nil {
		t.Fatalf("add: %v", err)
	}
	defer r.StopAll(ctx)
	conn := d.last()

	conn.inject(t, transport.Contact{SubscriberID: 500, Username: "alice", Text: "/start", IsStart: true})
	waitFor(t, func() bool { return len(conn.sends()) == 1 })
	if got := conn.sends()[0].text; got != "welcome aboard" {
		t.Fatalf("first contact reply = %q", got)
	}

	// Repeat /start: start text, never the welcome again.
	conn.inject(t, transport.Contact{SubscriberID: 500, Username: "alice", Text: "/start", IsStart: true})
	waitFor(t, func() bool { return len(conn.sends()) == 2 })
	if got := conn.sends()[1].text; got != "already here" {
		t.Fatalf("second contact reply = %q", got)
	}

	// Plain text after first contact: recorded, no reply.
	conn.inject(t, transport.Contact{SubscriberID: 500, Username: "alice", Text: "how much?"})
	waitFor(t, func() bool {
		msgs, _ := st.Dialog(ctx, 1, 500, 10)
		return len(msgs) == 5 // 3 inbound + 2 outbound
	})
	if len(conn.sends()) != 2 {
		t.Fatalf("unexpected extra sends: %+v", conn.sends())
	}

	// Subscriber exists and carries identity fields.
	sub, err := st.GetSubscriber(ctx, 500)
	if err != nil || sub.Username != "alice" {
		t.Fatalf("subscriber not recorded: %+v %v", sub, err)
	}
}

func TestWelcomeAttachment(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tenant := store.Tenant{
		ID:             2,
		BotToken:       "tok",
		Active:         true,
		WelcomeMessage: "hi",
		WelcomeFileID:  "file-123",
		WelcomeCaption: "the catalog",
	}
	if err := st.UpsertTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}

	d := &fakeDialer{}
	r := New(st, d.dial, nil, Options{}, logx.Nop())
	if err := r.AddOrReplace(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	defer r.StopAll(ctx)
	conn := d.last()

	conn.inject(t, transport.Contact{SubscriberID: 7, Text: "/start", IsStart: true})
	waitFor(t, func() bool { return len(conn.sends()) == 2 })
	sends := conn.sends()
	if sends[0].text != "hi" || sends[1].fileRef != "file-123" || sends[1].text != "the catalog" {
		t.Fatalf("welcome sequence wrong: %+v", sends)
	}
}

func TestAddOrReplaceStopsPrevious(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	tenant := store.Tenant{ID: 3, BotToken: "tok", Active: true}
	if err := st.UpsertTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}

	d := &fakeDialer{}
	r := New(st, d.dial, nil, Options{}, logx.Nop())
	if err := r.AddOrReplace(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	first := d.last()

	if err := r.AddOrReplace(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	defer r.StopAll(ctx)
	second := d.last()

	if first == second {
		t.Fatal("expected a fresh connection")
	}
	if !first.isStopped() {
		t.Fatal("previous connection left running")
	}
	got, ok := r.Get(3)
	if !ok || got != transport.Conn(second) {
		t.Fatal("registry does not expose the new connection")
	}
}

func TestReload(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	d := &fakeDialer{}
	r := New(st, d.dial, nil, Options{}, logx.Nop())
	defer r.StopAll(ctx)

	if err := r.Reload(ctx, 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Tokenless tenant: reload refuses and leaves nothing behind.
	if err := st.UpsertTenant(ctx, store.Tenant{ID: 4, Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, 4); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if _, ok := r.Get(4); ok {
		t.Fatal("tokenless tenant has a connection")
	}

	// With credentials: reload dials.
	if err := st.SetCredentials(ctx, 4, "tok", "bot4"); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, 4); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := r.Get(4); !ok {
		t.Fatal("no connection after reload")
	}

	// Deactivated: reload stops the connection.
	tn, _ := st.GetTenant(ctx, 4)
	tn.Active = false
	if err := st.UpsertTenant(ctx, tn); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, 4); err != nil {
		t.Fatalf("reload inactive: %v", err)
	}
	if _, ok := r.Get(4); ok {
		t.Fatal("inactive tenant still connected")
	}
	if !d.last().isStopped() {
		t.Fatal("connection not stopped on deactivation")
	}
}

func TestStartAllSkipsTokenless(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTenant(ctx, store.Tenant{ID: 1, BotToken: "tok1", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertTenant(ctx, store.Tenant{ID: 2, Active: true}); err != nil { // no token
		t.Fatal(err)
	}
	if err := st.UpsertTenant(ctx, store.Tenant{ID: 3, BotToken: "tok3", Active: false}); err != nil {
		t.Fatal(err)
	}

	d := &fakeDialer{}
	r := New(st, d.dial, nil, Options{}, logx.Nop())
	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.StopAll(ctx)

	if _, ok := r.Get(1); !ok {
		t.Fatal("credentialed tenant not started")
	}
	if _, ok := r.Get(2); ok {
		t.Fatal("tokenless tenant started")
	}
	if _, ok := r.Get(3); ok {
		t.Fatal("inactive tenant started")
	}
}

func TestStopAll(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	d := &fakeDialer{}
	r := New(st, d.dial, nil, Options{}, logx.Nop())
	for id := int64(1); id <= 3; id++ {
		tn := store.Tenant{ID: id, BotToken: "tok", Active: true}
		if err := st.UpsertTenant(ctx, tn); err != nil {
			t.Fatal(err)
		}
		if err := r.AddOrReplace(ctx, tn); err != nil {
			t.Fatal(err)
		}
	}

	r.StopAll(ctx)

	for id := int64(1); id <= 3; id++ {
		if _, ok := r.Get(id); ok {
			t.Fatalf("tenant %d still registered", id)
		}
	}
	for _, c := range d.conns {
		if !c.isStopped() {
			t.Fatal("a connection survived StopAll")
		}
	}
}
