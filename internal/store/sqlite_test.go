package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "botfleet/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTenantRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetTenant(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	in := Tenant{
		ID:             42,
		BotToken:       "123:abc",
		BotUsername:    "fleet_bot",
		WelcomeMessage: "hello",
		Active:         true,
	}
	if err := st.UpsertTenant(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := st.GetTenant(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BotToken != in.BotToken || got.BotUsername != in.BotUsername || !got.Active {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if !got.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", got.ExpiresAt)
	}

	// Upsert with same id replaces settings, keeps the row.
	in.WelcomeMessage = "welcome!"
	in.Active = false
	if err := st.UpsertTenant(ctx, in); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = st.GetTenant(ctx, 42)
	if got.WelcomeMessage != "welcome!" || got.Active {
		t.Fatalf("upsert did not replace settings: %+v", got)
	}
}

func TestSetCredentialsAndWelcome(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SetCredentials(ctx, 7, "tok", "name"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing tenant, got %v", err)
	}

	if err := st.UpsertTenant(ctx, Tenant{ID: 7, Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCredentials(ctx, 7, "999:zzz", "newbot"); err != nil {
		t.Fatalf("set credentials: %v", err)
	}
	if err := st.SetWelcome(ctx, 7, WelcomeSettings{Message: "hi", FileID: "f1", FileCaption: "cap", StartText: "start"}); err != nil {
		t.Fatalf("set welcome: %v", err)
	}
	got, _ := st.GetTenant(ctx, 7)
	if got.BotToken != "999:zzz" || got.BotUsername != "newbot" {
		t.Fatalf("credentials not applied: %+v", got)
	}
	if got.WelcomeMessage != "hi" || got.WelcomeFileID != "f1" || got.WelcomeCaption != "cap" || got.StartText != "start" {
		t.Fatalf("welcome not applied: %+v", got)
	}
}

func TestDeactivateExpired(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(st.UpsertTenant(ctx, Tenant{ID: 1, Active: true, ExpiresAt: now.Add(-time.Hour)}))
	must(st.UpsertTenant(ctx, Tenant{ID: 2, Active: true, ExpiresAt: now.Add(time.Hour)}))
	must(st.UpsertTenant(ctx, Tenant{ID: 3, Active: true})) // never expires

	ids, err := st.DeactivateExpired(ctx, now)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected [1], got %v", ids)
	}
	active, err := st.ListActiveTenants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active tenants, got %d", len(active))
	}

	// Second sweep is a no-op.
	ids, err = st.DeactivateExpired(ctx, now)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty second sweep, got %v %v", ids, err)
	}
}

func TestSubscribersScopedByInboundMessages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{100, 200} {
		if err := st.UpsertSubscriber(ctx, Subscriber{ID: id, Username: "u"}); err != nil {
			t.Fatal(err)
		}
	}
	// Subscriber 100 talked to tenant 1, subscriber 200 to tenant 2.
	if err := st.AppendMessage(ctx, Message{SubscriberID: 100, TenantID: 1, Direction: DirectionIn, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendMessage(ctx, Message{SubscriberID: 200, TenantID: 2, Direction: DirectionIn, Text: "yo"}); err != nil {
		t.Fatal(err)
	}
	// An outbound-only subscriber must not appear in the tenant audience.
	if err := st.UpsertSubscriber(ctx, Subscriber{ID: 300}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendMessage(ctx, Message{SubscriberID: 300, TenantID: 1, Direction: DirectionOut, Text: "ad"}); err != nil {
		t.Fatal(err)
	}

	subs, err := st.SubscribersForTenant(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID != 100 {
		t.Fatalf("tenant 1 audience wrong: %+v", subs)
	}
	subs, _ = st.SubscribersForTenant(ctx, 2)
	if len(subs) != 1 || subs[0].ID != 200 {
		t.Fatalf("tenant 2 audience wrong: %+v", subs)
	}
}

func TestHasInboundAndDialog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertSubscriber(ctx, Subscriber{ID: 5}); err != nil {
		t.Fatal(err)
	}
	ok, err := st.HasInbound(ctx, 1, 5)
	if err != nil || ok {
		t.Fatalf("expected no inbound yet, got ok=%v err=%v", ok, err)
	}

	base := time.Now().Add(-time.Minute)
	msgs := []Message{
		{SubscriberID: 5, TenantID: 1, Direction: DirectionIn, Text: "first", CreatedAt: base},
		{SubscriberID: 5, TenantID: 1, Direction: DirectionOut, Text: "reply", CreatedAt: base.Add(time.Second)},
		{SubscriberID: 5, TenantID: 2, Direction: DirectionIn, Text: "other tenant", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		if err := st.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	ok, _ = st.HasInbound(ctx, 1, 5)
	if !ok {
		t.Fatal("expected inbound for tenant 1")
	}
	ok, _ = st.HasInbound(ctx, 3, 5)
	if ok {
		t.Fatal("inbound leaked across tenants")
	}

	dialog, err := st.Dialog(ctx, 1, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dialog) != 2 || dialog[0].Text != "first" || dialog[1].Text != "reply" {
		t.Fatalf("dialog wrong: %+v", dialog)
	}
}

func TestAppendMessageBumpsActivity(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertSubscriber(ctx, Subscriber{ID: 9}); err != nil {
		t.Fatal(err)
	}
	before, _ := st.GetSubscriber(ctx, 9)

	later := time.Now().Add(time.Hour)
	if err := st.AppendMessage(ctx, Message{SubscriberID: 9, TenantID: 1, Direction: DirectionIn, Text: "x", CreatedAt: later}); err != nil {
		t.Fatal(err)
	}
	after, _ := st.GetSubscriber(ctx, 9)
	if !after.LastActivity.After(before.LastActivity) {
		t.Fatalf("last_activity not bumped: before=%v after=%v", before.LastActivity, after.LastActivity)
	}
}

func TestPruneMessages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	if err := st.AppendMessage(ctx, Message{SubscriberID: 1, TenantID: 1, Direction: DirectionIn, Text: "old", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendMessage(ctx, Message{SubscriberID: 1, TenantID: 1, Direction: DirectionIn, Text: "new", CreatedAt: recent}); err != nil {
		t.Fatal(err)
	}

	n, err := st.PruneMessages(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	dialog, _ := st.Dialog(ctx, 1, 1, 10)
	if len(dialog) != 1 || dialog[0].Text != "new" {
		t.Fatalf("wrong survivor: %+v", dialog)
	}
}

func TestCreateCampaignRequiresTenant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateCampaign(ctx, 99, "text", "", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDueCampaignsOrderingAndVisibility(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.UpsertTenant(ctx, Tenant{ID: 1, Active: true}); err != nil {
		t.Fatal(err)
	}
	pastID, err := st.CreateCampaign(ctx, 1, "past", "", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	immediateID, err := st.CreateCampaign(ctx, 1, "immediate", "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	futureID, err := st.CreateCampaign(ctx, 1, "future", "", now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	due, err := st.DueCampaigns(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due campaigns, got %d", len(due))
	}
	// Immediate (NULL schedule) sorts before any timed campaign.
	if due[0].ID != immediateID || due[1].ID != pastID {
		t.Fatalf("due ordering wrong: %v, %v", due[0].ID, due[1].ID)
	}
	if !due[0].ScheduledAt.IsZero() {
		t.Fatalf("immediate campaign should carry zero schedule, got %v", due[0].ScheduledAt)
	}

	// The future campaign becomes visible once its time arrives.
	due, _ = st.DueCampaigns(ctx, now.Add(2*time.Hour))
	found := false
	for _, c := range due {
		if c.ID == futureID {
			found = true
		}
	}
	if !found {
		t.Fatal("future campaign never became due")
	}
}

func TestClaimCampaignExactlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTenant(ctx, Tenant{ID: 1, Active: true}); err != nil {
		t.Fatal(err)
	}
	id, err := st.CreateCampaign(ctx, 1, "race", "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimCampaign(ctx, id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}

	c, _ := st.GetCampaign(ctx, id)
	if c.Status != CampaignSending {
		t.Fatalf("expected sending, got %s", c.Status)
	}

	// A claimed campaign never reappears as due.
	due, _ := st.DueCampaigns(ctx, time.Now())
	for _, d := range due {
		if d.ID == id {
			t.Fatal("claimed campaign still listed as due")
		}
	}
}

func TestDeliveryLogsAndStats(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	logs := []DeliveryLog{
		{CampaignID: 1, TenantID: 1, RecipientID: 10, RunID: "r1", Status: DeliverySuccess},
		{CampaignID: 1, TenantID: 1, RecipientID: 11, RunID: "r1", Status: DeliveryFailed, Error: "blocked"},
		{CampaignID: 2, TenantID: 2, RecipientID: 10, RunID: "r2", Status: DeliverySuccess},
	}
	for _, d := range logs {
		if err := st.LogDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := st.DeliveryStats(ctx, 1, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if stats[DeliverySuccess] != 1 || stats[DeliveryFailed] != 1 {
		t.Fatalf("tenant 1 stats wrong: %v", stats)
	}
	stats, _ = st.DeliveryStats(ctx, 2, time.Time{})
	if stats[DeliverySuccess] != 1 || stats[DeliveryFailed] != 0 {
		t.Fatalf("tenant 2 stats wrong: %v", stats)
	}
	// since excludes older rows
	stats, _ = st.DeliveryStats(ctx, 1, time.Now().Add(time.Hour))
	if stats[DeliverySuccess] != 0 || stats[DeliveryFailed] != 0 {
		t.Fatalf("since filter ignored: %v", stats)
	}
}
