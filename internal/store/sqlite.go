package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "botfleet/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time encoding ----

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// ---- tenants ----

func (s *sqliteStore) UpsertTenant(ctx context.Context, t Tenant) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, bot_token, bot_username, welcome_message, welcome_file_id, welcome_caption, start_text, is_active, expires_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   bot_token=excluded.bot_token,
		   bot_username=excluded.bot_username,
		   welcome_message=excluded.welcome_message,
		   welcome_file_id=excluded.welcome_file_id,
		   welcome_caption=excluded.welcome_caption,
		   start_text=excluded.start_text,
		   is_active=excluded.is_active,
		   expires_at=excluded.expires_at,
		   updated_at=excluded.updated_at`,
		t.ID, t.BotToken, t.BotUsername, t.WelcomeMessage, t.WelcomeFileID, t.WelcomeCaption, t.StartText,
		boolToInt(t.Active), nullMS(t.ExpiresAt), ms(t.CreatedAt), ms(now),
	)
	return err
}

const tenantCols = `id, bot_token, bot_username, welcome_message, welcome_file_id, welcome_caption, start_text, is_active, expires_at, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (Tenant, error) {
	var t Tenant
	var active int
	var expires sql.NullInt64
	var created, updated int64
	err := row.Scan(&t.ID, &t.BotToken, &t.BotUsername, &t.WelcomeMessage, &t.WelcomeFileID, &t.WelcomeCaption, &t.StartText, &active, &expires, &created, &updated)
	if err != nil {
		return Tenant{}, err
	}
	t.Active = active != 0
	if expires.Valid {
		t.ExpiresAt = fromMS(expires.Int64)
	}
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	return t, nil
}

func (s *sqliteStore) GetTenant(ctx context.Context, id int64) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetCredentials(ctx context.Context, id int64, botToken, botUsername string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET bot_token = ?, bot_username = ?, updated_at = ? WHERE id = ?`,
		botToken, botUsername, ms(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) SetWelcome(ctx context.Context, id int64, w WelcomeSettings) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET welcome_message = ?, welcome_file_id = ?, welcome_caption = ?, start_text = ?, updated_at = ? WHERE id = ?`,
		w.Message, w.FileID, w.FileCaption, w.StartText, ms(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeactivateExpired(ctx context.Context, now time.Time) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tenants WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`, ms(now))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tenants SET is_active = 0, updated_at = ? WHERE id = ?`, ms(now), id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

// ---- subscribers and messages ----

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, username, first_name, last_name, created_at, last_activity)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username,
		   first_name=excluded.first_name,
		   last_name=excluded.last_name,
		   last_activity=excluded.last_activity`,
		sub.ID, sub.Username, sub.FirstName, sub.LastName, ms(sub.CreatedAt), ms(now),
	)
	return err
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id int64) (Subscriber, error) {
	var sub Subscriber
	var created, activity int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_name, created_at, last_activity FROM subscribers WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.Username, &sub.FirstName, &sub.LastName, &created, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	sub.CreatedAt = fromMS(created)
	sub.LastActivity = fromMS(activity)
	return sub, nil
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(subscriber_id, tenant_id, direction, text, created_at) VALUES(?,?,?,?,?)`,
		m.SubscriberID, m.TenantID, string(m.Direction), m.Text, ms(m.CreatedAt),
	)
	if err != nil {
		return err
	}
	// Message traffic counts as subscriber activity.
	_, _ = s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_activity = ? WHERE id = ?`, ms(m.CreatedAt), m.SubscriberID)
	return nil
}

func (s *sqliteStore) SubscribersForTenant(ctx context.Context, tenantID int64) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, first_name, last_name, created_at, last_activity
		 FROM subscribers
		 WHERE id IN (SELECT DISTINCT subscriber_id FROM messages WHERE tenant_id = ? AND direction = 'in')
		 ORDER BY last_activity DESC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var sub Subscriber
		var created, activity int64
		if err := rows.Scan(&sub.ID, &sub.Username, &sub.FirstName, &sub.LastName, &created, &activity); err != nil {
			return nil, err
		}
		sub.CreatedAt = fromMS(created)
		sub.LastActivity = fromMS(activity)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Dialog(ctx context.Context, tenantID, subscriberID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber_id, tenant_id, direction, text, created_at
		 FROM messages
		 WHERE tenant_id = ? AND subscriber_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		tenantID, subscriberID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var dir string
		var created int64
		if err := rows.Scan(&m.ID, &m.SubscriberID, &m.TenantID, &dir, &m.Text, &created); err != nil {
			return nil, err
		}
		m.Direction = Direction(dir)
		m.CreatedAt = fromMS(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasInbound(ctx context.Context, tenantID, subscriberID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE tenant_id = ? AND subscriber_id = ? AND direction = 'in' LIMIT 1`,
		tenantID, subscriberID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, ms(olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- campaigns ----

func (s *sqliteStore) CreateCampaign(ctx context.Context, tenantID int64, text, attachmentRef string, scheduledAt time.Time) (int64, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tenants WHERE id = ?`, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}

	now := ms(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(tenant_id, text, attachment_ref, scheduled_at, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		tenantID, text, attachmentRef, nullMS(scheduledAt), string(CampaignScheduled), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const campaignCols = `id, tenant_id, text, attachment_ref, scheduled_at, status, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	var scheduled sql.NullInt64
	var status string
	var created, updated int64
	err := row.Scan(&c.ID, &c.TenantID, &c.Text, &c.AttachmentRef, &scheduled, &status, &created, &updated)
	if err != nil {
		return Campaign{}, err
	}
	if scheduled.Valid {
		c.ScheduledAt = fromMS(scheduled.Int64)
	}
	c.Status = CampaignStatus(status)
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id int64) (Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) DueCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		 ORDER BY scheduled_at ASC NULLS FIRST, id ASC`,
		string(CampaignScheduled), ms(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimCampaign(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(CampaignSending), ms(time.Now()), id, string(CampaignScheduled),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, id int64, status CampaignStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), ms(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- delivery logs ----

func (s *sqliteStore) LogDelivery(ctx context.Context, d DeliveryLog) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_logs(campaign_id, tenant_id, recipient_id, run_id, status, error, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		d.CampaignID, d.TenantID, d.RecipientID, d.RunID, string(d.Status), d.Error, ms(d.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeliveryStats(ctx context.Context, tenantID int64, since time.Time) (map[DeliveryStatus]int, error) {
	q := `SELECT status, COUNT(*) FROM delivery_logs WHERE tenant_id = ?`
	args := []any{tenantID}
	if !since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, ms(since))
	}
	q += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[DeliveryStatus]int{DeliverySuccess: 0, DeliveryFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[DeliveryStatus(status)] = count
	}
	return stats, rows.Err()
}

// ---- helpers ----

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
