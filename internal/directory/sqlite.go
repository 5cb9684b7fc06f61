package directory

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

	logx "proposalbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the directory database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// SQLite is the Directory implementation backed by a SQLite file.
// It also carries the write surface (tenant/channel/admin CRUD) used by the
// operator tooling and tests.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

var _ Directory = (*SQLite)(nil)

func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("directory path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	d := &SQLite{db: db, log: log}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, string(b))
	return err
}

func (d *SQLite) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *SQLite) GetTenantConfig(ctx context.Context, tenantID int64) (TenantConfig, error) {
	var tc TenantConfig
	var active int
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, token, active, welcome_text, confirmation_text, footer_text
		   FROM tenants WHERE id = ?`, tenantID,
	).Scan(&tc.ID, &tc.Name, &tc.Token, &active, &tc.WelcomeText, &tc.ConfirmationText, &tc.FooterText)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantConfig{}, ErrTenantNotFound
	}
	if err != nil {
		return TenantConfig{}, err
	}
	tc.Active = active != 0

	rows, err := d.db.QueryContext(ctx,
		`SELECT chat_id, title FROM channels WHERE tenant_id = ? ORDER BY chat_id`, tenantID)
	if err != nil {
		return TenantConfig{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ChatID, &ch.Title); err != nil {
			return TenantConfig{}, err
		}
		tc.Channels = append(tc.Channels, ch)
	}
	if err := rows.Err(); err != nil {
		return TenantConfig{}, err
	}

	arows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM admins WHERE tenant_id = ? ORDER BY user_id`, tenantID)
	if err != nil {
		return TenantConfig{}, err
	}
	defer arows.Close()
	for arows.Next() {
		var id int64
		if err := arows.Scan(&id); err != nil {
			return TenantConfig{}, err
		}
		tc.Admins = append(tc.Admins, id)
	}
	return tc, arows.Err()
}

func (d *SQLite) ListActiveTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM tenants WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *SQLite) IsBlocked(ctx context.Context, tenantID, userID int64) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_users WHERE tenant_id = ? AND user_id = ?`, tenantID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLite) Block(ctx context.Context, tenantID, userID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO blocked_users(tenant_id, user_id, blocked_at) VALUES(?,?,?)
		 ON CONFLICT(tenant_id, user_id) DO NOTHING`,
		tenantID, userID, time.Now().Format(time.RFC3339),
	)
	return err
}

func (d *SQLite) Unblock(ctx context.Context, tenantID, userID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM blocked_users WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	return err
}

func (d *SQLite) GetSetting(ctx context.Context, tenantID int64, key, def string) (string, error) {
	var v string
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE tenant_id = ? AND key = ?`, tenantID, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

func (d *SQLite) SetSetting(ctx context.Context, tenantID int64, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO settings(tenant_id, key, value) VALUES(?,?,?)
		 ON CONFLICT(tenant_id, key) DO UPDATE SET value = excluded.value`,
		tenantID, key, value,
	)
	return err
}

// ---- write surface (operator tooling, tests) ----

// UpsertTenant creates or replaces a tenant record and seeds default settings
// for new tenants.
func (d *SQLite) UpsertTenant(ctx context.Context, tc TenantConfig) error {
	active := 0
	if tc.Active {
		active = 1
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tenants(id, name, token, active, welcome_text, confirmation_text, footer_text, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, token = excluded.token, active = excluded.active,
		   welcome_text = excluded.welcome_text, confirmation_text = excluded.confirmation_text,
		   footer_text = excluded.footer_text`,
		tc.ID, tc.Name, tc.Token, active, tc.WelcomeText, tc.ConfirmationText, tc.FooterText,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	for _, ch := range tc.Channels {
		if err := d.AddChannel(ctx, tc.ID, ch); err != nil {
			return err
		}
	}
	for _, id := range tc.Admins {
		if err := d.AddAdmin(ctx, tc.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func (d *SQLite) SetActive(ctx context.Context, tenantID int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := d.db.ExecContext(ctx, `UPDATE tenants SET active = ? WHERE id = ?`, v, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (d *SQLite) AddChannel(ctx context.Context, tenantID int64, ch Channel) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO channels(tenant_id, chat_id, title) VALUES(?,?,?)
		 ON CONFLICT(tenant_id, chat_id) DO UPDATE SET title = excluded.title`,
		tenantID, ch.ChatID, ch.Title,
	)
	return err
}

func (d *SQLite) RemoveChannel(ctx context.Context, tenantID, chatID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM channels WHERE tenant_id = ? AND chat_id = ?`, tenantID, chatID)
	return err
}

func (d *SQLite) AddAdmin(ctx context.Context, tenantID, userID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO admins(tenant_id, user_id) VALUES(?,?)
		 ON CONFLICT(tenant_id, user_id) DO NOTHING`,
		tenantID, userID,
	)
	return err
}

func (d *SQLite) RemoveAdmin(ctx context.Context, tenantID, userID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM admins WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	return err
}
