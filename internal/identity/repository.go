// Package identity loads the per-user identity records that seed a
// session's account cache from the identity_switch table.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"aaronromeo.com/identityswitch/internal/cache"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Repository reads identity records from a SQLite database.
type Repository struct {
	db *sqlx.DB
}

type row struct {
	ID            int64          `db:"id"`
	UserID        string         `db:"user_id"`
	IID           int            `db:"iid"`
	Label         string         `db:"label"`
	Flags         uint32         `db:"flags"`
	IMAPUser      string         `db:"imap_user"`
	IMAPPassword  string         `db:"imap_pwd"`
	IMAPHost      string         `db:"imap_host"`
	IMAPPort      int            `db:"imap_port"`
	IMAPDelimiter string         `db:"imap_delim"`
	SMTPHost      string         `db:"smtp_host"`
	SMTPPort      int            `db:"smtp_port"`
	NotifyTimeout int            `db:"notify_timeout"`
	NewmailCheck  int            `db:"newmail_check"`
	Folders       sql.NullString `db:"folders"`
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Repository, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	r := &Repository{db: db}
	if err := r.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := r.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := r.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := r.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Identities returns the records stored for user keyed by identity id.
// Columns left at their zero value fall back to the identity defaults;
// passwords are returned as stored.
func (r *Repository) Identities(ctx context.Context, user string) (map[int]cache.Identity, error) {
	var rows []row
	err := r.db.SelectContext(ctx, &rows,
		"SELECT * FROM identity_switch WHERE user_id = ? ORDER BY iid", user)
	if err != nil {
		return nil, fmt.Errorf("querying identities for %s: %w", user, err)
	}

	out := make(map[int]cache.Identity, len(rows))
	for _, rw := range rows {
		rec, err := rw.identity()
		if err != nil {
			return nil, err
		}
		out[rw.IID] = rec
	}
	return out, nil
}

// Upsert stores rec for user under iid. The password must already be
// sealed by the credential codec.
func (r *Repository) Upsert(ctx context.Context, user string, iid int, rec cache.Identity) error {
	var folders sql.NullString
	if len(rec.Folders) > 0 {
		data, err := json.Marshal(rec.Folders)
		if err != nil {
			return fmt.Errorf("marshaling folders for identity %d: %w", iid, err)
		}
		folders = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO identity_switch (
			user_id, iid, label, flags,
			imap_user, imap_pwd, imap_host, imap_port, imap_delim,
			smtp_host, smtp_port, notify_timeout, newmail_check, folders
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, iid) DO UPDATE SET
			label = excluded.label, flags = excluded.flags,
			imap_user = excluded.imap_user, imap_pwd = excluded.imap_pwd,
			imap_host = excluded.imap_host, imap_port = excluded.imap_port,
			imap_delim = excluded.imap_delim, smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port, notify_timeout = excluded.notify_timeout,
			newmail_check = excluded.newmail_check, folders = excluded.folders`,
		user, iid, rec.Label, rec.Flags.Bits(),
		rec.IMAPUser, rec.IMAPPassword, rec.IMAPHost, rec.IMAPPort, rec.IMAPDelimiter,
		rec.SMTPHost, rec.SMTPPort, rec.NotifyTimeout, rec.NewmailCheck, folders,
	)
	if err != nil {
		return fmt.Errorf("upserting identity %d for %s: %w", iid, user, err)
	}
	return nil
}

func (rw row) identity() (cache.Identity, error) {
	rec := cache.NewIdentity(rw.NewmailCheck)
	rec.Flags = cache.FlagsFromBits(rw.Flags)
	rec.IMAPUser = rw.IMAPUser
	rec.IMAPPassword = rw.IMAPPassword
	rec.IMAPPort = orDefault(rw.IMAPPort, rec.IMAPPort)
	rec.SMTPPort = orDefault(rw.SMTPPort, rec.SMTPPort)
	rec.NotifyTimeout = orDefault(rw.NotifyTimeout, rec.NotifyTimeout)
	if s := strings.TrimSpace(rw.Label); s != "" {
		rec.Label = s
	}
	if s := strings.TrimSpace(rw.IMAPHost); s != "" {
		rec.IMAPHost = s
	}
	if rw.IMAPDelimiter != "" {
		rec.IMAPDelimiter = rw.IMAPDelimiter
	}
	if s := strings.TrimSpace(rw.SMTPHost); s != "" {
		rec.SMTPHost = s
	}

	if rw.Folders.Valid && rw.Folders.String != "" {
		if err := json.Unmarshal([]byte(rw.Folders.String), &rec.Folders); err != nil {
			return cache.Identity{}, fmt.Errorf("unmarshaling folders for identity %d: %w", rw.IID, err)
		}
	}
	return rec, nil
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
