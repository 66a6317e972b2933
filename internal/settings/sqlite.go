package settings

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"queuepush/pkg/logx"
)

//go:embed schema.sql
var sqliteSchema string

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLite stores the same JSON payload as Redis, one row per recipient.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func OpenSQLite(ctx context.Context, cfg SQLiteConfig, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &SQLite{db: db, log: log.With(logx.String("comp", "settings.sqlite"))}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Get(ctx context.Context, id string) (Recipient, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM recipients WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, false, nil
	}
	if err != nil {
		return Recipient{}, false, fmt.Errorf("sqlite get %s: %w", id, err)
	}
	r, err := decodeRecipient(id, []byte(payload))
	if err != nil {
		s.log.Warn("skipping malformed record", logx.String("id", id), logx.Err(err))
		return Recipient{}, false, nil
	}
	return r, true, nil
}

func (s *SQLite) Put(ctx context.Context, r Recipient) error {
	b, err := encodeRecipient(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, payload, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		r.ID, string(b), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) All(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM recipients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite all: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		r, err := decodeRecipient(id, []byte(payload))
		if err != nil {
			s.log.Warn("skipping malformed record", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
