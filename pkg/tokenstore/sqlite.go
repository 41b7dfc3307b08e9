package tokenstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	accessKey  = "access"
	refreshKey = "refresh"

	opTimeout = 5 * time.Second
)

type SQLiteOption struct {
	// Mode can be ro | rw | rwc | memory
	Mode string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is the time sqlite waits on a locked database.
	BusyTimeout time.Duration
}

var DefaultSQLiteOption = SQLiteOption{
	Mode:        "rwc",
	JournalMode: "WAL",
	BusyTimeout: 5 * time.Second,
}

func (o SQLiteOption) dsn(file string) string {
	var sb strings.Builder
	sb.WriteString("file:")
	sb.WriteString(file)

	sep := "?"
	add := func(k, v string) {
		sb.WriteString(sep)
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v)
		sep = "&"
	}
	if o.Mode != "" {
		add("mode", o.Mode)
	}
	if o.JournalMode != "" {
		add("_journal_mode", o.JournalMode)
	}
	if o.BusyTimeout > 0 {
		add("_busy_timeout", fmt.Sprint(o.BusyTimeout.Milliseconds()))
	}
	return sb.String()
}

// SQLiteStore persists the pair in a sqlite database so the session survives
// restarts. Reads are served from memory; writes go through to the database
// before the in-memory copy is updated.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	pair   Pair
	closed bool
}

// OpenSQLite opens (creating if needed) the token database at file, applies
// the migrations and loads the stored pair.
func OpenSQLite(file string, opt *SQLiteOption) (*SQLiteStore, error) {
	if opt == nil {
		opt = &DefaultSQLiteOption
	}
	db, err := sql.Open("sqlite3", opt.dsn(file))
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	// a single connection serializes writers and keeps memory databases alive
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (s *SQLiteStore) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM tokens")
	if err != nil {
		return fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var pair Pair
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("rows.Scan: %w", err)
		}
		switch name {
		case accessKey:
			pair.Access = value
		case refreshKey:
			pair.Refresh = value
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.pair = pair
	return nil
}

func (s *SQLiteStore) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.pair.Access != "" || s.pair.Refresh != ""
}

func (s *SQLiteStore) SetAccess(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pair
	next.Access = token
	return s.write(next)
}

func (s *SQLiteStore) SetRefresh(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pair
	next.Refresh = token
	return s.write(next)
}

func (s *SQLiteStore) SetPair(pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(pair)
}

// CompareAndSwap checks and writes under the same lock as every other write,
// and the pair in memory always mirrors the committed rows.
func (s *SQLiteStore) CompareAndSwap(refresh string, next Pair) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if refresh == "" || s.pair.Refresh != refresh {
		return false, nil
	}
	if err := s.write(next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(Pair{})
}

// write persists next and swaps it in. The caller holds s.mu.
func (s *SQLiteStore) write(next Pair) error {
	if s.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	for name, value := range map[string]string{accessKey: next.Access, refreshKey: next.Refresh} {
		if value == "" {
			if _, err := tx.ExecContext(ctx, "DELETE FROM tokens WHERE name = @name", sql.Named("name", name)); err != nil {
				return fmt.Errorf("ExecContext(delete %s): %w", name, err)
			}
			continue
		}
		query := `INSERT INTO tokens (name, value, updated_at) VALUES (@name, @value, CURRENT_TIMESTAMP)
		          ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, query, sql.Named("name", name), sql.Named("value", value)); err != nil {
			return fmt.Errorf("ExecContext(upsert %s): %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	s.pair = next
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
