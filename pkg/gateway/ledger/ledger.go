// Package ledger records call metadata (ids, timing, end reason) in Postgres.
// It never stores dialogue text.
package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type CallStart struct {
	ConnectionID string
	CallID       string
	StreamSID    string
	Topic        string
	Model        string
	StartedAt    time.Time
}

type CallEnd struct {
	ConnectionID string
	EndedAt      time.Time
	EndReason    string
	Turns        int
	BargeIns     int
}

// Recorder persists call metadata. Implementations must be safe for
// concurrent use by many calls.
type Recorder interface {
	CallStarted(ctx context.Context, c CallStart) error
	CallEnded(ctx context.Context, c CallEnd) error
}

// Nop discards everything. It is used when no database is configured.
type Nop struct{}

func (Nop) CallStarted(context.Context, CallStart) error { return nil }
func (Nop) CallEnded(context.Context, CallEnd) error     { return nil }

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a Postgres-backed Recorder.
type Store struct {
	db   execer
	pool *pgxpool.Pool
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("ledger: database URL is empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("ledger: no pool")
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return fmt.Errorf("ledger: migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("ledger: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const insertCall = `
INSERT INTO calls (connection_id, call_id, stream_sid, topic, model, started_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (connection_id) DO UPDATE
SET call_id = EXCLUDED.call_id, stream_sid = EXCLUDED.stream_sid,
    topic = EXCLUDED.topic, model = EXCLUDED.model, started_at = EXCLUDED.started_at`

const finishCall = `
UPDATE calls
SET ended_at = $2, end_reason = $3, turns = $4, barge_ins = $5
WHERE connection_id = $1 AND ended_at IS NULL`

func (s *Store) CallStarted(ctx context.Context, c CallStart) error {
	if _, err := s.db.Exec(ctx, insertCall,
		c.ConnectionID, c.CallID, c.StreamSID, c.Topic, c.Model, c.StartedAt.UTC()); err != nil {
		return fmt.Errorf("ledger: record start: %w", err)
	}
	return nil
}

func (s *Store) CallEnded(ctx context.Context, c CallEnd) error {
	if _, err := s.db.Exec(ctx, finishCall,
		c.ConnectionID, c.EndedAt.UTC(), c.EndReason, c.Turns, c.BargeIns); err != nil {
		return fmt.Errorf("ledger: record end: %w", err)
	}
	return nil
}
