package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"
)

const defaultTopLimit = 10

var (
	ErrNegativeScore   = errors.New("score must be a non-negative integer")
	ErrInvalidIdentity = errors.New("identity hash must be 64 lowercase hex characters")
)

// ScoreRecord is one immutable ledger row.
type ScoreRecord struct {
	ID           int64     `json:"id"`
	IdentityHash string    `json:"user_id"`
	Score        int64     `json:"score"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ledger is the append-only score store. Records are never updated or
// deleted.
type Ledger struct {
	db      *sql.DB
	writers *semaphore.Weighted
	now     func() time.Time
}

// openLedger opens (and if needed creates) the SQLite ledger at path.
// ":memory:" gives a private in-memory ledger.
func openLedger(path string, writers int) (*Ledger, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{
		db:      db,
		writers: semaphore.NewWeighted(int64(max(writers, 1))),
		now:     time.Now,
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS scores (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id   TEXT NOT NULL,
			score     INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_scores_user_id ON scores(user_id);
		CREATE INDEX IF NOT EXISTS idx_scores_timestamp ON scores(timestamp DESC);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Save appends one record stamped with the server clock. Validation
// happens here, before the storage engine is involved.
func (l *Ledger) Save(ctx context.Context, identityHash string, score int64) (ScoreRecord, error) {
	if score < 0 {
		return ScoreRecord{}, ErrNegativeScore
	}
	if !validIdentityHash(identityHash) {
		return ScoreRecord{}, ErrInvalidIdentity
	}

	if err := l.writers.Acquire(ctx, 1); err != nil {
		return ScoreRecord{}, fmt.Errorf("waiting for ledger writer: %w", err)
	}
	defer l.writers.Release(1)

	ts := l.now().UTC()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO scores (user_id, score, timestamp) VALUES (?, ?, ?)`,
		identityHash, score, ts.UnixNano(),
	)
	if err != nil {
		return ScoreRecord{}, fmt.Errorf("inserting score: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ScoreRecord{}, fmt.Errorf("reading score id: %w", err)
	}

	return ScoreRecord{
		ID:           id,
		IdentityHash: identityHash,
		Score:        score,
		Timestamp:    time.Unix(0, ts.UnixNano()).UTC(),
	}, nil
}

// History returns every record for identityHash, newest first.
func (l *Ledger) History(ctx context.Context, identityHash string) ([]ScoreRecord, error) {
	return l.query(ctx, `
		SELECT id, user_id, score, timestamp FROM scores
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC`,
		identityHash,
	)
}

// Top returns the best limit records across all identities. Equal scores
// rank the earlier achiever first. limit <= 0 means defaultTopLimit.
func (l *Ledger) Top(ctx context.Context, limit int) ([]ScoreRecord, error) {
	if limit <= 0 {
		limit = defaultTopLimit
	}

	return l.query(ctx, `
		SELECT id, user_id, score, timestamp FROM scores
		ORDER BY score DESC, timestamp ASC, id ASC
		LIMIT ?`,
		limit,
	)
}

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]ScoreRecord, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}
	defer rows.Close()

	records := []ScoreRecord{}
	for rows.Next() {
		var (
			r  ScoreRecord
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.IdentityHash, &r.Score, &ns); err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		r.Timestamp = time.Unix(0, ns).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scores: %w", err)
	}

	return records, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
