// Package sqlite archives aggregate price points durably so the rolling
// history can be warm-started after a restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"silverfeed/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 64
	defaultFlushDelay = 500 * time.Millisecond
)

// ArchiveConfig configures the SQLite archive.
type ArchiveConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/silver.db"
}

// Archive is a single-goroutine SQLite writer with transaction batching.
type Archive struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// New creates a new Archive, initializes the database with WAL mode and schema.
func New(cfg ArchiveConfig) (*Archive, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer discipline
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened archive at %s", cfg.DBPath)
	return &Archive{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spot_points (
			ts        INTEGER PRIMARY KEY,
			price     REAL    NOT NULL,
			breakdown TEXT
		);
	`)
	return err
}

// Run reads points from ch and inserts them in batched transactions.
// Flushes every batchSize points OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (a *Archive) Run(ctx context.Context, ch <-chan model.PricePoint) {
	batch := make([]model.PricePoint, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.insertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case p, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, p)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of points in a single transaction.
func (a *Archive) insertBatch(points []model.PricePoint) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO spot_points (ts, price, breakdown)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		var breakdown []byte
		if len(p.ExchangeBreakdown) > 0 {
			breakdown, _ = json.Marshal(p.ExchangeBreakdown)
		}
		if _, err := stmt.Exec(p.TS.Unix(), p.Price, string(breakdown)); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ReadSince returns archived points with ts >= the given Unix timestamp,
// oldest first.
func (a *Archive) ReadSince(ts int64) ([]model.PricePoint, error) {
	rows, err := a.db.Query(
		`SELECT ts, price, breakdown FROM spot_points WHERE ts >= ? ORDER BY ts ASC`,
		ts,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite read since %d: %w", ts, err)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var (
			unix      int64
			price     float64
			breakdown sql.NullString
		)
		if err := rows.Scan(&unix, &price, &breakdown); err != nil {
			return nil, err
		}
		p := model.PricePoint{TS: time.Unix(unix, 0).UTC(), Price: price}
		if breakdown.Valid && breakdown.String != "" {
			var m map[model.Exchange]float64
			if json.Unmarshal([]byte(breakdown.String), &m) == nil {
				p.ExchangeBreakdown = m
			}
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Prune deletes points older than the given Unix timestamp.
func (a *Archive) Prune(ts int64) error {
	_, err := a.db.Exec(`DELETE FROM spot_points WHERE ts < ?`, ts)
	return err
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
