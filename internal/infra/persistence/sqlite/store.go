// Package sqlite persists lab results to a single SQLite table holding one
// JSON payload per bucket.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chemlab/internal/infra/persistence/memory"
	"chemlab/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.ResultStore = (*Store)(nil)

const defaultPath = "chemlab.db"

// Store wraps the in-memory store and rewrites the affected bucket after
// every successful save.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the store.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	payloads := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		payloads[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	snapshot, err := memory.DecodeSnapshot(payloads)
	if err != nil {
		return err
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.ExportState().EncodeBucket(bucket)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
		bucket, data); err != nil {
		return fmt.Errorf("upsert %s: %w", bucket, err)
	}
	return nil
}

func (s *Store) commit(ctx context.Context, bucket, id string, save func() error) error {
	if err := save(); err != nil {
		return err
	}
	if err := s.persist(ctx, bucket); err != nil {
		s.Discard(bucket, id)
		return err
	}
	return nil
}

// SaveReaction records the result and snapshots the reactions bucket.
func (s *Store) SaveReaction(ctx context.Context, r domain.ReactionResult) error {
	return s.commit(ctx, memory.BucketReactions, r.InstanceID, func() error { return s.Store.SaveReaction(ctx, r) })
}

// SaveTitration records the result and snapshots the titrations bucket.
func (s *Store) SaveTitration(ctx context.Context, r domain.TitrationResult) error {
	return s.commit(ctx, memory.BucketTitrations, r.InstanceID, func() error { return s.Store.SaveTitration(ctx, r) })
}

// SaveMeasurement records the statistics and snapshots the measurements bucket.
func (s *Store) SaveMeasurement(ctx context.Context, m domain.MeasurementStatistics) error {
	return s.commit(ctx, memory.BucketMeasurements, m.InstanceID, func() error { return s.Store.SaveMeasurement(ctx, m) })
}

// SaveAssessment records the result and snapshots the assessments bucket.
func (s *Store) SaveAssessment(ctx context.Context, a domain.AssessmentResult) error {
	return s.commit(ctx, memory.BucketAssessments, a.InstanceID, func() error { return s.Store.SaveAssessment(ctx, a) })
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
