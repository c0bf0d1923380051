// Package postgres persists lab results to Postgres as JSONB bucket
// snapshots while serving reads from the in-memory store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"chemlab/internal/infra/persistence/memory"
	"chemlab/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.ResultStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/chemlab?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store wraps the in-memory store and upserts the affected bucket after
// every successful save.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// ensures the state table exists, and hydrates from any existing snapshot.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	payloads := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		payloads[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return memory.DecodeSnapshot(payloads)
}

func (s *Store) persist(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.ExportState().EncodeBucket(bucket)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`,
		bucket, data); err != nil {
		return fmt.Errorf("upsert %s: %w", bucket, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
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

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
