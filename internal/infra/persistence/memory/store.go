// Package memory provides the in-memory result store that the durable
// drivers wrap. State is grouped into named buckets so it can be snapshotted
// as one JSON payload per bucket.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chemlab/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.ResultStore = (*Store)(nil)

// Bucket names used by snapshot persistence.
const (
	BucketReactions    = "reactions"
	BucketTitrations   = "titrations"
	BucketMeasurements = "measurements"
	BucketAssessments  = "assessments"
)

// Buckets lists every bucket in persistence order.
var Buckets = []string{BucketReactions, BucketTitrations, BucketMeasurements, BucketAssessments}

// Snapshot is the complete persisted state.
type Snapshot struct {
	Reactions    map[string]domain.ReactionResult        `json:"reactions"`
	Titrations   map[string]domain.TitrationResult       `json:"titrations"`
	Measurements map[string]domain.MeasurementStatistics `json:"measurements"`
	Assessments  map[string]domain.AssessmentResult      `json:"assessments"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Reactions:    make(map[string]domain.ReactionResult),
		Titrations:   make(map[string]domain.TitrationResult),
		Measurements: make(map[string]domain.MeasurementStatistics),
		Assessments:  make(map[string]domain.AssessmentResult),
	}
}

func (s *Snapshot) target(bucket string) (any, bool) {
	switch bucket {
	case BucketReactions:
		return &s.Reactions, true
	case BucketTitrations:
		return &s.Titrations, true
	case BucketMeasurements:
		return &s.Measurements, true
	case BucketAssessments:
		return &s.Assessments, true
	default:
		return nil, false
	}
}

// EncodeBucket marshals one bucket of the snapshot.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target, ok := s.target(bucket)
	if !ok {
		return nil, fmt.Errorf("unknown bucket %s", bucket)
	}
	return json.Marshal(target)
}

// DecodeSnapshot rebuilds a snapshot from bucket payloads. Unknown buckets
// are ignored so older databases keep loading.
func DecodeSnapshot(payloads map[string][]byte) (Snapshot, error) {
	snap := newSnapshot()
	for bucket, payload := range payloads {
		if len(payload) == 0 {
			continue
		}
		target, ok := snap.target(bucket)
		if !ok {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	snap.normalize()
	return snap, nil
}

func (s *Snapshot) normalize() {
	if s.Reactions == nil {
		s.Reactions = make(map[string]domain.ReactionResult)
	}
	if s.Titrations == nil {
		s.Titrations = make(map[string]domain.TitrationResult)
	}
	if s.Measurements == nil {
		s.Measurements = make(map[string]domain.MeasurementStatistics)
	}
	if s.Assessments == nil {
		s.Assessments = make(map[string]domain.AssessmentResult)
	}
}

// Store keeps finalized results in memory.
type Store struct {
	mu    sync.RWMutex
	state Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newSnapshot()}
}

func duplicate(bucket, id string) error {
	return fmt.Errorf("%s result %s already recorded", bucket, id)
}

func requireID(bucket, id string) error {
	if id == "" {
		return fmt.Errorf("%s result: instance id required", bucket)
	}
	return nil
}

// SaveReaction records a reaction result.
func (s *Store) SaveReaction(_ context.Context, r domain.ReactionResult) error {
	if err := requireID(BucketReactions, r.InstanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Reactions[r.InstanceID]; ok {
		return duplicate(BucketReactions, r.InstanceID)
	}
	s.state.Reactions[r.InstanceID] = r.Clone()
	return nil
}

// SaveTitration records a titration result.
func (s *Store) SaveTitration(_ context.Context, r domain.TitrationResult) error {
	if err := requireID(BucketTitrations, r.InstanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Titrations[r.InstanceID]; ok {
		return duplicate(BucketTitrations, r.InstanceID)
	}
	s.state.Titrations[r.InstanceID] = r.Clone()
	return nil
}

// SaveMeasurement records measurement statistics.
func (s *Store) SaveMeasurement(_ context.Context, m domain.MeasurementStatistics) error {
	if err := requireID(BucketMeasurements, m.InstanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Measurements[m.InstanceID]; ok {
		return duplicate(BucketMeasurements, m.InstanceID)
	}
	s.state.Measurements[m.InstanceID] = m.Clone()
	return nil
}

// SaveAssessment records an assessment result.
func (s *Store) SaveAssessment(_ context.Context, a domain.AssessmentResult) error {
	if err := requireID(BucketAssessments, a.InstanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Assessments[a.InstanceID]; ok {
		return duplicate(BucketAssessments, a.InstanceID)
	}
	s.state.Assessments[a.InstanceID] = a.Clone()
	return nil
}

// Discard removes a record. Durable drivers use it to undo a save whose
// snapshot write failed.
func (s *Store) Discard(bucket, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch bucket {
	case BucketReactions:
		delete(s.state.Reactions, id)
	case BucketTitrations:
		delete(s.state.Titrations, id)
	case BucketMeasurements:
		delete(s.state.Measurements, id)
	case BucketAssessments:
		delete(s.state.Assessments, id)
	}
}

func (s *Store) GetReaction(id string) (domain.ReactionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Reactions[id]
	return r.Clone(), ok
}

func (s *Store) GetTitration(id string) (domain.TitrationResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Titrations[id]
	return r.Clone(), ok
}

func (s *Store) GetMeasurement(id string) (domain.MeasurementStatistics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.Measurements[id]
	return m.Clone(), ok
}

func (s *Store) GetAssessment(id string) (domain.AssessmentResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.Assessments[id]
	return a.Clone(), ok
}

// ListReactions returns reaction results ordered by completion time.
func (s *Store) ListReactions() []domain.ReactionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReactionResult, 0, len(s.state.Reactions))
	for _, r := range s.state.Reactions {
		out = append(out, r.Clone())
	}
	sortByCompletion(out, func(r domain.ReactionResult) (time.Time, string) { return r.CompletedAt, r.InstanceID })
	return out
}

// ListTitrations returns titration results ordered by completion time.
func (s *Store) ListTitrations() []domain.TitrationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TitrationResult, 0, len(s.state.Titrations))
	for _, r := range s.state.Titrations {
		out = append(out, r.Clone())
	}
	sortByCompletion(out, func(r domain.TitrationResult) (time.Time, string) { return r.CompletedAt, r.InstanceID })
	return out
}

// ListMeasurements returns measurement statistics ordered by completion time.
func (s *Store) ListMeasurements() []domain.MeasurementStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MeasurementStatistics, 0, len(s.state.Measurements))
	for _, m := range s.state.Measurements {
		out = append(out, m.Clone())
	}
	sortByCompletion(out, func(m domain.MeasurementStatistics) (time.Time, string) { return m.CompletedAt, m.InstanceID })
	return out
}

// ListAssessments returns assessment results ordered by completion time.
func (s *Store) ListAssessments() []domain.AssessmentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AssessmentResult, 0, len(s.state.Assessments))
	for _, a := range s.state.Assessments {
		out = append(out, a.Clone())
	}
	sortByCompletion(out, func(a domain.AssessmentResult) (time.Time, string) { return a.CompletedAt, a.InstanceID })
	return out
}

// ExportState returns a deep copy of the store contents.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := newSnapshot()
	for k, v := range s.state.Reactions {
		out.Reactions[k] = v.Clone()
	}
	for k, v := range s.state.Titrations {
		out.Titrations[k] = v.Clone()
	}
	for k, v := range s.state.Measurements {
		out.Measurements[k] = v.Clone()
	}
	for k, v := range s.state.Assessments {
		out.Assessments[k] = v.Clone()
	}
	return out
}

// ImportState replaces the store contents.
func (s *Store) ImportState(snap Snapshot) {
	snap.normalize()
	s.mu.Lock()
	s.state = snap
	s.mu.Unlock()
}

func sortByCompletion[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
