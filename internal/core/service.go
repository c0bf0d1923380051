package core

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chemlab/internal/catalog"
	"chemlab/internal/infra/persistence/memory"
	"chemlab/pkg/domain"
)

// Limits tunes the simulation. Zero values fall back to DefaultLimits.
type Limits struct {
	MaxActiveReactions      int
	MaxActiveTitrations     int
	MaxActiveMeasurements   int
	SpeedMultiplier         float64
	TemperatureMultiplier   float64
	DefaultTemperature      float64
	DefaultAcceptableError  float64
	DefaultOutlierThreshold float64
	DefaultMaxDataPoints    int
	PassingThreshold        float64
	ExcellentThreshold      float64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxActiveReactions:      10,
		MaxActiveTitrations:     5,
		MaxActiveMeasurements:   20,
		SpeedMultiplier:         1,
		TemperatureMultiplier:   1,
		DefaultTemperature:      25,
		DefaultAcceptableError:  0.5,
		DefaultOutlierThreshold: 2.0,
		DefaultMaxDataPoints:    1000,
		PassingThreshold:        0.7,
		ExcellentThreshold:      0.9,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxActiveReactions <= 0 {
		l.MaxActiveReactions = d.MaxActiveReactions
	}
	if l.MaxActiveTitrations <= 0 {
		l.MaxActiveTitrations = d.MaxActiveTitrations
	}
	if l.MaxActiveMeasurements <= 0 {
		l.MaxActiveMeasurements = d.MaxActiveMeasurements
	}
	if l.SpeedMultiplier <= 0 {
		l.SpeedMultiplier = d.SpeedMultiplier
	}
	if l.TemperatureMultiplier <= 0 {
		l.TemperatureMultiplier = d.TemperatureMultiplier
	}
	if l.DefaultTemperature == 0 {
		l.DefaultTemperature = d.DefaultTemperature
	}
	if l.DefaultAcceptableError <= 0 {
		l.DefaultAcceptableError = d.DefaultAcceptableError
	}
	if l.DefaultOutlierThreshold <= 0 {
		l.DefaultOutlierThreshold = d.DefaultOutlierThreshold
	}
	if l.DefaultMaxDataPoints <= 0 {
		l.DefaultMaxDataPoints = d.DefaultMaxDataPoints
	}
	if l.PassingThreshold <= 0 {
		l.PassingThreshold = d.PassingThreshold
	}
	if l.ExcellentThreshold <= 0 {
		l.ExcellentThreshold = d.ExcellentThreshold
	}
	return l
}

// Service is the process-wide lab context. It owns every active-instance
// table and serializes all mutations behind one mutex.
type Service struct {
	mu           sync.Mutex
	catalog      domain.ReferenceRepository
	results      domain.ResultStore
	engine       *domain.RulesEngine
	bus          *EventBus
	limits       Limits
	reactions    map[string]*domain.ReactionInstance
	titrations   map[string]*domain.TitrationInstance
	measurements map[string]*measurementState
	assessments  map[string]*domain.AssessmentInstance
	clock        Clock
	logger       Logger
	audit        AuditRecorder
	metrics      MetricsRecorder
	tracer       Tracer
	rng          RandSource
}

// Option configures optional service dependencies.
type Option func(*Service)

// WithClock overrides the clock used for timestamps.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger routes service logs to logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditRecorder records an AuditEntry for every operation.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder observes operation latency and outcome.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer wraps every operation in a span.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithRandSource injects the random source used for measurement noise and
// inconclusive flame tests.
func WithRandSource(src RandSource) Option {
	return func(s *Service) {
		if src != nil {
			s.rng = src
		}
	}
}

// WithLimits overrides simulation limits. Zero fields keep their defaults.
func WithLimits(limits Limits) Option {
	return func(s *Service) {
		s.limits = limits.withDefaults()
	}
}

// WithRulesEngine replaces the default rules engine.
func WithRulesEngine(engine *domain.RulesEngine) Option {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithEventBus shares an existing bus with the service.
func WithEventBus(bus *EventBus) Option {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// NewService constructs a service over the supplied reference data and result
// store. A nil store selects an in-memory store.
func NewService(refs domain.ReferenceRepository, results domain.ResultStore, opts ...Option) *Service {
	if results == nil {
		results = memory.NewStore()
	}
	svc := &Service{
		catalog:      refs,
		results:      results,
		engine:       NewDefaultRulesEngine(),
		limits:       DefaultLimits(),
		reactions:    make(map[string]*domain.ReactionInstance),
		titrations:   make(map[string]*domain.TitrationInstance),
		measurements: make(map[string]*measurementState),
		assessments:  make(map[string]*domain.AssessmentInstance),
		clock:        ClockFunc(nil),
		logger:       noopLogger{},
		audit:        noopAuditRecorder{},
		metrics:      noopMetricsRecorder{},
		tracer:       noopTracer{},
		rng:          rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x636865)),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.bus == nil {
		svc.bus = NewEventBus(svc.logger)
	}
	return svc
}

// NewInMemoryService builds a service over the embedded default catalog and
// an in-memory result store.
func NewInMemoryService(opts ...Option) *Service {
	return NewService(catalog.MustDefault(), memory.NewStore(), opts...)
}

// Catalog returns the reference repository.
func (s *Service) Catalog() domain.ReferenceRepository { return s.catalog }

// Results returns the result store.
func (s *Service) Results() domain.ResultStore { return s.results }

// Events returns the bus on which engine events are published.
func (s *Service) Events() *EventBus { return s.bus }

// RulesEngine exposes the rules engine so hosts can register additional rules.
func (s *Service) RulesEngine() *domain.RulesEngine { return s.engine }

// Limits returns the effective simulation limits.
func (s *Service) Limits() Limits { return s.limits }

type operationMeta struct {
	entity domain.EntityType
	action domain.Action
}

var operationMetadata = map[string]operationMeta{
	"create_reaction":          {domain.EntityReactionInstance, domain.ActionCreate},
	"start_reaction":           {domain.EntityReactionInstance, domain.ActionStart},
	"tick_reaction":            {domain.EntityReactionInstance, domain.ActionUpdate},
	"tick_all":                 {domain.EntityReactionInstance, domain.ActionUpdate},
	"set_reaction_temperature": {domain.EntityReactionInstance, domain.ActionUpdate},
	"add_catalyst":             {domain.EntityReactionInstance, domain.ActionUpdate},
	"complete_reaction":        {domain.EntityReactionInstance, domain.ActionComplete},
	"stop_reaction":            {domain.EntityReactionInstance, domain.ActionStop},
	"release_reaction":         {domain.EntityReactionInstance, domain.ActionRelease},
	"create_titration":         {domain.EntityTitrationInstance, domain.ActionCreate},
	"start_titration":          {domain.EntityTitrationInstance, domain.ActionStart},
	"add_titrant":              {domain.EntityTitrationInstance, domain.ActionUpdate},
	"complete_titration":       {domain.EntityTitrationInstance, domain.ActionComplete},
	"stop_titration":           {domain.EntityTitrationInstance, domain.ActionStop},
	"release_titration":        {domain.EntityTitrationInstance, domain.ActionRelease},
	"create_measurement":       {domain.EntityMeasurementInstance, domain.ActionCreate},
	"take_measurement":         {domain.EntityMeasurementInstance, domain.ActionUpdate},
	"calibrate_instrument":     {domain.EntityMeasurementInstance, domain.ActionUpdate},
	"begin_reading":            {domain.EntityMeasurementInstance, domain.ActionStart},
	"end_reading":              {domain.EntityMeasurementInstance, domain.ActionStop},
	"complete_measurement":     {domain.EntityMeasurementInstance, domain.ActionComplete},
	"release_measurement":      {domain.EntityMeasurementInstance, domain.ActionRelease},
	"create_assessment":        {domain.EntityAssessmentInstance, domain.ActionCreate},
	"update_criterion_score":   {domain.EntityAssessmentInstance, domain.ActionUpdate},
	"apply_titration_result":   {domain.EntityAssessmentInstance, domain.ActionUpdate},
	"apply_reaction_result":    {domain.EntityAssessmentInstance, domain.ActionUpdate},
	"apply_measurement_result": {domain.EntityAssessmentInstance, domain.ActionUpdate},
	"complete_assessment":      {domain.EntityAssessmentInstance, domain.ActionComplete},
	"release_assessment":       {domain.EntityAssessmentInstance, domain.ActionRelease},
	"flame_test":               {domain.EntityChemical, domain.ActionRead},
}

// run executes fn under the service lock and reports the outcome to the
// configured tracer, metrics, audit and logger. Events returned by fn are
// published after the lock is released.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (string, []domain.Event, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	entityID, events, err := func() (string, []domain.Event, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(ctx)
	}()
	duration := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)

	meta := operationMetadata[op]
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Error("chemlab operation failed", "operation", op, "entity_id", entityID, "error", err)
	} else {
		s.logger.Debug("chemlab operation", "operation", op, "entity_id", entityID, "duration", duration)
	}
	s.audit.Record(ctx, entry)

	for _, ev := range events {
		s.bus.Publish(ev)
	}
	return err
}

func (s *Service) newEvent(typ domain.EventType, entity domain.EntityType, instanceID, definitionID string, payload map[string]any) domain.Event {
	return domain.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		Entity:       entity,
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		OccurredAt:   s.clock.Now(),
		Payload:      payload,
	}
}

// evaluate runs the rules engine against a single change. Non-blocking
// violations are logged and returned to the caller.
func (s *Service) evaluate(ctx context.Context, change domain.Change) (domain.Result, error) {
	res, err := s.engine.Evaluate(ctx, s.catalog, []domain.Change{change})
	if err != nil {
		return domain.Result{}, err
	}
	for _, v := range res.Violations {
		switch v.Severity {
		case domain.SeverityWarn:
			s.logger.Warn("rule warning", "rule", v.Rule, "entity_id", v.EntityID, "message", v.Message)
		case domain.SeverityLog:
			s.logger.Info("rule notice", "rule", v.Rule, "entity_id", v.EntityID, "message", v.Message)
		}
	}
	if res.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}
	return res, nil
}

func (s *Service) now() *time.Time {
	t := s.clock.Now()
	return &t
}

// sortedKeys returns map keys in ascending order so batch operations are
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortByCreation[T any](items []T, created func(T) time.Time, id func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return id(items[i]) < id(items[j])
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
