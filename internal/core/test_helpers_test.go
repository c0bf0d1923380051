package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chemlab/internal/catalog"
	"chemlab/pkg/domain"
)

var testEpoch = time.Date(2024, 10, 1, 8, 30, 0, 0, time.UTC)

// stubClock is a manually advanced clock.
type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStubClock() *stubClock { return &stubClock{t: testEpoch} }

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fixedRand always returns v, so noise is (2v-1)*accuracy.
type fixedRand struct{ v float64 }

func (f fixedRand) Float64() float64 { return f.v }

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

// testDocument is a small catalog whose reactions use zero-order kinetics
// with no activation energy, so each tick advances progress by exactly k·dt.
func testDocument() catalog.Document {
	return catalog.Document{
		Chemicals: []domain.ChemicalProperties{
			{ID: "a", Name: "Reagent A", Formula: "NaA", Concentration: 1, Hazards: []string{"corrosive"}},
			{ID: "p", Name: "Product P", Formula: "P"},
			{ID: "ox", Name: "Oxidizer", Formula: "KOx", Concentration: 1, IsOxidizing: true, Hazards: []string{"oxidizer"}},
			{ID: "red", Name: "Reducer", Formula: "Red", Concentration: 1, IsReducing: true, Hazards: []string{"flammable"}},
			{ID: "acid", Name: "Test acid", Formula: "HX", Concentration: 0.1, IsAcid: true},
			{ID: "base", Name: "Test base", Formula: "NaOH", Concentration: 0.1, IsBase: true},
			{ID: "water", Name: "Water", Formula: "H2O"},
		},
		Reactions: []domain.ReactionDefinition{
			{
				ID:           "zero",
				Reactants:    []domain.Species{{ChemicalID: "a", Coefficient: 1, InitialConcentration: 1}},
				Products:     []domain.Species{{ChemicalID: "p", Coefficient: 1}},
				RateConstant: 0.1,
			},
			{
				ID:                  "equil",
				Reactants:           []domain.Species{{ChemicalID: "a", Coefficient: 1, InitialConcentration: 1}},
				Products:            []domain.Species{{ChemicalID: "p", Coefficient: 1}},
				RateConstant:        0.2,
				EquilibriumProgress: 0.5,
			},
			{
				ID:                 "warm",
				Reactants:          []domain.Species{{ChemicalID: "a", Coefficient: 2, InitialConcentration: 1}},
				Products:           []domain.Species{{ChemicalID: "p", Coefficient: 1}},
				RateConstant:       0.1,
				InitialTemperature: 30,
				IsExothermic:       true,
				HeatGenerated:      10,
				HeatCapacityFactor: 0.5,
			},
			{
				ID:                 "hot",
				Reactants:          []domain.Species{{ChemicalID: "a", Coefficient: 1, InitialConcentration: 1}},
				Products:           []domain.Species{{ChemicalID: "p", Coefficient: 1}},
				RateConstant:       0.5,
				IsExothermic:       true,
				HeatGenerated:      100,
				MaxTemperature:     60,
				InitialTemperature: 25,
			},
			{
				ID:           "empty",
				Reactants:    []domain.Species{{ChemicalID: "a", Coefficient: 1, InitialConcentration: 0}},
				Products:     []domain.Species{{ChemicalID: "p", Coefficient: 1}},
				RateConstant: 0.1,
			},
			{
				ID: "redox",
				Reactants: []domain.Species{
					{ChemicalID: "ox", Coefficient: 1, InitialConcentration: 1},
					{ChemicalID: "red", Coefficient: 1, InitialConcentration: 1},
				},
				Products:     []domain.Species{{ChemicalID: "p", Coefficient: 1}},
				RateConstant: 0.1,
			},
		},
		Titrations: []domain.TitrationDefinition{
			{
				ID: "strong", AnalyteID: "acid", TitrantID: "base", AnalyteType: domain.AnalyteStrongAcid,
				AnalyteVolume: 25, AnalyteConcentration: 0.1, TitrantConcentration: 0.1,
				ExpectedEndpoint: 25, EndpointThreshold: 0.1, AcceptableError: 0.5, BuretteCapacity: 50,
			},
			{
				ID: "unit", AnalyteID: "acid", TitrantID: "base", AnalyteType: domain.AnalyteStrongAcid,
				AnalyteVolume: 25, AnalyteConcentration: 1.0, TitrantConcentration: 1.0,
				ExpectedEndpoint: 25, EndpointThreshold: 0.1,
			},
			{
				ID: "weak", AnalyteID: "acid", TitrantID: "base", AnalyteType: domain.AnalyteWeakAcid,
				AnalyteVolume: 20, AnalyteConcentration: 0.1, TitrantConcentration: 0.1,
				ExpectedEndpoint: 20, EndpointThreshold: 0.2, AcceptableError: 1,
			},
			{
				ID: "novolume", AnalyteID: "acid", TitrantID: "base", AnalyteType: domain.AnalyteStrongAcid,
				AnalyteConcentration: 0.1, TitrantConcentration: 0.1, ExpectedEndpoint: 10, EndpointThreshold: 0.1,
			},
		},
		MeasurementTypes: []domain.MeasurementType{
			{ID: "voltmeter", Unit: "mV", MinValue: 0, MaxValue: 100, Precision: 0.1, MaxDataPoints: 3},
			{ID: "meter", Unit: "pH", MinValue: 0, MaxValue: 14, Precision: 0.01, Accuracy: 0.1, RequiresCalibration: true, CalibrationInterval: time.Hour},
			{ID: "scale", Unit: "g", MinValue: 0, MaxValue: 1000},
			{ID: "gauge", Unit: "Pa", MinValue: 0, MaxValue: 1e9, MaxDataPoints: 5},
		},
		Criteria: []domain.Criterion{
			{ID: "c1", Name: "Accuracy", MaxScore: 100, Weight: 1},
			{ID: "c2", Name: "Technique", MaxScore: 100, Weight: 3},
			{ID: "c3", Name: "Safety", MaxScore: 100, Weight: 2},
		},
	}
}

func testCatalog(t *testing.T) *catalog.Repository {
	t.Helper()
	repo := catalog.NewStatic(testDocument())
	if err := repo.LoadAll(context.Background()); err != nil {
		t.Fatalf("load test catalog: %v", err)
	}
	return repo
}

// newTestService builds a service over the test catalog with a stub clock and
// noise-free measurements.
func newTestService(t *testing.T, opts ...Option) (*Service, *stubClock) {
	t.Helper()
	clock := newStubClock()
	base := []Option{WithClock(clock), WithRandSource(fixedRand{v: 0.5})}
	return NewService(testCatalog(t), nil, append(base, opts...)...), clock
}

func requireErrorKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
}

func startedReaction(t *testing.T, svc *Service, reactionID string) string {
	t.Helper()
	ctx := context.Background()
	inst, err := svc.CreateReaction(ctx, reactionID, domain.Vector3{})
	if err != nil {
		t.Fatalf("create reaction %s: %v", reactionID, err)
	}
	if _, err := svc.StartReaction(ctx, inst.ID); err != nil {
		t.Fatalf("start reaction %s: %v", reactionID, err)
	}
	return inst.ID
}

func startedTitration(t *testing.T, svc *Service, titrationID string) string {
	t.Helper()
	ctx := context.Background()
	inst, err := svc.CreateTitration(ctx, titrationID)
	if err != nil {
		t.Fatalf("create titration %s: %v", titrationID, err)
	}
	if _, err := svc.StartTitration(ctx, inst.ID); err != nil {
		t.Fatalf("start titration %s: %v", titrationID, err)
	}
	return inst.ID
}

func collectEvents(svc *Service) (*[]domain.Event, func()) {
	var (
		mu     sync.Mutex
		events []domain.Event
	)
	unsubscribe := svc.Events().Subscribe(func(ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return &events, unsubscribe
}

func countEvents(events []domain.Event, typ domain.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func almostEqual(a, b, tol float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}
