package core

import (
	"context"
	"testing"

	"chemlab/pkg/domain"
)

func TestTitrationReachesEndpointOnce(t *testing.T) {
	svc, _ := newTestService(t)
	events, unsubscribe := collectEvents(svc)
	defer unsubscribe()
	ctx := context.Background()

	id := startedTitration(t, svc, "strong")
	inst, _ := svc.GetTitration(id)
	if inst.CurrentPH != 1 || inst.CurrentColor != domain.ColorRed || len(inst.Curve) != 1 {
		t.Fatalf("unexpected starting state %+v", inst)
	}

	for _, v := range []float64{10, 14.9, 0.1} {
		if _, err := svc.AddTitrant(ctx, id, v); err != nil {
			t.Fatalf("add %v: %v", v, err)
		}
	}
	inst, _ = svc.GetTitration(id)
	if !inst.EndpointReached || !almostEqual(inst.EndpointVolume, 24.9, 1e-9) {
		t.Fatalf("expected endpoint at 24.9 mL, got %+v", inst)
	}
	if !almostEqual(inst.CurrentVolume, 50, 1e-9) {
		t.Fatalf("expected 50 mL in flask, got %v", inst.CurrentVolume)
	}
	if got := countEvents(*events, domain.EventEndpointReached); got != 1 {
		t.Fatalf("expected a single endpoint event, got %d", got)
	}
	if got := countEvents(*events, domain.EventTitrantAdded); got != 3 {
		t.Fatalf("expected 3 titrant events, got %d", got)
	}
	if countEvents(*events, domain.EventIndicatorChanged) == 0 {
		t.Fatalf("expected indicator change events")
	}
	for i := 1; i < len(inst.Curve); i++ {
		if inst.Curve[i].Volume < inst.Curve[i-1].Volume {
			t.Fatalf("curve volume decreased at %d", i)
		}
		if inst.Curve[i].PH < inst.Curve[i-1].PH {
			t.Fatalf("curve pH decreased at %d", i)
		}
	}

	res, err := svc.CompleteTitration(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !almostEqual(res.CalculatedConcentration, 0.0996, 1e-12) {
		t.Fatalf("expected 0.0996 mol/L, got %v", res.CalculatedConcentration)
	}
	if !almostEqual(res.PercentageError, 0.4, 1e-9) || !res.IsSuccessful || res.Grade != domain.GradeA {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := svc.Results().GetTitration(id); !ok {
		t.Fatalf("expected persisted titration result")
	}
	_, err = svc.CompleteTitration(ctx, id)
	requireErrorKind(t, err, domain.ErrKindInvalidState)
	_, err = svc.AddTitrant(ctx, id, 1)
	requireErrorKind(t, err, domain.ErrKindInvalidState)
}

func TestTitrationConcentrationFromEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := startedTitration(t, svc, "unit")
	if _, err := svc.AddTitrant(ctx, id, 25); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := svc.CompleteTitration(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.CalculatedConcentration != 1.0 || res.PercentageError != 0 {
		t.Fatalf("expected 1.0 mol/L exactly, got %+v", res)
	}
	if !res.IsSuccessful || res.EndpointPH != 7 {
		t.Fatalf("expected success at pH 7, got %+v", res)
	}
}

func TestTitrationWithoutEndpointFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := startedTitration(t, svc, "weak")
	if _, err := svc.AddTitrant(ctx, id, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := svc.CompleteTitration(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.CalculatedConcentration != 0 || res.IsSuccessful || res.Grade != domain.GradeF || res.PercentageError != 100 {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if got := TitrationScore(res, 100); got != 0 {
		t.Fatalf("missed endpoint should score zero, got %v", got)
	}
}

func TestAddTitrantValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inst, err := svc.CreateTitration(ctx, "strong")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.CurrentVolume != 25 || inst.Status != domain.TitrationSetup {
		t.Fatalf("unexpected new titration %+v", inst)
	}
	_, err = svc.AddTitrant(ctx, inst.ID, 1)
	requireErrorKind(t, err, domain.ErrKindInvalidState)
	if _, err := svc.StartTitration(ctx, inst.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = svc.StartTitration(ctx, inst.ID)
	requireErrorKind(t, err, domain.ErrKindInvalidState)

	_, err = svc.AddTitrant(ctx, inst.ID, 0)
	requireErrorKind(t, err, domain.ErrKindOutOfRange)
	_, err = svc.AddTitrant(ctx, inst.ID, -2)
	requireErrorKind(t, err, domain.ErrKindOutOfRange)
	_, err = svc.AddTitrant(ctx, inst.ID, 51)
	requireErrorKind(t, err, domain.ErrKindOutOfRange)
	if _, err := svc.AddTitrant(ctx, inst.ID, 50); err != nil {
		t.Fatalf("a full burette should be accepted: %v", err)
	}
	_, err = svc.AddTitrant(ctx, "missing", 1)
	requireErrorKind(t, err, domain.ErrKindNotFound)
	_, err = svc.CreateTitration(ctx, "missing")
	requireErrorKind(t, err, domain.ErrKindNotFound)
}

func TestCompleteTitrationZeroAnalyteVolume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := startedTitration(t, svc, "novolume")
	if _, err := svc.AddTitrant(ctx, id, 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := svc.CompleteTitration(ctx, id)
	requireErrorKind(t, err, domain.ErrKindDivision)
	inst, _ := svc.GetTitration(id)
	if inst.Status != domain.TitrationInProgress {
		t.Fatalf("failed completion must not change state, got %s", inst.Status)
	}
}

func TestTitrationCapacityAndRelease(t *testing.T) {
	svc, _ := newTestService(t, WithLimits(Limits{MaxActiveTitrations: 1}))
	ctx := context.Background()
	id := startedTitration(t, svc, "weak")
	_, err := svc.CreateTitration(ctx, "weak")
	requireErrorKind(t, err, domain.ErrKindCapacity)
	requireErrorKind(t, svc.ReleaseTitration(ctx, id), domain.ErrKindInvalidState)

	if err := svc.StopTitration(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireErrorKind(t, svc.StopTitration(ctx, id), domain.ErrKindInvalidState)
	if _, err := svc.CreateTitration(ctx, "weak"); err != nil {
		t.Fatalf("stopped titrations should free capacity: %v", err)
	}
	if err := svc.ReleaseTitration(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := len(svc.ListTitrations()); got != 1 {
		t.Fatalf("expected 1 tracked titration, got %d", got)
	}
}

func TestTitrationPHModel(t *testing.T) {
	for _, start := range []float64{StartingPH(domain.AnalyteStrongAcid), StartingPH(domain.AnalyteWeakBase)} {
		prev := TitrationPH(start, 0)
		if prev != start {
			t.Fatalf("expected pH %v at zero progress, got %v", start, prev)
		}
		for p := 0.01; p <= 2; p += 0.01 {
			ph := TitrationPH(start, p)
			if ph < prev-1e-12 {
				t.Fatalf("start %v: pH decreased at %v (%v < %v)", start, p, ph, prev)
			}
			if ph > 13 {
				t.Fatalf("pH %v above plateau at %v", ph, p)
			}
			prev = ph
		}
	}
	cases := []struct {
		progress float64
		want     float64
	}{
		{0.45, 3.75},
		{0.9, 6.5},
		{1.0, 7},
		{1.05, 9.5},
		{1.1, 12},
	}
	for _, tc := range cases {
		if got := TitrationPH(1, tc.progress); !almostEqual(got, tc.want, 1e-9) {
			t.Errorf("TitrationPH(1, %v) = %v, want %v", tc.progress, got, tc.want)
		}
	}
	if got := StartingPH(domain.AnalyteWeakAcid); got != 7 {
		t.Fatalf("expected neutral start for weak acid, got %v", got)
	}
}

func TestColorForPH(t *testing.T) {
	cases := map[float64]domain.IndicatorColor{
		1:  domain.ColorRed,
		4:  domain.ColorOrange,
		7:  domain.ColorYellow,
		9:  domain.ColorBlue,
		12: domain.ColorPurple,
	}
	for ph, want := range cases {
		if got := domain.ColorForPH(ph); got != want {
			t.Errorf("ColorForPH(%v) = %s, want %s", ph, got, want)
		}
	}
}
