package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chemlab/pkg/domain"
)

func TestReactantAvailabilityBlocksStart(t *testing.T) {
	logger := &captureLogger{}
	svc, _ := newTestService(t, WithLogger(logger))
	ctx := context.Background()
	inst, err := svc.CreateReaction(ctx, "empty", domain.Vector3{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.StartReaction(ctx, inst.ID)
	requireErrorKind(t, err, domain.ErrKindRuleBlocked)
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected RuleViolationError, got %T", err)
	}
	if !strings.Contains(violation.Error(), RuleReactantAvailability) {
		t.Fatalf("expected rule name in error, got %q", violation.Error())
	}
	got, _ := svc.GetReaction(inst.ID)
	if got.Status != domain.ReactionSetup {
		t.Fatalf("blocked start must not change state, got %s", got.Status)
	}
}

func TestOxidizerReducerMixWarns(t *testing.T) {
	logger := &captureLogger{}
	svc, _ := newTestService(t, WithLogger(logger))
	ctx := context.Background()
	inst, err := svc.CreateReaction(ctx, "redox", domain.Vector3{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := svc.StartReaction(ctx, inst.ID)
	if err != nil {
		t.Fatalf("warnings must not block: %v", err)
	}
	var warned, noticed bool
	for _, v := range res.Violations {
		switch v.Rule {
		case RuleOxidizerReducerMix:
			warned = v.Severity == domain.SeverityWarn && v.EntityID == inst.ID
		case RuleHazardNotice:
			noticed = v.Severity == domain.SeverityLog && v.Message == "hazards present: flammable, oxidizer"
		}
	}
	if !warned || !noticed {
		t.Fatalf("expected warn and hazard notice, got %+v", res.Violations)
	}
	if !logger.has("warn", "rule warning") || !logger.has("info", "rule notice") {
		t.Fatalf("expected violations to be logged")
	}
}

func TestHazardNoticeOnTitrationStart(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(NewHazardNoticeRule())
	repo := testCatalog(t)
	res, err := engine.Evaluate(context.Background(), repo, []domain.Change{
		{Entity: domain.EntityTitrationInstance, Action: domain.ActionStart, DefinitionID: "strong"},
		{Entity: domain.EntityReactionInstance, Action: domain.ActionStart, DefinitionID: "zero"},
		{Entity: domain.EntityReactionInstance, Action: domain.ActionUpdate, DefinitionID: "zero"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Message != "hazards present: corrosive" {
		t.Fatalf("expected only the reaction hazard notice, got %+v", res.Violations)
	}
	if res.HasBlocking() {
		t.Fatalf("notices must not block")
	}
}

type denyRule struct{}

func (denyRule) Name() string { return "deny_titrations" }

func (denyRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		if c.Entity == domain.EntityTitrationInstance {
			res.Violations = append(res.Violations, domain.Violation{Rule: "deny_titrations", Severity: domain.SeverityBlock, Message: "closed", Entity: c.Entity})
		}
	}
	return res, nil
}

func TestCustomRulesEngine(t *testing.T) {
	engine := NewDefaultRulesEngine()
	engine.Register(denyRule{})
	svc, _ := newTestService(t, WithRulesEngine(engine))
	if got := svc.RulesEngine().Rules(); len(got) != 4 || got[3] != "deny_titrations" {
		t.Fatalf("unexpected rules %v", got)
	}
	inst, err := svc.CreateTitration(context.Background(), "strong")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.StartTitration(context.Background(), inst.ID)
	requireErrorKind(t, err, domain.ErrKindRuleBlocked)
}
