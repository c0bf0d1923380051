package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"chemlab/pkg/domain"
)

// Built-in rule names.
const (
	RuleReactantAvailability = "reactant_availability"
	RuleOxidizerReducerMix   = "oxidizer_reducer_mix"
	RuleHazardNotice         = "hazard_notice"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewReactantAvailabilityRule())
	engine.Register(NewOxidizerReducerMixRule())
	engine.Register(NewHazardNoticeRule())
	return engine
}

// NewReactantAvailabilityRule blocks starting a reaction while any reactant
// concentration is not positive.
func NewReactantAvailabilityRule() domain.Rule {
	return reactantAvailabilityRule{}
}

type reactantAvailabilityRule struct{}

func (reactantAvailabilityRule) Name() string { return RuleReactantAvailability }

func (reactantAvailabilityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityReactionInstance || change.Action != domain.ActionStart || change.Reaction == nil {
			continue
		}
		def, ok := view.Reaction(change.DefinitionID)
		if !ok {
			return domain.Result{}, domain.ErrNotFound{Entity: domain.EntityReaction, ID: change.DefinitionID}
		}
		for _, sp := range def.Reactants {
			if c := change.Reaction.ReactantConcentrations[sp.ChemicalID]; c <= 0 {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     RuleReactantAvailability,
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("insufficient reactant %s (concentration %g)", sp.ChemicalID, c),
					Entity:   domain.EntityReactionInstance,
					EntityID: change.InstanceID,
				})
			}
		}
	}
	return res, nil
}

// NewOxidizerReducerMixRule warns when a reaction combines an oxidizer with a
// reducing agent.
func NewOxidizerReducerMixRule() domain.Rule {
	return oxidizerReducerMixRule{}
}

type oxidizerReducerMixRule struct{}

func (oxidizerReducerMixRule) Name() string { return RuleOxidizerReducerMix }

func (oxidizerReducerMixRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityReactionInstance || change.Action != domain.ActionStart {
			continue
		}
		def, ok := view.Reaction(change.DefinitionID)
		if !ok {
			continue
		}
		var oxidizers, reducers []string
		for _, sp := range def.Reactants {
			chem, ok := view.Chemical(sp.ChemicalID)
			if !ok {
				continue
			}
			if chem.IsOxidizing {
				oxidizers = append(oxidizers, chem.ID)
			}
			if chem.IsReducing {
				reducers = append(reducers, chem.ID)
			}
		}
		if len(oxidizers) > 0 && len(reducers) > 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     RuleOxidizerReducerMix,
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("oxidizer %s combined with reducer %s", strings.Join(oxidizers, ","), strings.Join(reducers, ",")),
				Entity:   domain.EntityReactionInstance,
				EntityID: change.InstanceID,
			})
		}
	}
	return res, nil
}

// NewHazardNoticeRule records hazard classes of the chemicals handled when a
// reaction or titration starts.
func NewHazardNoticeRule() domain.Rule {
	return hazardNoticeRule{}
}

type hazardNoticeRule struct{}

func (hazardNoticeRule) Name() string { return RuleHazardNotice }

func (hazardNoticeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action != domain.ActionStart {
			continue
		}
		var chemicalIDs []string
		switch change.Entity {
		case domain.EntityReactionInstance:
			def, ok := view.Reaction(change.DefinitionID)
			if !ok {
				continue
			}
			for _, sp := range def.Reactants {
				chemicalIDs = append(chemicalIDs, sp.ChemicalID)
			}
		case domain.EntityTitrationInstance:
			def, ok := view.Titration(change.DefinitionID)
			if !ok {
				continue
			}
			chemicalIDs = append(chemicalIDs, def.AnalyteID, def.TitrantID)
		default:
			continue
		}
		hazards := make(map[string]struct{})
		for _, id := range chemicalIDs {
			chem, ok := view.Chemical(id)
			if !ok {
				continue
			}
			for _, h := range chem.Hazards {
				hazards[h] = struct{}{}
			}
		}
		if len(hazards) == 0 {
			continue
		}
		names := make([]string, 0, len(hazards))
		for h := range hazards {
			names = append(names, h)
		}
		sort.Strings(names)
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleHazardNotice,
			Severity: domain.SeverityLog,
			Message:  "hazards present: " + strings.Join(names, ", "),
			Entity:   change.Entity,
			EntityID: change.InstanceID,
		})
	}
	return res, nil
}
