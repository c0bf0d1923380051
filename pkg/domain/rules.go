package domain

import "context"

// Action identifies the lifecycle transition under evaluation.
type Action string

// Actions submitted to the rules engine.
const (
	ActionCreate   Action = "create"
	ActionStart    Action = "start"
	ActionUpdate   Action = "update"
	ActionComplete Action = "complete"
	ActionStop     Action = "stop"
	ActionRelease  Action = "release"
	ActionRead     Action = "read"
)

// Change describes an instance transition submitted to the rules engine.
// Exactly one of Reaction or Titration is set, matching Entity.
type Change struct {
	Entity       EntityType
	Action       Action
	InstanceID   string
	DefinitionID string
	Reaction     *ReactionInstance
	Titration    *TitrationInstance
}

// RuleView provides read-only access to reference data for rule evaluation.
type RuleView interface {
	Chemical(id string) (ChemicalProperties, bool)
	Reaction(id string) (ReactionDefinition, bool)
	Titration(id string) (TitrationDefinition, bool)
}

// Rule defines an evaluation executed before a transition is applied.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in registration order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
