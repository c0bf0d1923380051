package domain

import "context"

// ReferenceRepository exposes the immutable reference data shared by every
// engine. LoadAll (re)reads the backing source; lookups never block.
type ReferenceRepository interface {
	RuleView
	LoadAll(ctx context.Context) error
	MeasurementType(id string) (MeasurementType, bool)
	Criterion(id string) (Criterion, bool)
	Criteria() []Criterion
	Chemicals() []ChemicalProperties
	Reactions() []ReactionDefinition
	Titrations() []TitrationDefinition
	MeasurementTypes() []MeasurementType
}

// ResultStore persists finalized results. Implementations must be safe for
// concurrent use.
type ResultStore interface {
	SaveReaction(ctx context.Context, result ReactionResult) error
	SaveTitration(ctx context.Context, result TitrationResult) error
	SaveMeasurement(ctx context.Context, stats MeasurementStatistics) error
	SaveAssessment(ctx context.Context, result AssessmentResult) error
	GetReaction(id string) (ReactionResult, bool)
	GetTitration(id string) (TitrationResult, bool)
	GetMeasurement(id string) (MeasurementStatistics, bool)
	GetAssessment(id string) (AssessmentResult, bool)
	ListReactions() []ReactionResult
	ListTitrations() []TitrationResult
	ListMeasurements() []MeasurementStatistics
	ListAssessments() []AssessmentResult
}
