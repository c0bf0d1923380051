package domain

import (
	"maps"
	"time"
)

// ReactionResult is the finalized outcome of a completed reaction.
type ReactionResult struct {
	InstanceID       string             `json:"instance_id"`
	ReactionID       string             `json:"reaction_id"`
	Yield            float64            `json:"yield"`
	Progress         float64            `json:"progress"`
	FinalTemperature float64            `json:"final_temperature"`
	FinalReactants   map[string]float64 `json:"final_reactants"`
	FinalProducts    map[string]float64 `json:"final_products"`
	Duration         float64            `json:"duration"`
	Forced           bool               `json:"forced"`
	Curve            []ReactionPoint    `json:"curve"`
	CompletedAt      time.Time          `json:"completed_at"`
}

// Clone returns a deep copy.
func (r ReactionResult) Clone() ReactionResult {
	out := r
	out.FinalReactants = maps.Clone(r.FinalReactants)
	out.FinalProducts = maps.Clone(r.FinalProducts)
	out.Curve = append([]ReactionPoint(nil), r.Curve...)
	return out
}

// TitrationResult is the finalized outcome of a completed titration.
type TitrationResult struct {
	InstanceID              string           `json:"instance_id"`
	TitrationID             string           `json:"titration_id"`
	EndpointVolume          float64          `json:"endpoint_volume"`
	EndpointPH              float64          `json:"endpoint_ph"`
	CalculatedConcentration float64          `json:"calculated_concentration"`
	ActualConcentration     float64          `json:"actual_concentration"`
	PercentageError         float64          `json:"percentage_error"`
	IsSuccessful            bool             `json:"is_successful"`
	Grade                   Grade            `json:"grade"`
	Curve                   []TitrationPoint `json:"curve"`
	CompletedAt             time.Time        `json:"completed_at"`
}

// Clone returns a deep copy.
func (r TitrationResult) Clone() TitrationResult {
	out := r
	out.Curve = append([]TitrationPoint(nil), r.Curve...)
	return out
}

// Outlier flags a data point whose z-score exceeded the threshold.
type Outlier struct {
	Index  int     `json:"index"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"z_score"`
}

// MeasurementStatistics summarises a completed measurement series.
type MeasurementStatistics struct {
	InstanceID  string    `json:"instance_id"`
	TypeID      string    `json:"type_id"`
	Unit        string    `json:"unit"`
	Count       int       `json:"count"`
	Mean        float64   `json:"mean"`
	Stddev      float64   `json:"stddev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Values      []float64 `json:"values"`
	Outliers    []Outlier `json:"outliers"`
	CompletedAt time.Time `json:"completed_at"`
}

// Clone returns a deep copy.
func (m MeasurementStatistics) Clone() MeasurementStatistics {
	out := m
	out.Values = append([]float64(nil), m.Values...)
	out.Outliers = append([]Outlier(nil), m.Outliers...)
	return out
}

// AssessmentResult is the finalized grade for an experiment attempt.
type AssessmentResult struct {
	InstanceID       string            `json:"instance_id"`
	ExperimentID     string            `json:"experiment_id"`
	StudentID        string            `json:"student_id"`
	CriterionResults []CriterionResult `json:"criterion_results"`
	TotalScore       float64           `json:"total_score"`
	MaxPossibleScore float64           `json:"max_possible_score"`
	Percentage       float64           `json:"percentage"`
	Grade            Grade             `json:"grade"`
	Passed           bool              `json:"passed"`
	Feedback         []string          `json:"feedback"`
	OverallComment   string            `json:"overall_comment"`
	CompletedAt      time.Time         `json:"completed_at"`
}

// Clone returns a deep copy.
func (a AssessmentResult) Clone() AssessmentResult {
	out := a
	out.CriterionResults = append([]CriterionResult(nil), a.CriterionResults...)
	out.Feedback = append([]string(nil), a.Feedback...)
	return out
}

// FlameTestResult reports the color observed when a sample is held in a flame.
type FlameTestResult struct {
	ChemicalID string `json:"chemical_id"`
	Ion        string `json:"ion,omitempty"`
	Color      string `json:"color"`
	Conclusive bool   `json:"conclusive"`
}
