// Package domain defines the reference data, simulation instances, results,
// and rule evaluation primitives used by chemlab.
package domain

import (
	"maps"
	"time"
)

// EntityType identifies the type of record managed by the lab core.
type EntityType string

// Supported entity type identifiers used in errors, audit entries, and persistence buckets.
const (
	// EntityChemical identifies chemical reference data.
	EntityChemical EntityType = "chemical"
	// EntityReaction identifies a reaction definition.
	EntityReaction EntityType = "reaction"
	// EntityTitration identifies a titration definition.
	EntityTitration EntityType = "titration"
	// EntityMeasurementType identifies an instrument/measurement type definition.
	EntityMeasurementType EntityType = "measurement_type"
	// EntityCriterion identifies an assessment criterion.
	EntityCriterion EntityType = "criterion"
	// EntityReactionInstance identifies a running reaction.
	EntityReactionInstance EntityType = "reaction_instance"
	// EntityTitrationInstance identifies a running titration.
	EntityTitrationInstance EntityType = "titration_instance"
	// EntityMeasurementInstance identifies a running measurement series.
	EntityMeasurementInstance EntityType = "measurement_instance"
	// EntityAssessmentInstance identifies an in-progress assessment.
	EntityAssessmentInstance EntityType = "assessment_instance"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine whether an operation proceeds.
const (
	// SeverityBlock aborts the operation.
	SeverityBlock Severity = "block"
	// SeverityWarn is reported to the caller but the operation proceeds.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// PhysicalState is the state of matter of a chemical at lab conditions.
type PhysicalState string

// Supported physical states.
const (
	StateSolid   PhysicalState = "solid"
	StateLiquid  PhysicalState = "liquid"
	StateGas     PhysicalState = "gas"
	StateAqueous PhysicalState = "aqueous"
)

// ChemicalProperties is immutable reference data describing a substance.
type ChemicalProperties struct {
	ID            string        `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Formula       string        `json:"formula" yaml:"formula"`
	MolarMass     float64       `json:"molar_mass" yaml:"molar_mass"`
	Density       float64       `json:"density" yaml:"density"`
	PH            float64       `json:"ph" yaml:"ph"`
	Concentration float64       `json:"concentration" yaml:"concentration"`
	State         PhysicalState `json:"state" yaml:"state"`
	IsAcid        bool          `json:"is_acid" yaml:"is_acid"`
	IsBase        bool          `json:"is_base" yaml:"is_base"`
	IsOxidizing   bool          `json:"is_oxidizing" yaml:"is_oxidizing"`
	IsReducing    bool          `json:"is_reducing" yaml:"is_reducing"`
	Hazards       []string      `json:"hazards,omitempty" yaml:"hazards,omitempty"`
}

// Species binds a chemical to its role in a reaction.
type Species struct {
	ChemicalID           string  `json:"chemical_id" yaml:"chemical_id"`
	Coefficient          float64 `json:"coefficient" yaml:"coefficient"`
	Order                float64 `json:"order" yaml:"order"`
	InitialConcentration float64 `json:"initial_concentration" yaml:"initial_concentration"`
}

// ReactionDefinition describes the kinetics and thermodynamics of a reaction.
type ReactionDefinition struct {
	ID                  string    `json:"id" yaml:"id"`
	Name                string    `json:"name" yaml:"name"`
	Reactants           []Species `json:"reactants" yaml:"reactants"`
	Products            []Species `json:"products" yaml:"products"`
	RateConstant        float64   `json:"rate_constant" yaml:"rate_constant"`
	ActivationEnergy    float64   `json:"activation_energy" yaml:"activation_energy"`
	InitialTemperature  float64   `json:"initial_temperature" yaml:"initial_temperature"`
	IsExothermic        bool      `json:"is_exothermic" yaml:"is_exothermic"`
	HeatGenerated       float64   `json:"heat_generated" yaml:"heat_generated"`
	HeatCapacityFactor  float64   `json:"heat_capacity_factor" yaml:"heat_capacity_factor"`
	EquilibriumProgress float64   `json:"equilibrium_progress,omitempty" yaml:"equilibrium_progress,omitempty"`
	MaxTemperature      float64   `json:"max_temperature,omitempty" yaml:"max_temperature,omitempty"`
}

// AnalyteType classifies the analyte of a titration.
type AnalyteType string

// Supported analyte classes.
const (
	AnalyteStrongAcid AnalyteType = "strong_acid"
	AnalyteWeakAcid   AnalyteType = "weak_acid"
	AnalyteStrongBase AnalyteType = "strong_base"
	AnalyteWeakBase   AnalyteType = "weak_base"
)

// TitrationDefinition describes an acid/base titration exercise. Volumes are
// in millilitres and concentrations in mol/L.
type TitrationDefinition struct {
	ID                   string      `json:"id" yaml:"id"`
	Name                 string      `json:"name" yaml:"name"`
	AnalyteID            string      `json:"analyte_id" yaml:"analyte_id"`
	TitrantID            string      `json:"titrant_id" yaml:"titrant_id"`
	AnalyteType          AnalyteType `json:"analyte_type" yaml:"analyte_type"`
	AnalyteVolume        float64     `json:"analyte_volume" yaml:"analyte_volume"`
	AnalyteConcentration float64     `json:"analyte_concentration" yaml:"analyte_concentration"`
	TitrantConcentration float64     `json:"titrant_concentration" yaml:"titrant_concentration"`
	ExpectedEndpoint     float64     `json:"expected_endpoint" yaml:"expected_endpoint"`
	EndpointThreshold    float64     `json:"endpoint_threshold" yaml:"endpoint_threshold"`
	AcceptableError      float64     `json:"acceptable_error" yaml:"acceptable_error"`
	BuretteCapacity      float64     `json:"burette_capacity,omitempty" yaml:"burette_capacity,omitempty"`
}

// MeasurementType describes an instrument and the readings it produces.
type MeasurementType struct {
	ID                  string        `json:"id" yaml:"id"`
	Name                string        `json:"name" yaml:"name"`
	Unit                string        `json:"unit" yaml:"unit"`
	MinValue            float64       `json:"min_value" yaml:"min_value"`
	MaxValue            float64       `json:"max_value" yaml:"max_value"`
	Precision           float64       `json:"precision" yaml:"precision"`
	Accuracy            float64       `json:"accuracy" yaml:"accuracy"`
	RequiresCalibration bool          `json:"requires_calibration" yaml:"requires_calibration"`
	CalibrationInterval time.Duration `json:"calibration_interval,omitempty" yaml:"calibration_interval,omitempty"`
	MaxDataPoints       int           `json:"max_data_points,omitempty" yaml:"max_data_points,omitempty"`
	OutlierThreshold    float64       `json:"outlier_threshold,omitempty" yaml:"outlier_threshold,omitempty"`
}

// Criterion is a single weighted assessment rubric line.
type Criterion struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Category string  `json:"category,omitempty" yaml:"category,omitempty"`
	MaxScore float64 `json:"max_score" yaml:"max_score"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

// Vector3 locates an instance on the virtual bench.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ReactionStatus enumerates reaction lifecycle states.
type ReactionStatus string

// Canonical reaction statuses.
const (
	ReactionSetup       ReactionStatus = "setup"
	ReactionInProgress  ReactionStatus = "in_progress"
	ReactionEquilibrium ReactionStatus = "equilibrium"
	ReactionCompleted   ReactionStatus = "completed"
	ReactionFailed      ReactionStatus = "failed"
	ReactionStopped     ReactionStatus = "stopped"
)

// Terminal reports whether no further ticks are accepted.
func (s ReactionStatus) Terminal() bool {
	switch s {
	case ReactionEquilibrium, ReactionCompleted, ReactionFailed, ReactionStopped:
		return true
	default:
		return false
	}
}

// ReactionPoint is one sample of the reaction curve.
type ReactionPoint struct {
	Time        float64 `json:"time"`
	Progress    float64 `json:"progress"`
	Temperature float64 `json:"temperature"`
	Rate        float64 `json:"rate"`
}

// ReactionInstance is the mutable state of a running reaction.
type ReactionInstance struct {
	ID                     string             `json:"id"`
	ReactionID             string             `json:"reaction_id"`
	Position               Vector3            `json:"position"`
	Status                 ReactionStatus     `json:"status"`
	Progress               float64            `json:"progress"`
	CurrentRate            float64            `json:"current_rate"`
	Temperature            float64            `json:"temperature"`
	ElapsedTime            float64            `json:"elapsed_time"`
	CatalystFactor         float64            `json:"catalyst_factor"`
	ReactantConcentrations map[string]float64 `json:"reactant_concentrations"`
	ProductConcentrations  map[string]float64 `json:"product_concentrations"`
	Curve                  []ReactionPoint    `json:"curve"`
	CreatedAt              time.Time          `json:"created_at"`
	StartedAt              *time.Time         `json:"started_at,omitempty"`
	CompletedAt            *time.Time         `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (r ReactionInstance) Clone() ReactionInstance {
	out := r
	out.ReactantConcentrations = maps.Clone(r.ReactantConcentrations)
	out.ProductConcentrations = maps.Clone(r.ProductConcentrations)
	out.Curve = append([]ReactionPoint(nil), r.Curve...)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	return out
}

// TitrationStatus enumerates titration lifecycle states.
type TitrationStatus string

// Canonical titration statuses.
const (
	TitrationSetup      TitrationStatus = "setup"
	TitrationInProgress TitrationStatus = "in_progress"
	TitrationCompleted  TitrationStatus = "completed"
	TitrationStopped    TitrationStatus = "stopped"
)

// IndicatorColor is the visible color of the indicator at a given pH.
type IndicatorColor string

// Indicator color bands.
const (
	ColorRed    IndicatorColor = "red"
	ColorOrange IndicatorColor = "orange"
	ColorYellow IndicatorColor = "yellow"
	ColorBlue   IndicatorColor = "blue"
	ColorPurple IndicatorColor = "purple"
)

// ColorForPH maps a pH value onto the indicator color bands.
func ColorForPH(ph float64) IndicatorColor {
	switch {
	case ph < 3:
		return ColorRed
	case ph < 6:
		return ColorOrange
	case ph < 8:
		return ColorYellow
	case ph < 11:
		return ColorBlue
	default:
		return ColorPurple
	}
}

// TitrationPoint is one sample of the titration curve.
type TitrationPoint struct {
	Volume    float64        `json:"volume"`
	PH        float64        `json:"ph"`
	Color     IndicatorColor `json:"color"`
	Timestamp time.Time      `json:"timestamp"`
}

// TitrationInstance is the mutable state of a running titration.
type TitrationInstance struct {
	ID               string           `json:"id"`
	TitrationID      string           `json:"titration_id"`
	Status           TitrationStatus  `json:"status"`
	CurrentVolume    float64          `json:"current_volume"`
	TotalVolumeAdded float64          `json:"total_volume_added"`
	CurrentPH        float64          `json:"current_ph"`
	CurrentColor     IndicatorColor   `json:"current_color"`
	EndpointReached  bool             `json:"endpoint_reached"`
	EndpointVolume   float64          `json:"endpoint_volume"`
	EndpointPH       float64          `json:"endpoint_ph"`
	Curve            []TitrationPoint `json:"curve"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (t TitrationInstance) Clone() TitrationInstance {
	out := t
	out.Curve = append([]TitrationPoint(nil), t.Curve...)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return out
}

// MeasurementStatus enumerates measurement series states.
type MeasurementStatus string

// Canonical measurement statuses.
const (
	MeasurementIdle      MeasurementStatus = "idle"
	MeasurementReading   MeasurementStatus = "reading"
	MeasurementCompleted MeasurementStatus = "completed"
)

// DataPoint is a single processed reading.
type DataPoint struct {
	Value     float64   `json:"value"`
	Raw       float64   `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// MeasurementInstance is a series of readings from one instrument.
type MeasurementInstance struct {
	ID            string            `json:"id"`
	TypeID        string            `json:"type_id"`
	Status        MeasurementStatus `json:"status"`
	DataPoints    []DataPoint       `json:"data_points"`
	Count         int               `json:"count"`
	RunningMean   float64           `json:"running_mean"`
	RunningStddev float64           `json:"running_stddev"`
	Min           float64           `json:"min"`
	Max           float64           `json:"max"`
	IsCalibrated  bool              `json:"is_calibrated"`
	CalibratedAt  *time.Time        `json:"calibrated_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (m MeasurementInstance) Clone() MeasurementInstance {
	out := m
	out.DataPoints = append([]DataPoint(nil), m.DataPoints...)
	out.CalibratedAt = cloneTime(m.CalibratedAt)
	out.CompletedAt = cloneTime(m.CompletedAt)
	return out
}

// AssessmentStatus enumerates assessment states.
type AssessmentStatus string

// Canonical assessment statuses.
const (
	AssessmentInProgress AssessmentStatus = "in_progress"
	AssessmentCompleted  AssessmentStatus = "completed"
)

// CriterionResult is the score recorded against one criterion.
type CriterionResult struct {
	CriterionID string  `json:"criterion_id"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Weight      float64 `json:"weight"`
	Attempted   bool    `json:"attempted"`
	Feedback    string  `json:"feedback,omitempty"`
}

// AssessmentInstance tracks criterion scores and running weighted sums.
type AssessmentInstance struct {
	ID               string            `json:"id"`
	ExperimentID     string            `json:"experiment_id"`
	StudentID        string            `json:"student_id"`
	Status           AssessmentStatus  `json:"status"`
	CriterionResults []CriterionResult `json:"criterion_results"`
	WeightedScoreSum float64           `json:"weighted_score_sum"`
	WeightSum        float64           `json:"weight_sum"`
	WeightedMaxSum   float64           `json:"weighted_max_sum"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (a AssessmentInstance) Clone() AssessmentInstance {
	out := a
	out.CriterionResults = append([]CriterionResult(nil), a.CriterionResults...)
	out.CompletedAt = cloneTime(a.CompletedAt)
	return out
}

// Violation records a single rule outcome.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result aggregates rule violations.
type Result struct {
	Violations []Violation `json:"violations"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
