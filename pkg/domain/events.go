package domain

import "time"

// EventType names a notification published to presentation collaborators.
type EventType string

// Event types emitted by the engines.
const (
	EventReactionStarted     EventType = "reaction_started"
	EventReactionEquilibrium EventType = "reaction_equilibrium"
	EventReactionFailed      EventType = "reaction_failed"
	EventReactionStopped     EventType = "reaction_stopped"
	EventReactionCompleted   EventType = "reaction_completed"

	EventTitrationStarted   EventType = "titration_started"
	EventTitrantAdded       EventType = "titrant_added"
	EventIndicatorChanged   EventType = "indicator_changed"
	EventEndpointReached    EventType = "endpoint_reached"
	EventTitrationStopped   EventType = "titration_stopped"
	EventTitrationCompleted EventType = "titration_completed"

	EventMeasurementTaken     EventType = "measurement_taken"
	EventInstrumentCalibrated EventType = "instrument_calibrated"
	EventMeasurementCompleted EventType = "measurement_completed"

	EventCriterionScored     EventType = "criterion_scored"
	EventAssessmentCompleted EventType = "assessment_completed"
)

// Event is a fire-and-forget notification about a state change.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Entity       EntityType     `json:"entity"`
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}
