package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every typed error below matches exactly one of these
// via errors.Is.
var (
	ErrKindNotFound     = errors.New("not found")
	ErrKindInvalidState = errors.New("invalid state")
	ErrKindOutOfRange   = errors.New("out of range")
	ErrKindCapacity     = errors.New("capacity exceeded")
	ErrKindDivision     = errors.New("division by zero")
	ErrKindRuleBlocked  = errors.New("blocked by rules")
)

// ErrNotFound is returned when an instance or reference record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is reports whether target is ErrKindNotFound.
func (e ErrNotFound) Is(target error) bool { return target == ErrKindNotFound }

// ErrInvalidState is returned when an operation is not permitted in the
// current lifecycle state.
type ErrInvalidState struct {
	Entity EntityType
	ID     string
	State  string
	Op     string
}

func (e ErrInvalidState) Error() string {
	return fmt.Sprintf("%s %s: cannot %s in state %q", e.Entity, e.ID, e.Op, e.State)
}

// Is reports whether target is ErrKindInvalidState.
func (e ErrInvalidState) Is(target error) bool { return target == ErrKindInvalidState }

// ErrOutOfRange is returned when an input lies outside its permitted bounds.
type ErrOutOfRange struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("%s %g outside range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

// Is reports whether target is ErrKindOutOfRange.
func (e ErrOutOfRange) Is(target error) bool { return target == ErrKindOutOfRange }

// ErrCapacityExceeded is returned when the active-instance cap is reached.
type ErrCapacityExceeded struct {
	Entity EntityType
	Limit  int
}

func (e ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("%s capacity of %d active instances reached", e.Entity, e.Limit)
}

// Is reports whether target is ErrKindCapacity.
func (e ErrCapacityExceeded) Is(target error) bool { return target == ErrKindCapacity }

// ErrDivision is returned instead of producing NaN or Inf when a divisor is zero.
type ErrDivision struct {
	Field string
}

func (e ErrDivision) Error() string {
	return fmt.Sprintf("cannot divide by zero %s", e.Field)
}

// Is reports whether target is ErrKindDivision.
func (e ErrDivision) Is(target error) bool { return target == ErrKindDivision }

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("blocked by rule %s: %s", v.Rule, v.Message)
		}
	}
	return "operation blocked by rules"
}

// Is reports whether target is ErrKindRuleBlocked.
func (e RuleViolationError) Is(target error) bool { return target == ErrKindRuleBlocked }
