package core

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"chemlab/pkg/domain"
)

// pH model segment boundaries, expressed as fractions of the expected endpoint.
const (
	preEndpointFraction  = 0.9
	postEndpointFraction = 1.1
	endpointSlope        = 50.0
	neutralPH            = 7.0
	plateauPH            = 12.0
	plateauDecay         = 10.0
	strongAcidStartPH    = 1.0
	preEndpointTargetPH  = 6.5
)

// volumeEpsilon absorbs floating point drift when comparing added volumes.
const volumeEpsilon = 1e-9

// StartingPH returns the analyte pH before any titrant is added.
func StartingPH(analyte domain.AnalyteType) float64 {
	if analyte == domain.AnalyteStrongAcid {
		return strongAcidStartPH
	}
	return neutralPH
}

// TitrationPH evaluates the three-segment pH model at progress, the ratio of
// titrant added to the expected endpoint volume. The curve is continuous and
// non-decreasing: linear up to 90% of the endpoint, steep through pH 7 around
// the endpoint, then a plateau approaching pH 13.
func TitrationPH(startPH, progress float64) float64 {
	if progress < 0 {
		progress = 0
	}
	preEnd := math.Max(startPH, preEndpointTargetPH)
	switch {
	case progress < preEndpointFraction:
		return startPH + (preEnd-startPH)*progress/preEndpointFraction
	case progress < postEndpointFraction:
		return clamp(neutralPH+endpointSlope*(progress-1), preEnd, plateauPH)
	default:
		return plateauPH + (1 - math.Exp(-plateauDecay*(progress-postEndpointFraction)))
	}
}

// CreateTitration instantiates a titration exercise.
func (s *Service) CreateTitration(ctx context.Context, titrationID string) (domain.TitrationInstance, error) {
	var created domain.TitrationInstance
	err := s.run(ctx, "create_titration", func(context.Context) (string, []domain.Event, error) {
		def, ok := s.catalog.Titration(titrationID)
		if !ok {
			return "", nil, domain.ErrNotFound{Entity: domain.EntityTitration, ID: titrationID}
		}
		if s.activeTitrations() >= s.limits.MaxActiveTitrations {
			return "", nil, domain.ErrCapacityExceeded{Entity: domain.EntityTitrationInstance, Limit: s.limits.MaxActiveTitrations}
		}
		inst := &domain.TitrationInstance{
			ID:            uuid.NewString(),
			TitrationID:   def.ID,
			Status:        domain.TitrationSetup,
			CurrentVolume: def.AnalyteVolume,
			CreatedAt:     s.clock.Now(),
		}
		s.titrations[inst.ID] = inst
		created = inst.Clone()
		return inst.ID, nil, nil
	})
	return created, err
}

// StartTitration sets the starting pH and records the first curve point at
// zero added volume.
func (s *Service) StartTitration(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	err := s.run(ctx, "start_titration", func(ctx context.Context) (string, []domain.Event, error) {
		inst, def, err := s.titrationWithDefinition(id)
		if err != nil {
			return id, nil, err
		}
		if inst.Status != domain.TitrationSetup {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityTitrationInstance, ID: id, State: string(inst.Status), Op: "start"}
		}
		snapshot := inst.Clone()
		res, err = s.evaluate(ctx, domain.Change{
			Entity:       domain.EntityTitrationInstance,
			Action:       domain.ActionStart,
			InstanceID:   id,
			DefinitionID: def.ID,
			Titration:    &snapshot,
		})
		if err != nil {
			return id, nil, err
		}
		ph := StartingPH(def.AnalyteType)
		inst.Status = domain.TitrationInProgress
		inst.CurrentPH = ph
		inst.CurrentColor = domain.ColorForPH(ph)
		inst.Curve = append(inst.Curve, domain.TitrationPoint{Volume: 0, PH: ph, Color: inst.CurrentColor, Timestamp: s.clock.Now()})
		ev := s.newEvent(domain.EventTitrationStarted, domain.EntityTitrationInstance, id, def.ID, map[string]any{
			"ph":    ph,
			"color": string(inst.CurrentColor),
		})
		return id, []domain.Event{ev}, nil
	})
	return res, err
}

// AddTitrant adds volume millilitres of titrant, recomputes pH and indicator
// color, and detects the endpoint.
func (s *Service) AddTitrant(ctx context.Context, id string, volume float64) (domain.TitrationPoint, error) {
	var point domain.TitrationPoint
	err := s.run(ctx, "add_titrant", func(context.Context) (string, []domain.Event, error) {
		if math.IsNaN(volume) || volume <= 0 {
			return id, nil, domain.ErrOutOfRange{Field: "volume", Value: volume, Min: 0, Max: math.Inf(1)}
		}
		inst, def, err := s.titrationWithDefinition(id)
		if err != nil {
			return id, nil, err
		}
		if inst.Status != domain.TitrationInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityTitrationInstance, ID: id, State: string(inst.Status), Op: "add titrant"}
		}
		if def.ExpectedEndpoint <= 0 {
			return id, nil, domain.ErrDivision{Field: "expected_endpoint"}
		}
		total := inst.TotalVolumeAdded + volume
		if def.BuretteCapacity > 0 && total > def.BuretteCapacity+volumeEpsilon {
			return id, nil, domain.ErrOutOfRange{Field: "titrant_volume", Value: total, Min: 0, Max: def.BuretteCapacity}
		}

		prevColor := inst.CurrentColor
		ph := TitrationPH(StartingPH(def.AnalyteType), total/def.ExpectedEndpoint)
		inst.TotalVolumeAdded = total
		inst.CurrentVolume = def.AnalyteVolume + total
		inst.CurrentPH = ph
		inst.CurrentColor = domain.ColorForPH(ph)
		point = domain.TitrationPoint{Volume: total, PH: ph, Color: inst.CurrentColor, Timestamp: s.clock.Now()}
		inst.Curve = append(inst.Curve, point)

		events := []domain.Event{s.newEvent(domain.EventTitrantAdded, domain.EntityTitrationInstance, id, def.ID, map[string]any{
			"volume":       volume,
			"total_volume": total,
			"ph":           ph,
		})}
		endpoint := !inst.EndpointReached && math.Abs(total-def.ExpectedEndpoint) <= def.EndpointThreshold+volumeEpsilon
		if endpoint {
			inst.EndpointReached = true
			inst.EndpointVolume = total
			inst.EndpointPH = ph
			events = append(events, s.newEvent(domain.EventEndpointReached, domain.EntityTitrationInstance, id, def.ID, map[string]any{
				"endpoint_volume": total,
				"endpoint_ph":     ph,
			}))
		}
		if endpoint || inst.CurrentColor != prevColor {
			events = append(events, s.newEvent(domain.EventIndicatorChanged, domain.EntityTitrationInstance, id, def.ID, map[string]any{
				"from":     string(prevColor),
				"to":       string(inst.CurrentColor),
				"endpoint": endpoint,
			}))
		}
		return id, events, nil
	})
	return point, err
}

// CompleteTitration back-calculates the analyte concentration from the
// recorded endpoint (C1V1 = C2V2), grades the error and persists the result.
func (s *Service) CompleteTitration(ctx context.Context, id string) (domain.TitrationResult, error) {
	var result domain.TitrationResult
	err := s.run(ctx, "complete_titration", func(ctx context.Context) (string, []domain.Event, error) {
		inst, def, err := s.titrationWithDefinition(id)
		if err != nil {
			return id, nil, err
		}
		if inst.Status != domain.TitrationInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityTitrationInstance, ID: id, State: string(inst.Status), Op: "complete"}
		}
		if def.AnalyteVolume <= 0 {
			return id, nil, domain.ErrDivision{Field: "analyte_volume"}
		}
		if def.AnalyteConcentration <= 0 {
			return id, nil, domain.ErrDivision{Field: "analyte_concentration"}
		}
		acceptable := def.AcceptableError
		if acceptable <= 0 {
			acceptable = s.limits.DefaultAcceptableError
		}

		calculated := 0.0
		if inst.EndpointReached && inst.EndpointVolume > 0 {
			calculated = def.TitrantConcentration * inst.EndpointVolume / def.AnalyteVolume
		}
		pctErr := math.Abs(calculated-def.AnalyteConcentration) / def.AnalyteConcentration * 100
		success := calculated > 0 && pctErr <= acceptable
		grade := domain.GradeForError(pctErr)
		if calculated == 0 {
			grade = domain.GradeF
		}

		completedAt := s.clock.Now()
		res := domain.TitrationResult{
			InstanceID:              inst.ID,
			TitrationID:             def.ID,
			EndpointVolume:          inst.EndpointVolume,
			EndpointPH:              inst.EndpointPH,
			CalculatedConcentration: calculated,
			ActualConcentration:     def.AnalyteConcentration,
			PercentageError:         pctErr,
			IsSuccessful:            success,
			Grade:                   grade,
			Curve:                   inst.Curve,
			CompletedAt:             completedAt,
		}.Clone()
		if err := s.results.SaveTitration(ctx, res); err != nil {
			return id, nil, err
		}
		inst.Status = domain.TitrationCompleted
		inst.CompletedAt = &completedAt
		result = res.Clone()
		ev := s.newEvent(domain.EventTitrationCompleted, domain.EntityTitrationInstance, id, def.ID, map[string]any{
			"calculated_concentration": calculated,
			"percentage_error":         pctErr,
			"successful":               success,
			"grade":                    string(grade),
		})
		return id, []domain.Event{ev}, nil
	})
	return result, err
}

// StopTitration abandons a titration that has not completed.
func (s *Service) StopTitration(ctx context.Context, id string) error {
	return s.run(ctx, "stop_titration", func(context.Context) (string, []domain.Event, error) {
		inst, ok := s.titrations[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityTitrationInstance, ID: id}
		}
		if inst.Status != domain.TitrationSetup && inst.Status != domain.TitrationInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityTitrationInstance, ID: id, State: string(inst.Status), Op: "stop"}
		}
		inst.Status = domain.TitrationStopped
		inst.CompletedAt = s.now()
		ev := s.newEvent(domain.EventTitrationStopped, domain.EntityTitrationInstance, id, inst.TitrationID, map[string]any{
			"total_volume": inst.TotalVolumeAdded,
		})
		return id, []domain.Event{ev}, nil
	})
}

// GetTitration returns a copy of the titration instance.
func (s *Service) GetTitration(id string) (domain.TitrationInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.titrations[id]
	if !ok {
		return domain.TitrationInstance{}, domain.ErrNotFound{Entity: domain.EntityTitrationInstance, ID: id}
	}
	return inst.Clone(), nil
}

// ListTitrations returns copies of every tracked titration ordered by creation.
func (s *Service) ListTitrations() []domain.TitrationInstance {
	s.mu.Lock()
	out := make([]domain.TitrationInstance, 0, len(s.titrations))
	for _, inst := range s.titrations {
		out = append(out, inst.Clone())
	}
	s.mu.Unlock()
	sortByCreation(out, func(t domain.TitrationInstance) time.Time { return t.CreatedAt }, func(t domain.TitrationInstance) string { return t.ID })
	return out
}

// ReleaseTitration drops a titration that is not in progress.
func (s *Service) ReleaseTitration(ctx context.Context, id string) error {
	return s.run(ctx, "release_titration", func(context.Context) (string, []domain.Event, error) {
		inst, ok := s.titrations[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityTitrationInstance, ID: id}
		}
		if inst.Status == domain.TitrationInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityTitrationInstance, ID: id, State: string(inst.Status), Op: "release"}
		}
		delete(s.titrations, id)
		return id, nil, nil
	})
}

func (s *Service) titrationWithDefinition(id string) (*domain.TitrationInstance, domain.TitrationDefinition, error) {
	inst, ok := s.titrations[id]
	if !ok {
		return nil, domain.TitrationDefinition{}, domain.ErrNotFound{Entity: domain.EntityTitrationInstance, ID: id}
	}
	def, ok := s.catalog.Titration(inst.TitrationID)
	if !ok {
		return nil, domain.TitrationDefinition{}, domain.ErrNotFound{Entity: domain.EntityTitration, ID: inst.TitrationID}
	}
	return inst, def, nil
}

func (s *Service) activeTitrations() int {
	n := 0
	for _, inst := range s.titrations {
		if inst.Status == domain.TitrationSetup || inst.Status == domain.TitrationInProgress {
			n++
		}
	}
	return n
}
