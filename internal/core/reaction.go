package core

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"chemlab/pkg/domain"
)

// GasConstant is the molar gas constant in J/(mol·K).
const GasConstant = 8.314

const absoluteZeroCelsius = -273.15

// ProgressTolerance is the distance from full (or equilibrium) progress at
// which a reaction snaps to it. Concentration-dependent rates otherwise only
// approach completion asymptotically.
const ProgressTolerance = 1e-3

// maxHotPlateTemperature bounds SetReactionTemperature.
const maxHotPlateTemperature = 1000

// CreateReaction instantiates a reaction definition at the given bench
// position.
func (s *Service) CreateReaction(ctx context.Context, reactionID string, position domain.Vector3) (domain.ReactionInstance, error) {
	var created domain.ReactionInstance
	err := s.run(ctx, "create_reaction", func(context.Context) (string, []domain.Event, error) {
		def, ok := s.catalog.Reaction(reactionID)
		if !ok {
			return "", nil, domain.ErrNotFound{Entity: domain.EntityReaction, ID: reactionID}
		}
		if s.activeReactions() >= s.limits.MaxActiveReactions {
			return "", nil, domain.ErrCapacityExceeded{Entity: domain.EntityReactionInstance, Limit: s.limits.MaxActiveReactions}
		}
		temperature := def.InitialTemperature
		if temperature == 0 {
			temperature = s.limits.DefaultTemperature
		}
		inst := &domain.ReactionInstance{
			ID:                     uuid.NewString(),
			ReactionID:             def.ID,
			Position:               position,
			Status:                 domain.ReactionSetup,
			Temperature:            temperature,
			CatalystFactor:         1,
			ReactantConcentrations: make(map[string]float64, len(def.Reactants)),
			ProductConcentrations:  make(map[string]float64, len(def.Products)),
			CreatedAt:              s.clock.Now(),
		}
		for _, sp := range def.Reactants {
			inst.ReactantConcentrations[sp.ChemicalID] = sp.InitialConcentration
		}
		for _, sp := range def.Products {
			inst.ProductConcentrations[sp.ChemicalID] = sp.InitialConcentration
		}
		s.reactions[inst.ID] = inst
		created = inst.Clone()
		return inst.ID, nil, nil
	})
	return created, err
}

// StartReaction moves a reaction from setup to in progress after the rules
// engine confirms every reactant is available. Non-blocking violations are
// returned in the result.
func (s *Service) StartReaction(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	err := s.run(ctx, "start_reaction", func(ctx context.Context) (string, []domain.Event, error) {
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		if inst.Status != domain.ReactionSetup {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "start"}
		}
		snapshot := inst.Clone()
		var err error
		res, err = s.evaluate(ctx, domain.Change{
			Entity:       domain.EntityReactionInstance,
			Action:       domain.ActionStart,
			InstanceID:   id,
			DefinitionID: inst.ReactionID,
			Reaction:     &snapshot,
		})
		if err != nil {
			return id, nil, err
		}
		inst.Status = domain.ReactionInProgress
		inst.StartedAt = s.now()
		inst.Curve = append(inst.Curve, domain.ReactionPoint{Time: 0, Progress: inst.Progress, Temperature: inst.Temperature})
		ev := s.newEvent(domain.EventReactionStarted, domain.EntityReactionInstance, id, inst.ReactionID, map[string]any{
			"temperature": inst.Temperature,
		})
		return id, []domain.Event{ev}, nil
	})
	return res, err
}

// TickReaction advances an in-progress reaction by dt simulated seconds.
func (s *Service) TickReaction(ctx context.Context, id string, dt float64) (domain.ReactionInstance, error) {
	var out domain.ReactionInstance
	err := s.run(ctx, "tick_reaction", func(context.Context) (string, []domain.Event, error) {
		if math.IsNaN(dt) || dt <= 0 {
			return id, nil, domain.ErrOutOfRange{Field: "dt", Value: dt, Min: 0, Max: math.Inf(1)}
		}
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		if inst.Status != domain.ReactionInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "tick"}
		}
		def, ok := s.catalog.Reaction(inst.ReactionID)
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReaction, ID: inst.ReactionID}
		}
		events := s.advanceReaction(inst, def, dt)
		out = inst.Clone()
		return id, events, nil
	})
	return out, err
}

// TickAll advances every in-progress reaction by dt and reports how many were
// ticked.
func (s *Service) TickAll(ctx context.Context, dt float64) (int, error) {
	ticked := 0
	err := s.run(ctx, "tick_all", func(context.Context) (string, []domain.Event, error) {
		if math.IsNaN(dt) || dt <= 0 {
			return "", nil, domain.ErrOutOfRange{Field: "dt", Value: dt, Min: 0, Max: math.Inf(1)}
		}
		var events []domain.Event
		for _, id := range sortedKeys(s.reactions) {
			inst := s.reactions[id]
			if inst.Status != domain.ReactionInProgress {
				continue
			}
			def, ok := s.catalog.Reaction(inst.ReactionID)
			if !ok {
				s.logger.Warn("skipping reaction with unknown definition", "instance_id", inst.ID, "reaction_id", inst.ReactionID)
				continue
			}
			events = append(events, s.advanceReaction(inst, def, dt)...)
			ticked++
		}
		return "", events, nil
	})
	return ticked, err
}

// advanceReaction applies one integration step. The caller holds s.mu.
func (s *Service) advanceReaction(inst *domain.ReactionInstance, def domain.ReactionDefinition, dt float64) []domain.Event {
	rate := ReactionRate(def, inst.ReactantConcentrations, inst.Temperature, s.limits.SpeedMultiplier*inst.CatalystFactor)
	ceiling := 1.0
	if def.EquilibriumProgress > 0 && def.EquilibriumProgress < 1 {
		ceiling = def.EquilibriumProgress
	}
	delta := rate * dt
	next := inst.Progress + delta
	if delta >= ceiling-inst.Progress-ProgressTolerance {
		delta = math.Max(ceiling-inst.Progress, 0)
		next = math.Max(ceiling, inst.Progress)
	}

	extent := LimitingExtent(def)
	for _, sp := range def.Reactants {
		c := inst.ReactantConcentrations[sp.ChemicalID] - coefficient(sp)*extent*delta
		inst.ReactantConcentrations[sp.ChemicalID] = math.Max(c, 0)
	}
	for _, sp := range def.Products {
		inst.ProductConcentrations[sp.ChemicalID] += coefficient(sp) * extent * delta
	}
	inst.Progress = next
	if def.IsExothermic {
		inst.Temperature += def.HeatGenerated * delta * heatCapacityFactor(def) * s.limits.TemperatureMultiplier
	}
	inst.ElapsedTime += dt
	inst.CurrentRate = rate
	inst.Curve = append(inst.Curve, domain.ReactionPoint{
		Time:        inst.ElapsedTime,
		Progress:    inst.Progress,
		Temperature: inst.Temperature,
		Rate:        rate,
	})

	switch {
	case def.MaxTemperature > 0 && inst.Temperature > def.MaxTemperature:
		inst.Status = domain.ReactionFailed
		inst.CompletedAt = s.now()
		s.logger.Warn("thermal runaway", "instance_id", inst.ID, "reaction_id", def.ID, "temperature", inst.Temperature)
		return []domain.Event{s.newEvent(domain.EventReactionFailed, domain.EntityReactionInstance, inst.ID, def.ID, map[string]any{
			"reason":      "thermal_runaway",
			"temperature": inst.Temperature,
		})}
	case ceiling < 1 && inst.Progress >= ceiling:
		inst.Status = domain.ReactionEquilibrium
		return []domain.Event{s.newEvent(domain.EventReactionEquilibrium, domain.EntityReactionInstance, inst.ID, def.ID, map[string]any{
			"progress": inst.Progress,
		})}
	}
	return nil
}

// ReactionRate evaluates the Arrhenius rate law
// k · Π c_i^order_i · exp(−Ea / (R·T)) · multiplier with T in kelvin.
// Temperatures at or below absolute zero yield a zero rate.
func ReactionRate(def domain.ReactionDefinition, concentrations map[string]float64, celsius, multiplier float64) float64 {
	kelvin := celsius - absoluteZeroCelsius
	if kelvin <= 0 {
		return 0
	}
	rate := def.RateConstant
	for _, sp := range def.Reactants {
		c := math.Max(concentrations[sp.ChemicalID], 0)
		rate *= math.Pow(c, sp.Order)
	}
	rate *= math.Exp(-def.ActivationEnergy / (GasConstant * kelvin))
	rate *= multiplier
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	return rate
}

// LimitingExtent is the reaction extent at full progress, bounded by the
// limiting reagent.
func LimitingExtent(def domain.ReactionDefinition) float64 {
	extent := math.Inf(1)
	for _, sp := range def.Reactants {
		extent = math.Min(extent, sp.InitialConcentration/coefficient(sp))
	}
	if math.IsInf(extent, 1) {
		return 0
	}
	return math.Max(extent, 0)
}

func coefficient(sp domain.Species) float64 {
	if sp.Coefficient <= 0 {
		return 1
	}
	return sp.Coefficient
}

func heatCapacityFactor(def domain.ReactionDefinition) float64 {
	if def.HeatCapacityFactor <= 0 {
		return 1
	}
	return def.HeatCapacityFactor
}

// CompleteReaction finalizes a reaction once it has fully progressed, or
// unconditionally when force is set, and persists the result.
func (s *Service) CompleteReaction(ctx context.Context, id string, force bool) (domain.ReactionResult, error) {
	var result domain.ReactionResult
	err := s.run(ctx, "complete_reaction", func(ctx context.Context) (string, []domain.Event, error) {
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		if inst.Status != domain.ReactionInProgress && inst.Status != domain.ReactionEquilibrium {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "complete"}
		}
		if !force && inst.Progress < 1 {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "complete unfinished reaction"}
		}
		completedAt := s.clock.Now()
		res := domain.ReactionResult{
			InstanceID:       inst.ID,
			ReactionID:       inst.ReactionID,
			Yield:            inst.Progress * 100,
			Progress:         inst.Progress,
			FinalTemperature: inst.Temperature,
			FinalReactants:   inst.ReactantConcentrations,
			FinalProducts:    inst.ProductConcentrations,
			Duration:         inst.ElapsedTime,
			Forced:           force && inst.Progress < 1,
			Curve:            inst.Curve,
			CompletedAt:      completedAt,
		}.Clone()
		if err := s.results.SaveReaction(ctx, res); err != nil {
			return id, nil, err
		}
		inst.Status = domain.ReactionCompleted
		inst.CompletedAt = &completedAt
		result = res.Clone()
		ev := s.newEvent(domain.EventReactionCompleted, domain.EntityReactionInstance, id, inst.ReactionID, map[string]any{
			"yield":  res.Yield,
			"forced": res.Forced,
		})
		return id, []domain.Event{ev}, nil
	})
	return result, err
}

// StopReaction halts a reaction that has not yet finished.
func (s *Service) StopReaction(ctx context.Context, id string) error {
	return s.run(ctx, "stop_reaction", func(context.Context) (string, []domain.Event, error) {
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		switch inst.Status {
		case domain.ReactionSetup, domain.ReactionInProgress, domain.ReactionEquilibrium:
		default:
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "stop"}
		}
		inst.Status = domain.ReactionStopped
		inst.CompletedAt = s.now()
		ev := s.newEvent(domain.EventReactionStopped, domain.EntityReactionInstance, id, inst.ReactionID, map[string]any{
			"progress": inst.Progress,
		})
		return id, []domain.Event{ev}, nil
	})
}

// SetReactionTemperature sets the vessel temperature in °C, as a hot plate or
// ice bath would.
func (s *Service) SetReactionTemperature(ctx context.Context, id string, celsius float64) error {
	return s.run(ctx, "set_reaction_temperature", func(context.Context) (string, []domain.Event, error) {
		if math.IsNaN(celsius) || celsius < absoluteZeroCelsius || celsius > maxHotPlateTemperature {
			return id, nil, domain.ErrOutOfRange{Field: "temperature", Value: celsius, Min: absoluteZeroCelsius, Max: maxHotPlateTemperature}
		}
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		if inst.Status != domain.ReactionSetup && inst.Status != domain.ReactionInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "set temperature"}
		}
		inst.Temperature = celsius
		return id, nil, nil
	})
}

// AddCatalyst multiplies the reaction rate by factor.
func (s *Service) AddCatalyst(ctx context.Context, id string, factor float64) error {
	return s.run(ctx, "add_catalyst", func(context.Context) (string, []domain.Event, error) {
		if math.IsNaN(factor) || factor <= 0 || math.IsInf(factor, 0) {
			return id, nil, domain.ErrOutOfRange{Field: "catalyst_factor", Value: factor, Min: 0, Max: math.Inf(1)}
		}
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		if inst.Status != domain.ReactionSetup && inst.Status != domain.ReactionInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "add catalyst"}
		}
		inst.CatalystFactor *= factor
		return id, nil, nil
	})
}

// GetReaction returns a copy of the reaction instance.
func (s *Service) GetReaction(id string) (domain.ReactionInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.reactions[id]
	if !ok {
		return domain.ReactionInstance{}, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
	}
	return inst.Clone(), nil
}

// ListReactions returns copies of every tracked reaction ordered by creation.
func (s *Service) ListReactions() []domain.ReactionInstance {
	s.mu.Lock()
	out := make([]domain.ReactionInstance, 0, len(s.reactions))
	for _, inst := range s.reactions {
		out = append(out, inst.Clone())
	}
	s.mu.Unlock()
	sortByCreation(out, func(r domain.ReactionInstance) time.Time { return r.CreatedAt }, func(r domain.ReactionInstance) string { return r.ID })
	return out
}

// ReleaseReaction drops a reaction that is not in progress from the active
// table.
func (s *Service) ReleaseReaction(ctx context.Context, id string) error {
	return s.run(ctx, "release_reaction", func(context.Context) (string, []domain.Event, error) {
		inst, ok := s.reactions[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		if inst.Status == domain.ReactionInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityReactionInstance, ID: id, State: string(inst.Status), Op: "release"}
		}
		delete(s.reactions, id)
		return id, nil, nil
	})
}

func (s *Service) activeReactions() int {
	n := 0
	for _, inst := range s.reactions {
		if !inst.Status.Terminal() {
			n++
		}
	}
	return n
}
