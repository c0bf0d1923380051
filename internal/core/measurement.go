package core

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"chemlab/pkg/domain"
)

// measurementState pairs an instance with its Welford accumulator.
type measurementState struct {
	inst domain.MeasurementInstance
	m2   float64
}

// add folds x into the running statistics.
func (m *measurementState) add(x float64) {
	inst := &m.inst
	inst.Count++
	d := x - inst.RunningMean
	inst.RunningMean += d / float64(inst.Count)
	m.m2 += d * (x - inst.RunningMean)
	if inst.Count == 1 {
		inst.Min, inst.Max = x, x
	} else {
		inst.Min = math.Min(inst.Min, x)
		inst.Max = math.Max(inst.Max, x)
	}
	m.refreshStddev()
}

// recompute rebuilds the statistics from the retained window with a two-pass
// sum. Called after eviction, where reversing the Welford step would
// accumulate cancellation error.
func (m *measurementState) recompute() {
	inst := &m.inst
	inst.Count = len(inst.DataPoints)
	if inst.Count == 0 {
		inst.RunningMean = 0
		m.m2 = 0
		m.rescanExtremes()
		m.refreshStddev()
		return
	}
	var sum float64
	for _, p := range inst.DataPoints {
		sum += p.Value
	}
	mean := sum / float64(inst.Count)
	var m2 float64
	for _, p := range inst.DataPoints {
		d := p.Value - mean
		m2 += d * d
	}
	inst.RunningMean = mean
	m.m2 = m2
	m.rescanExtremes()
	m.refreshStddev()
}

func (m *measurementState) rescanExtremes() {
	inst := &m.inst
	if len(inst.DataPoints) == 0 {
		inst.Min, inst.Max = 0, 0
		return
	}
	inst.Min, inst.Max = inst.DataPoints[0].Value, inst.DataPoints[0].Value
	for _, p := range inst.DataPoints[1:] {
		inst.Min = math.Min(inst.Min, p.Value)
		inst.Max = math.Max(inst.Max, p.Value)
	}
}

func (m *measurementState) refreshStddev() {
	if m.inst.Count < 2 {
		m.inst.RunningStddev = 0
		return
	}
	m.inst.RunningStddev = math.Sqrt(m.m2 / float64(m.inst.Count-1))
}

// RoundToPrecision rounds v to the nearest multiple of precision. A
// non-positive precision leaves v unchanged.
func RoundToPrecision(v, precision float64) float64 {
	if precision <= 0 {
		return v
	}
	return math.Round(v/precision) * precision
}

// DetectOutliers flags values whose z-score |v−mean|/stddev exceeds threshold.
// A zero stddev yields no outliers.
func DetectOutliers(values []float64, mean, stddev, threshold float64) []domain.Outlier {
	if stddev <= 0 {
		return nil
	}
	var out []domain.Outlier
	for i, v := range values {
		z := math.Abs(v-mean) / stddev
		if z > threshold {
			out = append(out, domain.Outlier{Index: i, Value: v, ZScore: z})
		}
	}
	return out
}

// CreateMeasurement opens a measurement series for an instrument type.
func (s *Service) CreateMeasurement(ctx context.Context, typeID string) (domain.MeasurementInstance, error) {
	var created domain.MeasurementInstance
	err := s.run(ctx, "create_measurement", func(context.Context) (string, []domain.Event, error) {
		mt, ok := s.catalog.MeasurementType(typeID)
		if !ok {
			return "", nil, domain.ErrNotFound{Entity: domain.EntityMeasurementType, ID: typeID}
		}
		if s.activeMeasurements() >= s.limits.MaxActiveMeasurements {
			return "", nil, domain.ErrCapacityExceeded{Entity: domain.EntityMeasurementInstance, Limit: s.limits.MaxActiveMeasurements}
		}
		state := &measurementState{inst: domain.MeasurementInstance{
			ID:        uuid.NewString(),
			TypeID:    mt.ID,
			Status:    domain.MeasurementIdle,
			CreatedAt: s.clock.Now(),
		}}
		s.measurements[state.inst.ID] = state
		created = state.inst.Clone()
		return state.inst.ID, nil, nil
	})
	return created, err
}

// TakeMeasurement validates raw against the instrument range, applies
// precision rounding and uniform accuracy noise, and folds the reading into
// the running statistics.
func (s *Service) TakeMeasurement(ctx context.Context, id string, raw float64) (domain.DataPoint, error) {
	var point domain.DataPoint
	err := s.run(ctx, "take_measurement", func(context.Context) (string, []domain.Event, error) {
		state, mt, err := s.measurementWithType(id)
		if err != nil {
			return id, nil, err
		}
		inst := &state.inst
		if inst.Status == domain.MeasurementCompleted {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityMeasurementInstance, ID: id, State: string(inst.Status), Op: "take measurement"}
		}
		if math.IsNaN(raw) || raw < mt.MinValue || raw > mt.MaxValue {
			return id, nil, domain.ErrOutOfRange{Field: mt.ID, Value: raw, Min: mt.MinValue, Max: mt.MaxValue}
		}
		if s.needsCalibration(inst, mt) {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityMeasurementInstance, ID: id, State: "uncalibrated", Op: "take measurement"}
		}

		value := RoundToPrecision(raw, mt.Precision)
		if mt.Accuracy > 0 {
			value += (s.rng.Float64()*2 - 1) * mt.Accuracy
		}
		point = domain.DataPoint{Value: value, Raw: raw, Timestamp: s.clock.Now()}

		limit := mt.MaxDataPoints
		if limit <= 0 {
			limit = s.limits.DefaultMaxDataPoints
		}
		if len(inst.DataPoints) >= limit {
			keep := inst.DataPoints[len(inst.DataPoints)-limit+1:]
			inst.DataPoints = append(make([]domain.DataPoint, 0, limit), keep...)
			inst.DataPoints = append(inst.DataPoints, point)
			state.recompute()
		} else {
			inst.DataPoints = append(inst.DataPoints, point)
			state.add(value)
		}

		ev := s.newEvent(domain.EventMeasurementTaken, domain.EntityMeasurementInstance, id, mt.ID, map[string]any{
			"value": value,
			"raw":   raw,
			"unit":  mt.Unit,
		})
		return id, []domain.Event{ev}, nil
	})
	return point, err
}

// Calibrate marks the instrument calibrated. Types that do not require
// calibration succeed without change.
func (s *Service) Calibrate(ctx context.Context, id string) error {
	return s.run(ctx, "calibrate_instrument", func(context.Context) (string, []domain.Event, error) {
		state, mt, err := s.measurementWithType(id)
		if err != nil {
			return id, nil, err
		}
		inst := &state.inst
		if inst.Status != domain.MeasurementIdle {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityMeasurementInstance, ID: id, State: string(inst.Status), Op: "calibrate"}
		}
		if !mt.RequiresCalibration {
			return id, nil, nil
		}
		inst.IsCalibrated = true
		inst.CalibratedAt = s.now()
		ev := s.newEvent(domain.EventInstrumentCalibrated, domain.EntityMeasurementInstance, id, mt.ID, map[string]any{
			"calibrated_at": *inst.CalibratedAt,
		})
		return id, []domain.Event{ev}, nil
	})
}

// BeginReading opens a reading session, during which calibration is refused.
func (s *Service) BeginReading(ctx context.Context, id string) error {
	return s.transitionReading(ctx, "begin_reading", id, domain.MeasurementIdle, domain.MeasurementReading)
}

// EndReading closes the reading session.
func (s *Service) EndReading(ctx context.Context, id string) error {
	return s.transitionReading(ctx, "end_reading", id, domain.MeasurementReading, domain.MeasurementIdle)
}

func (s *Service) transitionReading(ctx context.Context, op, id string, from, to domain.MeasurementStatus) error {
	return s.run(ctx, op, func(context.Context) (string, []domain.Event, error) {
		state, ok := s.measurements[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityMeasurementInstance, ID: id}
		}
		if state.inst.Status != from {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityMeasurementInstance, ID: id, State: string(state.inst.Status), Op: op}
		}
		state.inst.Status = to
		return id, nil, nil
	})
}

// NeedsCalibration reports whether the instrument must be calibrated before
// the next reading, either because it never was or because the calibration
// interval has elapsed.
func (s *Service) NeedsCalibration(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, mt, err := s.measurementWithType(id)
	if err != nil {
		return false, err
	}
	return s.needsCalibration(&state.inst, mt), nil
}

func (s *Service) needsCalibration(inst *domain.MeasurementInstance, mt domain.MeasurementType) bool {
	if !mt.RequiresCalibration {
		return false
	}
	if !inst.IsCalibrated || inst.CalibratedAt == nil {
		return true
	}
	return mt.CalibrationInterval > 0 && s.clock.Now().Sub(*inst.CalibratedAt) >= mt.CalibrationInterval
}

// CompleteMeasurement closes the series and persists its statistics with
// flagged outliers.
func (s *Service) CompleteMeasurement(ctx context.Context, id string) (domain.MeasurementStatistics, error) {
	var stats domain.MeasurementStatistics
	err := s.run(ctx, "complete_measurement", func(ctx context.Context) (string, []domain.Event, error) {
		state, mt, err := s.measurementWithType(id)
		if err != nil {
			return id, nil, err
		}
		inst := &state.inst
		if inst.Status == domain.MeasurementCompleted {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityMeasurementInstance, ID: id, State: string(inst.Status), Op: "complete"}
		}
		threshold := mt.OutlierThreshold
		if threshold <= 0 {
			threshold = s.limits.DefaultOutlierThreshold
		}
		values := make([]float64, len(inst.DataPoints))
		for i, p := range inst.DataPoints {
			values[i] = p.Value
		}
		completedAt := s.clock.Now()
		out := domain.MeasurementStatistics{
			InstanceID:  inst.ID,
			TypeID:      mt.ID,
			Unit:        mt.Unit,
			Count:       inst.Count,
			Mean:        inst.RunningMean,
			Stddev:      inst.RunningStddev,
			Min:         inst.Min,
			Max:         inst.Max,
			Values:      values,
			Outliers:    DetectOutliers(values, inst.RunningMean, inst.RunningStddev, threshold),
			CompletedAt: completedAt,
		}
		if err := s.results.SaveMeasurement(ctx, out); err != nil {
			return id, nil, err
		}
		inst.Status = domain.MeasurementCompleted
		inst.CompletedAt = &completedAt
		stats = out.Clone()
		ev := s.newEvent(domain.EventMeasurementCompleted, domain.EntityMeasurementInstance, id, mt.ID, map[string]any{
			"count":    out.Count,
			"mean":     out.Mean,
			"stddev":   out.Stddev,
			"outliers": len(out.Outliers),
		})
		return id, []domain.Event{ev}, nil
	})
	return stats, err
}

// GetMeasurement returns a copy of the measurement instance.
func (s *Service) GetMeasurement(id string) (domain.MeasurementInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.measurements[id]
	if !ok {
		return domain.MeasurementInstance{}, domain.ErrNotFound{Entity: domain.EntityMeasurementInstance, ID: id}
	}
	return state.inst.Clone(), nil
}

// ListMeasurements returns copies of every tracked series ordered by creation.
func (s *Service) ListMeasurements() []domain.MeasurementInstance {
	s.mu.Lock()
	out := make([]domain.MeasurementInstance, 0, len(s.measurements))
	for _, state := range s.measurements {
		out = append(out, state.inst.Clone())
	}
	s.mu.Unlock()
	sortByCreation(out, func(m domain.MeasurementInstance) time.Time { return m.CreatedAt }, func(m domain.MeasurementInstance) string { return m.ID })
	return out
}

// ReleaseMeasurement drops a measurement series that is not mid-reading.
func (s *Service) ReleaseMeasurement(ctx context.Context, id string) error {
	return s.run(ctx, "release_measurement", func(context.Context) (string, []domain.Event, error) {
		state, ok := s.measurements[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityMeasurementInstance, ID: id}
		}
		if state.inst.Status == domain.MeasurementReading {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityMeasurementInstance, ID: id, State: string(state.inst.Status), Op: "release"}
		}
		delete(s.measurements, id)
		return id, nil, nil
	})
}

func (s *Service) measurementWithType(id string) (*measurementState, domain.MeasurementType, error) {
	state, ok := s.measurements[id]
	if !ok {
		return nil, domain.MeasurementType{}, domain.ErrNotFound{Entity: domain.EntityMeasurementInstance, ID: id}
	}
	mt, ok := s.catalog.MeasurementType(state.inst.TypeID)
	if !ok {
		return nil, domain.MeasurementType{}, domain.ErrNotFound{Entity: domain.EntityMeasurementType, ID: state.inst.TypeID}
	}
	return state, mt, nil
}

func (s *Service) activeMeasurements() int {
	n := 0
	for _, state := range s.measurements {
		if state.inst.Status != domain.MeasurementCompleted {
			n++
		}
	}
	return n
}
