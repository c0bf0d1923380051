package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"chemlab/pkg/domain"
)

// CreateAssessment opens an assessment with one zero-scored, unattempted
// result per catalog criterion.
func (s *Service) CreateAssessment(ctx context.Context, experimentID, studentID string) (domain.AssessmentInstance, error) {
	var created domain.AssessmentInstance
	err := s.run(ctx, "create_assessment", func(context.Context) (string, []domain.Event, error) {
		criteria := s.catalog.Criteria()
		inst := &domain.AssessmentInstance{
			ID:               uuid.NewString(),
			ExperimentID:     experimentID,
			StudentID:        studentID,
			Status:           domain.AssessmentInProgress,
			CriterionResults: make([]domain.CriterionResult, 0, len(criteria)),
			CreatedAt:        s.clock.Now(),
		}
		for _, c := range criteria {
			inst.CriterionResults = append(inst.CriterionResults, domain.CriterionResult{
				CriterionID: c.ID,
				Name:        c.Name,
				MaxScore:    c.MaxScore,
				Weight:      c.Weight,
			})
		}
		s.assessments[inst.ID] = inst
		created = inst.Clone()
		return inst.ID, nil, nil
	})
	return created, err
}

// UpdateCriterionScore records score (clamped to [0, MaxScore]) against a
// criterion. The weighted sums move by the delta only.
func (s *Service) UpdateCriterionScore(ctx context.Context, assessmentID, criterionID string, score float64, feedback string) (domain.CriterionResult, error) {
	return s.scoreCriterion(ctx, "update_criterion_score", assessmentID, criterionID, func(float64) (float64, string) {
		return score, feedback
	})
}

// ApplyTitrationResult scores a criterion from a titration outcome: full
// marks at zero error falling linearly to zero at 10% error.
func (s *Service) ApplyTitrationResult(ctx context.Context, assessmentID, criterionID string, result domain.TitrationResult) (domain.CriterionResult, error) {
	return s.scoreCriterion(ctx, "apply_titration_result", assessmentID, criterionID, func(maxScore float64) (float64, string) {
		return TitrationScore(result, maxScore), fmt.Sprintf("titration error %.2f%% (grade %s)", result.PercentageError, result.Grade)
	})
}

// ApplyReactionResult scores a criterion in proportion to reaction yield.
func (s *Service) ApplyReactionResult(ctx context.Context, assessmentID, criterionID string, result domain.ReactionResult) (domain.CriterionResult, error) {
	return s.scoreCriterion(ctx, "apply_reaction_result", assessmentID, criterionID, func(maxScore float64) (float64, string) {
		return ReactionScore(result, maxScore), fmt.Sprintf("reaction yield %.1f%%", result.Yield)
	})
}

// ApplyMeasurementResult scores a criterion on measurement precision.
func (s *Service) ApplyMeasurementResult(ctx context.Context, assessmentID, criterionID string, stats domain.MeasurementStatistics) (domain.CriterionResult, error) {
	return s.scoreCriterion(ctx, "apply_measurement_result", assessmentID, criterionID, func(maxScore float64) (float64, string) {
		return MeasurementScore(stats, maxScore), fmt.Sprintf("%d readings, mean %.4g %s, %d outliers", stats.Count, stats.Mean, stats.Unit, len(stats.Outliers))
	})
}

// TitrationScore maps a titration result onto [0, maxScore]. A titration that
// never reached its endpoint scores zero.
func TitrationScore(result domain.TitrationResult, maxScore float64) float64 {
	if result.CalculatedConcentration == 0 {
		return 0
	}
	return maxScore * clamp(1-result.PercentageError/10, 0, 1)
}

// ReactionScore maps reaction yield onto [0, maxScore].
func ReactionScore(result domain.ReactionResult, maxScore float64) float64 {
	return maxScore * clamp(result.Yield/100, 0, 1)
}

// MeasurementScore rewards low relative spread and penalizes the fraction of
// readings flagged as outliers.
func MeasurementScore(stats domain.MeasurementStatistics, maxScore float64) float64 {
	if stats.Count == 0 {
		return 0
	}
	relative := 0.0
	switch {
	case stats.Mean != 0:
		relative = stats.Stddev / math.Abs(stats.Mean)
	case stats.Stddev > 0:
		relative = 1
	}
	outlierFraction := float64(len(stats.Outliers)) / float64(stats.Count)
	return maxScore * clamp(1-relative, 0, 1) * clamp(1-outlierFraction, 0, 1)
}

func (s *Service) scoreCriterion(ctx context.Context, op, assessmentID, criterionID string, score func(maxScore float64) (float64, string)) (domain.CriterionResult, error) {
	var out domain.CriterionResult
	err := s.run(ctx, op, func(context.Context) (string, []domain.Event, error) {
		inst, ok := s.assessments[assessmentID]
		if !ok {
			return assessmentID, nil, domain.ErrNotFound{Entity: domain.EntityAssessmentInstance, ID: assessmentID}
		}
		if inst.Status != domain.AssessmentInProgress {
			return assessmentID, nil, domain.ErrInvalidState{Entity: domain.EntityAssessmentInstance, ID: assessmentID, State: string(inst.Status), Op: "score criterion"}
		}
		idx := -1
		for i := range inst.CriterionResults {
			if inst.CriterionResults[i].CriterionID == criterionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return assessmentID, nil, domain.ErrNotFound{Entity: domain.EntityCriterion, ID: criterionID}
		}
		cr := &inst.CriterionResults[idx]
		raw, feedback := score(cr.MaxScore)
		if math.IsNaN(raw) {
			return assessmentID, nil, domain.ErrOutOfRange{Field: "score", Value: raw, Min: 0, Max: cr.MaxScore}
		}
		clamped := clamp(raw, 0, cr.MaxScore)
		if !cr.Attempted {
			cr.Attempted = true
			inst.WeightSum += cr.Weight
			inst.WeightedMaxSum += cr.MaxScore * cr.Weight
			inst.WeightedScoreSum += clamped * cr.Weight
		} else {
			inst.WeightedScoreSum += (clamped - cr.Score) * cr.Weight
		}
		cr.Score = clamped
		if feedback != "" {
			cr.Feedback = feedback
		}
		out = *cr
		ev := s.newEvent(domain.EventCriterionScored, domain.EntityAssessmentInstance, assessmentID, inst.ExperimentID, map[string]any{
			"criterion_id": criterionID,
			"score":        clamped,
			"max_score":    cr.MaxScore,
		})
		return assessmentID, []domain.Event{ev}, nil
	})
	return out, err
}

// CompleteAssessment computes the weighted average over attempted criteria,
// grades it and persists the result. Unattempted criteria do not count toward
// the denominator.
func (s *Service) CompleteAssessment(ctx context.Context, id string) (domain.AssessmentResult, error) {
	var result domain.AssessmentResult
	err := s.run(ctx, "complete_assessment", func(ctx context.Context) (string, []domain.Event, error) {
		inst, ok := s.assessments[id]
		if !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityAssessmentInstance, ID: id}
		}
		if inst.Status != domain.AssessmentInProgress {
			return id, nil, domain.ErrInvalidState{Entity: domain.EntityAssessmentInstance, ID: id, State: string(inst.Status), Op: "complete"}
		}
		var total, maxPossible, percentage float64
		if inst.WeightSum > 0 {
			total = inst.WeightedScoreSum / inst.WeightSum
			maxPossible = inst.WeightedMaxSum / inst.WeightSum
		}
		if maxPossible > 0 {
			percentage = total / maxPossible * 100
		}
		ratio := percentage / 100
		completedAt := s.clock.Now()
		res := domain.AssessmentResult{
			InstanceID:       inst.ID,
			ExperimentID:     inst.ExperimentID,
			StudentID:        inst.StudentID,
			CriterionResults: inst.CriterionResults,
			TotalScore:       total,
			MaxPossibleScore: maxPossible,
			Percentage:       percentage,
			Grade:            domain.GradeForPercentage(percentage),
			Passed:           inst.WeightSum > 0 && ratio >= s.limits.PassingThreshold,
			Feedback:         criterionFeedback(inst.CriterionResults),
			OverallComment:   s.overallComment(inst.WeightSum > 0, ratio),
			CompletedAt:      completedAt,
		}.Clone()
		if err := s.results.SaveAssessment(ctx, res); err != nil {
			return id, nil, err
		}
		inst.Status = domain.AssessmentCompleted
		inst.CompletedAt = &completedAt
		result = res.Clone()
		ev := s.newEvent(domain.EventAssessmentCompleted, domain.EntityAssessmentInstance, id, inst.ExperimentID, map[string]any{
			"student_id": inst.StudentID,
			"percentage": percentage,
			"grade":      string(res.Grade),
			"passed":     res.Passed,
		})
		return id, []domain.Event{ev}, nil
	})
	return result, err
}

func criterionFeedback(results []domain.CriterionResult) []string {
	var out []string
	for _, cr := range results {
		switch {
		case !cr.Attempted:
			out = append(out, fmt.Sprintf("%s: not attempted", cr.Name))
		case cr.Score < cr.MaxScore && cr.Feedback != "":
			out = append(out, fmt.Sprintf("%s: %.1f/%.1f - %s", cr.Name, cr.Score, cr.MaxScore, cr.Feedback))
		case cr.Score < cr.MaxScore:
			out = append(out, fmt.Sprintf("%s: %.1f/%.1f", cr.Name, cr.Score, cr.MaxScore))
		}
	}
	return out
}

func (s *Service) overallComment(attempted bool, ratio float64) string {
	switch {
	case !attempted:
		return "No criteria were attempted."
	case ratio >= s.limits.ExcellentThreshold:
		return "Excellent work. The experiment was performed with high accuracy and good technique."
	case ratio >= s.limits.PassingThreshold:
		return "Good work. Review the feedback to improve your accuracy."
	default:
		return "Needs improvement. Review the procedure and repeat the experiment."
	}
}

// GetAssessment returns a copy of the assessment instance.
func (s *Service) GetAssessment(id string) (domain.AssessmentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.assessments[id]
	if !ok {
		return domain.AssessmentInstance{}, domain.ErrNotFound{Entity: domain.EntityAssessmentInstance, ID: id}
	}
	return inst.Clone(), nil
}

// ListAssessments returns copies of every tracked assessment ordered by
// creation.
func (s *Service) ListAssessments() []domain.AssessmentInstance {
	s.mu.Lock()
	out := make([]domain.AssessmentInstance, 0, len(s.assessments))
	for _, inst := range s.assessments {
		out = append(out, inst.Clone())
	}
	s.mu.Unlock()
	sortByCreation(out, func(a domain.AssessmentInstance) time.Time { return a.CreatedAt }, func(a domain.AssessmentInstance) string { return a.ID })
	return out
}

// ReleaseAssessment drops an assessment from the active table.
func (s *Service) ReleaseAssessment(ctx context.Context, id string) error {
	return s.run(ctx, "release_assessment", func(context.Context) (string, []domain.Event, error) {
		if _, ok := s.assessments[id]; !ok {
			return id, nil, domain.ErrNotFound{Entity: domain.EntityAssessmentInstance, ID: id}
		}
		delete(s.assessments, id)
		return id, nil, nil
	})
}
