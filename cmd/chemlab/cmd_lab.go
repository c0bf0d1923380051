package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

func newReactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "react <reaction-id>",
		Short: "Run a reaction to completion",
		Long: `Start a reaction from the catalog and tick it until it completes, reaches
equilibrium or fails. Unfinished reactions are force-completed after
--max-ticks so a partial yield is still recorded.

Examples:
  chemlab react neutralization
  chemlab react esterification --temperature 80 --catalyst 2 --dt 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			dt, _ := cmd.Flags().GetFloat64("dt")
			maxTicks, _ := cmd.Flags().GetInt("max-ticks")
			temperature, _ := cmd.Flags().GetFloat64("temperature")
			catalyst, _ := cmd.Flags().GetFloat64("catalyst")

			inst, err := svc.CreateReaction(ctx, args[0], domain.Vector3{})
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("temperature") {
				if err := svc.SetReactionTemperature(ctx, inst.ID, temperature); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("catalyst") {
				if err := svc.AddCatalyst(ctx, inst.ID, catalyst); err != nil {
					return err
				}
			}
			res, err := svc.StartReaction(ctx, inst.ID)
			if err != nil {
				return err
			}
			printViolations(cmd, res)

			result, state, err := runReaction(ctx, svc, inst.ID, dt, maxTicks)
			if err != nil {
				return err
			}
			if state.Status == domain.ReactionFailed {
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), state)
				}
				return fmt.Errorf("reaction %s failed at %.1f °C after %.1fs (progress %.1f%%)",
					args[0], state.Temperature, state.ElapsedTime, state.Progress*100)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reaction %s (%s)\n", result.ReactionID, result.InstanceID)
			fmt.Fprintf(out, "  yield:        %.1f%%\n", result.Yield)
			fmt.Fprintf(out, "  duration:     %.2fs\n", result.Duration)
			fmt.Fprintf(out, "  temperature:  %.1f °C\n", result.FinalTemperature)
			fmt.Fprintf(out, "  forced:       %v\n", result.Forced)
			return nil
		},
	}
	cmd.Flags().Float64("dt", 0.5, "Simulated seconds per tick")
	cmd.Flags().Int("max-ticks", 1000, "Stop ticking after this many steps")
	cmd.Flags().Float64("temperature", 0, "Set the hot plate temperature in °C before starting")
	cmd.Flags().Float64("catalyst", 1, "Catalyst rate multiplier")
	return cmd
}

// runReaction ticks until the reaction stops changing, then completes it.
// A failed reaction is returned without a result.
func runReaction(ctx context.Context, svc *core.Service, id string, dt float64, maxTicks int) (domain.ReactionResult, domain.ReactionInstance, error) {
	state, err := svc.GetReaction(id)
	if err != nil {
		return domain.ReactionResult{}, state, err
	}
	for i := 0; i < maxTicks && state.Status == domain.ReactionInProgress && state.Progress < 1; i++ {
		if state, err = svc.TickReaction(ctx, id, dt); err != nil {
			return domain.ReactionResult{}, state, err
		}
	}
	if state.Status == domain.ReactionFailed {
		return domain.ReactionResult{}, state, nil
	}
	result, err := svc.CompleteReaction(ctx, id, state.Progress < 1)
	return result, state, err
}

func newTitrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "titrate <titration-id>",
		Short: "Run a titration with a sequence of titrant additions",
		Long: `Add titrant in the given increments (mL), complete the titration and
report the calculated concentration. With --student the result is also
graded against the --criterion rubric line.

Examples:
  chemlab titrate hcl_naoh --add 10,10,4,0.5,0.5
  chemlab titrate acetic_naoh --add 19.9,0.1 --student s42 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			additions, _ := cmd.Flags().GetFloat64Slice("add")
			student, _ := cmd.Flags().GetString("student")
			criterion, _ := cmd.Flags().GetString("criterion")

			inst, err := svc.CreateTitration(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := svc.StartTitration(ctx, inst.ID)
			if err != nil {
				return err
			}
			printViolations(cmd, res)
			for _, v := range additions {
				if _, err := svc.AddTitrant(ctx, inst.ID, v); err != nil {
					return err
				}
			}
			result, err := svc.CompleteTitration(ctx, inst.ID)
			if err != nil {
				return err
			}

			var assessment *domain.AssessmentResult
			if student != "" {
				ar, err := gradeTitration(ctx, svc, args[0], student, criterion, result)
				if err != nil {
					return err
				}
				assessment = &ar
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"titration": result, "assessment": assessment})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "titration %s (%s)\n", result.TitrationID, result.InstanceID)
			fmt.Fprintf(out, "  endpoint:       %.2f mL at pH %.2f\n", result.EndpointVolume, result.EndpointPH)
			fmt.Fprintf(out, "  concentration:  %.4f mol/L (actual %.4f)\n", result.CalculatedConcentration, result.ActualConcentration)
			fmt.Fprintf(out, "  error:          %.2f%%\n", result.PercentageError)
			fmt.Fprintf(out, "  grade:          %s\n", result.Grade)
			if assessment != nil {
				fmt.Fprintf(out, "assessment for %s: %.1f%% (%s) %s\n", assessment.StudentID, assessment.Percentage, assessment.Grade, assessment.OverallComment)
				for _, line := range assessment.Feedback {
					fmt.Fprintf(out, "  - %s\n", line)
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64Slice("add", nil, "Titrant additions in mL, comma separated")
	cmd.Flags().String("student", "", "Grade the result for this student")
	cmd.Flags().String("criterion", "accuracy", "Criterion scored from the titration error")
	return cmd
}

func gradeTitration(ctx context.Context, svc *core.Service, experimentID, student, criterion string, result domain.TitrationResult) (domain.AssessmentResult, error) {
	inst, err := svc.CreateAssessment(ctx, experimentID, student)
	if err != nil {
		return domain.AssessmentResult{}, err
	}
	if _, err := svc.ApplyTitrationResult(ctx, inst.ID, criterion, result); err != nil {
		return domain.AssessmentResult{}, err
	}
	return svc.CompleteAssessment(ctx, inst.ID)
}

func newMeasureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure <instrument-id>",
		Short: "Record a series of instrument readings",
		Long: `Calibrate the instrument when required, take one reading per --values
entry and report the series statistics and outliers.

Example:
  chemlab measure ph_meter --values 7.01,7.03,6.99,7.02,9.8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			values, _ := cmd.Flags().GetFloat64Slice("values")
			if len(values) == 0 {
				return fmt.Errorf("--values is required")
			}
			inst, err := svc.CreateMeasurement(ctx, args[0])
			if err != nil {
				return err
			}
			needs, err := svc.NeedsCalibration(inst.ID)
			if err != nil {
				return err
			}
			if needs {
				if err := svc.Calibrate(ctx, inst.ID); err != nil {
					return err
				}
			}
			for _, v := range values {
				if _, err := svc.TakeMeasurement(ctx, inst.ID, v); err != nil {
					return err
				}
			}
			stats, err := svc.CompleteMeasurement(ctx, inst.ID)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s series (%s)\n", stats.TypeID, stats.InstanceID)
			fmt.Fprintf(out, "  readings:  %d\n", stats.Count)
			fmt.Fprintf(out, "  mean:      %.4g %s\n", stats.Mean, stats.Unit)
			fmt.Fprintf(out, "  stddev:    %.4g\n", stats.Stddev)
			fmt.Fprintf(out, "  range:     [%.4g, %.4g]\n", stats.Min, stats.Max)
			for _, o := range stats.Outliers {
				fmt.Fprintf(out, "  outlier:   #%d %.4g (z=%.2f)\n", o.Index, o.Value, o.ZScore)
			}
			return nil
		},
	}
	cmd.Flags().Float64Slice("values", nil, "Raw readings, comma separated")
	return cmd
}

func newFlameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flame <chemical-id>",
		Short: "Perform a flame test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.FlameTest(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			if res.Conclusive {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s flame (%s)\n", res.ChemicalID, res.Color, res.Ion)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s flame (inconclusive)\n", res.ChemicalID, res.Color)
			}
			return nil
		},
	}
}

func printViolations(cmd *cobra.Command, res domain.Result) {
	if jsonOutput(cmd) || len(res.Violations) == 0 {
		return
	}
	lines := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		lines = append(lines, fmt.Sprintf("  [%s] %s: %s", v.Severity, v.Rule, v.Message))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "safety notes:\n%s\n", strings.Join(lines, "\n"))
}
