package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chemlab/internal/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect reference data",
		Long: `List and validate the chemical catalog.

Examples:
  chemlab catalog list                  # Summary of every section
  chemlab catalog list titrations       # One section
  chemlab catalog validate lab.yaml     # Check a catalog file`,
	}
	cmd.AddCommand(newCatalogListCmd(), newCatalogValidateCmd())
	return cmd
}

func newCatalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "list [chemicals|reactions|titrations|instruments|criteria]",
		Short:     "List catalog entries",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"chemicals", "reactions", "titrations", "instruments", "criteria"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			section := ""
			if len(args) == 1 {
				section = args[0]
			}
			repo := a.catalog

			if jsonOutput(cmd) {
				out := map[string]any{}
				if section == "" || section == "chemicals" {
					out["chemicals"] = repo.Chemicals()
				}
				if section == "" || section == "reactions" {
					out["reactions"] = repo.Reactions()
				}
				if section == "" || section == "titrations" {
					out["titrations"] = repo.Titrations()
				}
				if section == "" || section == "instruments" {
					out["measurement_types"] = repo.MeasurementTypes()
				}
				if section == "" || section == "criteria" {
					out["criteria"] = repo.Criteria()
				}
				if len(out) == 0 {
					return fmt.Errorf("unknown catalog section %q", section)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			switch section {
			case "":
				fmt.Fprintf(tw, "chemicals:\t%d\n", len(repo.Chemicals()))
				fmt.Fprintf(tw, "reactions:\t%d\n", len(repo.Reactions()))
				fmt.Fprintf(tw, "titrations:\t%d\n", len(repo.Titrations()))
				fmt.Fprintf(tw, "instruments:\t%d\n", len(repo.MeasurementTypes()))
				fmt.Fprintf(tw, "criteria:\t%d\n", len(repo.Criteria()))
			case "chemicals":
				fmt.Fprintln(tw, "ID\tFORMULA\tNAME\tHAZARDS")
				for _, c := range repo.Chemicals() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", c.ID, c.Formula, c.Name, c.Hazards)
				}
			case "reactions":
				fmt.Fprintln(tw, "ID\tNAME\tK\tEA (J/mol)\tEXOTHERMIC")
				for _, d := range repo.Reactions() {
					fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%t\n", d.ID, d.Name, d.RateConstant, d.ActivationEnergy, d.IsExothermic)
				}
			case "titrations":
				fmt.Fprintln(tw, "ID\tANALYTE\tTITRANT\tTYPE\tEXPECTED (mL)")
				for _, d := range repo.Titrations() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g\n", d.ID, d.AnalyteID, d.TitrantID, d.AnalyteType, d.ExpectedEndpoint)
				}
			case "instruments":
				fmt.Fprintln(tw, "ID\tUNIT\tRANGE\tPRECISION\tCALIBRATION")
				for _, m := range repo.MeasurementTypes() {
					fmt.Fprintf(tw, "%s\t%s\t[%g, %g]\t%g\t%s\n", m.ID, m.Unit, m.MinValue, m.MaxValue, m.Precision, m.CalibrationInterval)
				}
			case "criteria":
				fmt.Fprintln(tw, "ID\tNAME\tWEIGHT\tMAX")
				for _, c := range repo.Criteria() {
					fmt.Fprintf(tw, "%s\t%s\t%g\t%g\n", c.ID, c.Name, c.Weight, c.MaxScore)
				}
			default:
				return fmt.Errorf("unknown catalog section %q", section)
			}
			return nil
		},
	}
}

func newCatalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := catalog.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := catalog.Validate(doc); err != nil {
				return fmt.Errorf("catalog %s is invalid:\n%w", args[0], err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"path": args[0], "valid": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chemicals, %d reactions, %d titrations, %d instruments, %d criteria\n",
				args[0], len(doc.Chemicals), len(doc.Reactions), len(doc.Titrations), len(doc.MeasurementTypes), len(doc.Criteria))
			return nil
		},
	}
}
