package catalog

import (
	"errors"
	"fmt"

	"chemlab/pkg/domain"
)

// Validate reports every structural problem in doc: missing or duplicate ids,
// dangling chemical references and physically meaningless values.
func Validate(doc Document) error {
	var errs []error
	chemicals := make(map[string]struct{}, len(doc.Chemicals))
	for _, c := range doc.Chemicals {
		if err := checkID(domain.EntityChemical, c.ID, chemicals); err != nil {
			errs = append(errs, err)
		}
		if c.MolarMass < 0 || c.Density < 0 || c.Concentration < 0 {
			errs = append(errs, fmt.Errorf("chemical %s: negative physical property", c.ID))
		}
	}

	reactions := make(map[string]struct{}, len(doc.Reactions))
	for _, d := range doc.Reactions {
		if err := checkID(domain.EntityReaction, d.ID, reactions); err != nil {
			errs = append(errs, err)
		}
		if len(d.Reactants) == 0 {
			errs = append(errs, fmt.Errorf("reaction %s: no reactants", d.ID))
		}
		for _, sp := range append(append([]domain.Species(nil), d.Reactants...), d.Products...) {
			if _, ok := chemicals[sp.ChemicalID]; !ok {
				errs = append(errs, fmt.Errorf("reaction %s: unknown chemical %s", d.ID, sp.ChemicalID))
			}
			if sp.Coefficient < 0 || sp.Order < 0 || sp.InitialConcentration < 0 {
				errs = append(errs, fmt.Errorf("reaction %s: species %s has negative coefficient, order or concentration", d.ID, sp.ChemicalID))
			}
		}
		if d.RateConstant < 0 || d.ActivationEnergy < 0 {
			errs = append(errs, fmt.Errorf("reaction %s: rate constant and activation energy must be non-negative", d.ID))
		}
		if d.EquilibriumProgress < 0 || d.EquilibriumProgress > 1 {
			errs = append(errs, fmt.Errorf("reaction %s: equilibrium_progress must be within [0, 1]", d.ID))
		}
	}

	titrations := make(map[string]struct{}, len(doc.Titrations))
	for _, d := range doc.Titrations {
		if err := checkID(domain.EntityTitration, d.ID, titrations); err != nil {
			errs = append(errs, err)
		}
		for _, id := range []string{d.AnalyteID, d.TitrantID} {
			if _, ok := chemicals[id]; !ok {
				errs = append(errs, fmt.Errorf("titration %s: unknown chemical %s", d.ID, id))
			}
		}
		switch d.AnalyteType {
		case domain.AnalyteStrongAcid, domain.AnalyteWeakAcid, domain.AnalyteStrongBase, domain.AnalyteWeakBase:
		default:
			errs = append(errs, fmt.Errorf("titration %s: unknown analyte type %q", d.ID, d.AnalyteType))
		}
		if d.ExpectedEndpoint <= 0 {
			errs = append(errs, fmt.Errorf("titration %s: expected_endpoint must be positive", d.ID))
		}
		if d.AnalyteVolume < 0 || d.AnalyteConcentration < 0 || d.TitrantConcentration < 0 ||
			d.EndpointThreshold < 0 || d.AcceptableError < 0 || d.BuretteCapacity < 0 {
			errs = append(errs, fmt.Errorf("titration %s: volumes, concentrations and thresholds must be non-negative", d.ID))
		}
	}

	types := make(map[string]struct{}, len(doc.MeasurementTypes))
	for _, m := range doc.MeasurementTypes {
		if err := checkID(domain.EntityMeasurementType, m.ID, types); err != nil {
			errs = append(errs, err)
		}
		if m.MinValue >= m.MaxValue {
			errs = append(errs, fmt.Errorf("measurement type %s: min_value must be below max_value", m.ID))
		}
		if m.Precision < 0 || m.Accuracy < 0 || m.MaxDataPoints < 0 || m.OutlierThreshold < 0 || m.CalibrationInterval < 0 {
			errs = append(errs, fmt.Errorf("measurement type %s: negative precision, accuracy or limit", m.ID))
		}
	}

	criteria := make(map[string]struct{}, len(doc.Criteria))
	for _, c := range doc.Criteria {
		if err := checkID(domain.EntityCriterion, c.ID, criteria); err != nil {
			errs = append(errs, err)
		}
		if c.MaxScore <= 0 {
			errs = append(errs, fmt.Errorf("criterion %s: max_score must be positive", c.ID))
		}
		if c.Weight < 0 {
			errs = append(errs, fmt.Errorf("criterion %s: weight must be non-negative", c.ID))
		}
	}
	return errors.Join(errs...)
}

func checkID(entity domain.EntityType, id string, seen map[string]struct{}) error {
	if id == "" {
		return fmt.Errorf("%s with empty id", entity)
	}
	if _, dup := seen[id]; dup {
		return fmt.Errorf("duplicate %s id %s", entity, id)
	}
	seen[id] = struct{}{}
	return nil
}
