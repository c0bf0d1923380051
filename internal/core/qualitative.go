package core

import (
	"context"
	"unicode"

	"chemlab/pkg/domain"
)

// flameColors maps cation symbols to their characteristic flame color.
var flameColors = map[string]string{
	"Li": "crimson",
	"Na": "yellow",
	"K":  "lilac",
	"Ca": "orange-red",
	"Sr": "red",
	"Ba": "apple-green",
	"Cu": "blue-green",
}

// faintColors are reported when no characteristic cation is present.
var faintColors = []string{"colorless", "faint yellow", "pale orange", "faint blue"}

// FlameTest identifies the cation of a chemical by flame color. Unknown
// cations produce a randomly chosen faint color and an inconclusive result.
func (s *Service) FlameTest(ctx context.Context, chemicalID string) (domain.FlameTestResult, error) {
	var out domain.FlameTestResult
	err := s.run(ctx, "flame_test", func(context.Context) (string, []domain.Event, error) {
		chem, ok := s.catalog.Chemical(chemicalID)
		if !ok {
			return chemicalID, nil, domain.ErrNotFound{Entity: domain.EntityChemical, ID: chemicalID}
		}
		out = domain.FlameTestResult{ChemicalID: chem.ID}
		ion := leadingElement(chem.Formula)
		if color, ok := flameColors[ion]; ok {
			out.Ion = ion
			out.Color = color
			out.Conclusive = true
			return chem.ID, nil, nil
		}
		idx := int(s.rng.Float64() * float64(len(faintColors)))
		if idx >= len(faintColors) {
			idx = len(faintColors) - 1
		}
		out.Color = faintColors[idx]
		return chem.ID, nil, nil
	})
	return out, err
}

// leadingElement returns the first element symbol of a formula, e.g. "Na"
// for "NaCl" and "K" for "KMnO4".
func leadingElement(formula string) string {
	runes := []rune(formula)
	if len(runes) == 0 || !unicode.IsUpper(runes[0]) {
		return ""
	}
	if len(runes) > 1 && unicode.IsLower(runes[1]) {
		return string(runes[:2])
	}
	return string(runes[:1])
}
