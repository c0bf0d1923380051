// Package catalog provides the immutable reference data (chemicals, reaction
// and titration definitions, instruments and assessment criteria) consumed by
// the lab engines.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"chemlab/pkg/domain"
)

// Document is the serialized form of a catalog.
type Document struct {
	Chemicals        []domain.ChemicalProperties  `json:"chemicals" yaml:"chemicals"`
	Reactions        []domain.ReactionDefinition  `json:"reactions" yaml:"reactions"`
	Titrations       []domain.TitrationDefinition `json:"titrations" yaml:"titrations"`
	MeasurementTypes []domain.MeasurementType     `json:"measurement_types" yaml:"measurement_types"`
	Criteria         []domain.Criterion           `json:"criteria" yaml:"criteria"`
}

// Source produces a catalog document.
type Source func(ctx context.Context) (Document, error)

// Repository is an in-memory ReferenceRepository refreshed from a Source.
type Repository struct {
	source Source

	mu               sync.RWMutex
	chemicals        map[string]domain.ChemicalProperties
	reactions        map[string]domain.ReactionDefinition
	titrations       map[string]domain.TitrationDefinition
	measurementTypes map[string]domain.MeasurementType
	criteria         []domain.Criterion
}

var _ domain.ReferenceRepository = (*Repository)(nil)

// New constructs an empty repository over source. Call LoadAll before use.
func New(source Source) *Repository {
	return &Repository{source: source}
}

// NewStatic returns a repository serving doc.
func NewStatic(doc Document) *Repository {
	return New(func(context.Context) (Document, error) { return doc, nil })
}

// NewFile returns a repository that reads path on every LoadAll. Files ending
// in .json are decoded as JSON; .yaml and .yml as YAML.
func NewFile(path string) *Repository {
	return New(func(context.Context) (Document, error) { return ReadFile(path) })
}

// ReadFile decodes a catalog document from disk.
func ReadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading catalog: %w", err)
	}
	return Decode(filepath.Ext(path), data)
}

// Decode parses data according to ext (".json", ".yaml" or ".yml").
func Decode(ext string, data []byte) (Document, error) {
	var doc Document
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("parsing catalog json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("parsing catalog yaml: %w", err)
		}
	default:
		return Document{}, fmt.Errorf("unsupported catalog format %q", ext)
	}
	return doc, nil
}

// LoadAll reads and validates the source, then swaps the lookup tables. On
// error the previously loaded data stays in place.
func (r *Repository) LoadAll(ctx context.Context) error {
	if r.source == nil {
		return errors.New("catalog source not configured")
	}
	doc, err := r.source(ctx)
	if err != nil {
		return err
	}
	if err := Validate(doc); err != nil {
		return err
	}
	chemicals := make(map[string]domain.ChemicalProperties, len(doc.Chemicals))
	for _, c := range doc.Chemicals {
		chemicals[c.ID] = cloneChemical(c)
	}
	reactions := make(map[string]domain.ReactionDefinition, len(doc.Reactions))
	for _, d := range doc.Reactions {
		reactions[d.ID] = cloneReaction(d)
	}
	titrations := make(map[string]domain.TitrationDefinition, len(doc.Titrations))
	for _, d := range doc.Titrations {
		titrations[d.ID] = d
	}
	types := make(map[string]domain.MeasurementType, len(doc.MeasurementTypes))
	for _, m := range doc.MeasurementTypes {
		types[m.ID] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chemicals = chemicals
	r.reactions = reactions
	r.titrations = titrations
	r.measurementTypes = types
	r.criteria = slices.Clone(doc.Criteria)
	return nil
}

// Chemical implements domain.RuleView.
func (r *Repository) Chemical(id string) (domain.ChemicalProperties, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chemicals[id]
	return cloneChemical(c), ok
}

// Reaction implements domain.RuleView.
func (r *Repository) Reaction(id string) (domain.ReactionDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.reactions[id]
	return cloneReaction(d), ok
}

// Titration implements domain.RuleView.
func (r *Repository) Titration(id string) (domain.TitrationDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.titrations[id]
	return d, ok
}

// MeasurementType looks up an instrument definition.
func (r *Repository) MeasurementType(id string) (domain.MeasurementType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.measurementTypes[id]
	return m, ok
}

// Criterion looks up an assessment criterion.
func (r *Repository) Criterion(id string) (domain.Criterion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.criteria {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Criterion{}, false
}

// Criteria returns the rubric in document order.
func (r *Repository) Criteria() []domain.Criterion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.criteria)
}

// Chemicals returns every chemical ordered by id.
func (r *Repository) Chemicals() []domain.ChemicalProperties {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ChemicalProperties, 0, len(r.chemicals))
	for _, c := range r.chemicals {
		out = append(out, cloneChemical(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reactions returns every reaction definition ordered by id.
func (r *Repository) Reactions() []domain.ReactionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ReactionDefinition, 0, len(r.reactions))
	for _, d := range r.reactions {
		out = append(out, cloneReaction(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Titrations returns every titration definition ordered by id.
func (r *Repository) Titrations() []domain.TitrationDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TitrationDefinition, 0, len(r.titrations))
	for _, d := range r.titrations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MeasurementTypes returns every instrument definition ordered by id.
func (r *Repository) MeasurementTypes() []domain.MeasurementType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MeasurementType, 0, len(r.measurementTypes))
	for _, m := range r.measurementTypes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneChemical(c domain.ChemicalProperties) domain.ChemicalProperties {
	c.Hazards = slices.Clone(c.Hazards)
	return c
}

func cloneReaction(d domain.ReactionDefinition) domain.ReactionDefinition {
	d.Reactants = slices.Clone(d.Reactants)
	d.Products = slices.Clone(d.Products)
	return d
}
