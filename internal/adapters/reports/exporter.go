// Package reports renders finalized lab results into JSON and CSV artifacts
// and writes them to blob storage under reports/<kind>/<id>.<ext>.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chemlab/internal/blob"
	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

// Kind names the result family an artifact was rendered from.
type Kind string

const (
	KindReaction    Kind = "reaction"
	KindTitration   Kind = "titration"
	KindMeasurement Kind = "measurement"
	KindAssessment  Kind = "assessment"
)

// Format is the encoding of a rendered artifact.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Artifact describes one report written (or found already present) in blob
// storage.
type Artifact struct {
	Kind     Kind      `json:"kind"`
	ResultID string    `json:"result_id"`
	Format   Format    `json:"format"`
	Key      string    `json:"key"`
	Size     int64     `json:"size_bytes"`
	Skipped  bool      `json:"skipped,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// Summary totals an ExportAll run.
type Summary struct {
	Written   int        `json:"written"`
	Skipped   int        `json:"skipped"`
	Artifacts []Artifact `json:"artifacts"`
}

// Exporter writes result reports. Artifacts are create-only: a key that
// already exists is reported as skipped rather than overwritten.
type Exporter struct {
	results domain.ResultStore
	store   blob.Store
	logger  core.Logger
}

// NewExporter constructs an exporter. A nil logger discards output.
func NewExporter(results domain.ResultStore, store blob.Store, logger core.Logger) *Exporter {
	if logger == nil {
		logger = discardLogger{}
	}
	return &Exporter{results: results, store: store, logger: logger}
}

// Key returns the blob key for a report.
func Key(kind Kind, id string, format Format) string {
	return fmt.Sprintf("reports/%s/%s.%s", kind, id, format)
}

// ExportReaction writes the JSON summary and the progress curve CSV.
func (e *Exporter) ExportReaction(ctx context.Context, r domain.ReactionResult) ([]Artifact, error) {
	rows := [][]string{{"time", "progress", "temperature", "rate"}}
	for _, p := range r.Curve {
		rows = append(rows, []string{formatFloat(p.Time), formatFloat(p.Progress), formatFloat(p.Temperature), formatFloat(p.Rate)})
	}
	return e.export(ctx, KindReaction, r.InstanceID, r, rows, map[string]string{
		"reaction_id": r.ReactionID,
		"yield":       formatFloat(r.Yield),
	})
}

// ExportTitration writes the JSON summary and the titration curve CSV.
func (e *Exporter) ExportTitration(ctx context.Context, r domain.TitrationResult) ([]Artifact, error) {
	rows := [][]string{{"volume", "ph", "color", "timestamp"}}
	for _, p := range r.Curve {
		rows = append(rows, []string{formatFloat(p.Volume), formatFloat(p.PH), string(p.Color), p.Timestamp.UTC().Format(time.RFC3339Nano)})
	}
	return e.export(ctx, KindTitration, r.InstanceID, r, rows, map[string]string{
		"titration_id": r.TitrationID,
		"grade":        string(r.Grade),
	})
}

// ExportMeasurement writes the JSON statistics and one CSV row per reading.
func (e *Exporter) ExportMeasurement(ctx context.Context, m domain.MeasurementStatistics) ([]Artifact, error) {
	outliers := make(map[int]float64, len(m.Outliers))
	for _, o := range m.Outliers {
		outliers[o.Index] = o.ZScore
	}
	rows := [][]string{{"index", "value", "outlier", "z_score"}}
	for i, v := range m.Values {
		z, flagged := outliers[i]
		zs := ""
		if flagged {
			zs = formatFloat(z)
		}
		rows = append(rows, []string{strconv.Itoa(i), formatFloat(v), strconv.FormatBool(flagged), zs})
	}
	return e.export(ctx, KindMeasurement, m.InstanceID, m, rows, map[string]string{
		"type_id": m.TypeID,
		"unit":    m.Unit,
	})
}

// ExportAssessment writes the JSON result and one CSV row per criterion.
func (e *Exporter) ExportAssessment(ctx context.Context, a domain.AssessmentResult) ([]Artifact, error) {
	rows := [][]string{{"criterion_id", "name", "attempted", "score", "max_score", "weight", "feedback"}}
	for _, cr := range a.CriterionResults {
		rows = append(rows, []string{cr.CriterionID, cr.Name, strconv.FormatBool(cr.Attempted), formatFloat(cr.Score), formatFloat(cr.MaxScore), formatFloat(cr.Weight), cr.Feedback})
	}
	return e.export(ctx, KindAssessment, a.InstanceID, a, rows, map[string]string{
		"student_id": a.StudentID,
		"grade":      string(a.Grade),
	})
}

// ExportInstance looks up a persisted result by kind and id and exports it.
func (e *Exporter) ExportInstance(ctx context.Context, kind Kind, id string) ([]Artifact, error) {
	switch kind {
	case KindReaction:
		r, ok := e.results.GetReaction(id)
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: id}
		}
		return e.ExportReaction(ctx, r)
	case KindTitration:
		r, ok := e.results.GetTitration(id)
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityTitrationInstance, ID: id}
		}
		return e.ExportTitration(ctx, r)
	case KindMeasurement:
		m, ok := e.results.GetMeasurement(id)
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityMeasurementInstance, ID: id}
		}
		return e.ExportMeasurement(ctx, m)
	case KindAssessment:
		a, ok := e.results.GetAssessment(id)
		if !ok {
			return nil, domain.ErrNotFound{Entity: domain.EntityAssessmentInstance, ID: id}
		}
		return e.ExportAssessment(ctx, a)
	default:
		return nil, fmt.Errorf("unknown report kind %q", kind)
	}
}

// ExportAll writes reports for every persisted result. It stops at the first
// storage error; artifacts written before it remain in place.
func (e *Exporter) ExportAll(ctx context.Context) (Summary, error) {
	var sum Summary
	add := func(arts []Artifact, err error) error {
		if err != nil {
			return err
		}
		for _, a := range arts {
			if a.Skipped {
				sum.Skipped++
			} else {
				sum.Written++
			}
		}
		sum.Artifacts = append(sum.Artifacts, arts...)
		return nil
	}
	for _, r := range e.results.ListReactions() {
		if err := add(e.ExportReaction(ctx, r)); err != nil {
			return sum, err
		}
	}
	for _, r := range e.results.ListTitrations() {
		if err := add(e.ExportTitration(ctx, r)); err != nil {
			return sum, err
		}
	}
	for _, m := range e.results.ListMeasurements() {
		if err := add(e.ExportMeasurement(ctx, m)); err != nil {
			return sum, err
		}
	}
	for _, a := range e.results.ListAssessments() {
		if err := add(e.ExportAssessment(ctx, a)); err != nil {
			return sum, err
		}
	}
	e.logger.Info("reports exported", "written", sum.Written, "skipped", sum.Skipped)
	return sum, nil
}

func (e *Exporter) export(ctx context.Context, kind Kind, id string, summary any, rows [][]string, metadata map[string]string) ([]Artifact, error) {
	if id == "" {
		return nil, fmt.Errorf("%s report: empty result id", kind)
	}
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("render %s %s csv: %w", kind, id, err)
	}

	meta := map[string]string{"kind": string(kind), "result_id": id}
	for k, v := range metadata {
		meta[k] = v
	}
	out := make([]Artifact, 0, 2)
	for _, rendered := range []struct {
		format      Format
		contentType string
		data        []byte
	}{
		{FormatJSON, "application/json", payload},
		{FormatCSV, "text/csv", buf.Bytes()},
	} {
		art, err := e.put(ctx, kind, id, rendered.format, rendered.contentType, rendered.data, meta)
		if err != nil {
			return out, err
		}
		out = append(out, art)
	}
	return out, nil
}

func (e *Exporter) put(ctx context.Context, kind Kind, id string, format Format, contentType string, data []byte, meta map[string]string) (Artifact, error) {
	key := Key(kind, id, format)
	art := Artifact{Kind: kind, ResultID: id, Format: format, Key: key}
	info, err := e.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: contentType, Metadata: meta})
	switch {
	case errors.Is(err, blob.ErrExists):
		existing, headErr := e.store.Head(ctx, key)
		if headErr != nil {
			return art, fmt.Errorf("head %s: %w", key, headErr)
		}
		art.Skipped = true
		art.Size = existing.Size
		art.StoredAt = existing.LastModified
		e.logger.Debug("report already exported", "key", key)
		return art, nil
	case err != nil:
		return art, fmt.Errorf("store %s: %w", key, err)
	}
	art.Size = info.Size
	art.StoredAt = info.LastModified
	e.logger.Debug("report exported", "key", key, "size", info.Size, "driver", string(e.store.Driver()))
	return art, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
