package deid

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// LabeledEntity is one expected entity of an evaluation document. Either
// Text or the Start/End byte range into the document text must be set.
type LabeledEntity struct {
	Text  string `json:"text,omitempty"`
	Start *int   `json:"start,omitempty"`
	End   *int   `json:"end,omitempty"`
	Label string `json:"label"`
}

// LabeledDocument is one entry of an evaluation dataset.
type LabeledDocument struct {
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	ExpectedEntities []LabeledEntity `json:"expected_entities"`
	// Entities is accepted as an alias of ExpectedEntities.
	Entities []LabeledEntity `json:"entities,omitempty"`
}

func (d LabeledDocument) expected() []LabeledEntity {
	if len(d.ExpectedEntities) > 0 {
		return d.ExpectedEntities
	}
	return d.Entities
}

// EntityMetrics holds detection quality for one entity type, or overall.
type EntityMetrics struct {
	EntityType     string  `json:"entity_type"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1_score"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Support        int     `json:"support"`
}

// EvaluationReport is the result of scoring a dataset.
type EvaluationReport struct {
	Documents     int             `json:"documents"`
	TotalDetected int             `json:"total_detected"`
	TotalExpected int             `json:"total_expected"`
	Overall       EntityMetrics   `json:"overall"`
	ByEntity      []EntityMetrics `json:"by_entity"`
	ElapsedMs     int64           `json:"elapsed_ms"`
}

// ReadDataset decodes a JSON array of labeled documents.
func ReadDataset(r io.Reader) ([]LabeledDocument, error) {
	var docs []LabeledDocument
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return docs, nil
}

// DetectFunc finds the sensitive spans of a text. Service.Detect satisfies it.
type DetectFunc func(text string) ([]DetectionSpan, error)

// Evaluate scores detect against docs. Entities are compared as
// (trimmed lowercase text, label) sets per document. sampleSize > 0 limits
// the run to the first sampleSize documents.
func Evaluate(detect DetectFunc, docs []LabeledDocument, sampleSize int) (*EvaluationReport, error) {
	start := time.Now()
	if sampleSize > 0 && sampleSize < len(docs) {
		docs = docs[:sampleSize]
	}

	type tally struct{ tp, fp, fn, support int }
	perType := make(map[string]*tally)
	get := func(label string) *tally {
		t, ok := perType[label]
		if !ok {
			t = &tally{}
			perType[label] = t
		}
		return t
	}

	report := &EvaluationReport{Documents: len(docs)}
	var overall tally
	for _, doc := range docs {
		spans, err := detect(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("detect document %s: %w", doc.ID, err)
		}
		report.TotalDetected += len(spans)
		gold := doc.expected()
		report.TotalExpected += len(gold)

		detected := make(map[string]string)
		for _, s := range spans {
			detected[entityKey(s.Value, string(s.EntityType))] = string(s.EntityType)
		}
		expected := make(map[string]string)
		for _, e := range gold {
			get(e.Label).support++
			text, ok := e.resolve(doc.Text)
			if !ok {
				continue
			}
			expected[entityKey(text, e.Label)] = e.Label
		}

		for k, label := range detected {
			if _, ok := expected[k]; ok {
				get(label).tp++
				overall.tp++
			} else {
				get(label).fp++
				overall.fp++
			}
		}
		for k, label := range expected {
			if _, ok := detected[k]; !ok {
				get(label).fn++
				overall.fn++
			}
		}
	}

	labels := make([]string, 0, len(perType))
	for l := range perType {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		t := perType[l]
		report.ByEntity = append(report.ByEntity, metrics(l, t.tp, t.fp, t.fn, t.support))
	}
	report.Overall = metrics("OVERALL", overall.tp, overall.fp, overall.fn, report.TotalExpected)
	report.ElapsedMs = time.Since(start).Milliseconds()
	return report, nil
}

func (e LabeledEntity) resolve(text string) (string, bool) {
	if e.Text != "" {
		return e.Text, true
	}
	if e.Start == nil || e.End == nil {
		return "", false
	}
	s, end := *e.Start, *e.End
	if s < 0 || end > len(text) || s >= end {
		return "", false
	}
	return text[s:end], true
}

func entityKey(text, label string) string {
	return strings.ToLower(strings.TrimSpace(text)) + "|" + label
}

func metrics(label string, tp, fp, fn, support int) EntityMetrics {
	var p, r, f1 float64
	if tp+fp > 0 {
		p = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		r = float64(tp) / float64(tp+fn)
	}
	if p+r > 0 {
		f1 = 2 * p * r / (p + r)
	}
	return EntityMetrics{
		EntityType:     label,
		Precision:      round4(p),
		Recall:         round4(r),
		F1:             round4(f1),
		TruePositives:  tp,
		FalsePositives: fp,
		FalseNegatives: fn,
		Support:        support,
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
