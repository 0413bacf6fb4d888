package deid

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is a step of the anonymization state machine.
type Stage string

const (
	StageReceived Stage = "RECEIVED"
	StageNamePass Stage = "NAME_PASS"
	StagePersist  Stage = "PERSIST"
	StageDone     Stage = "DONE"
	StageFailed   Stage = "FAILED"
)

// PatternStage returns the stage name of the pattern pass for et, e.g.
// PATTERN_PASS(phone).
func PatternStage(et EntityType) Stage {
	return Stage("PATTERN_PASS(" + strings.ToLower(string(et)) + ")")
}

// Anonymizer runs the name pass and the pattern passes over a document and
// flushes the resulting mappings to a ledger. It holds no per-call state and
// can serve concurrent calls.
type Anonymizer struct {
	names   NameFinder
	catalog *PatternCatalog
	gen     *Generator
	ledger  MappingLedger
	now     func() time.Time
	onStage func(documentID string, s Stage)
}

// Option configures an Anonymizer.
type Option func(*Anonymizer)

// WithClock overrides the mapping timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Anonymizer) { a.now = now }
}

// WithStageHook registers fn to observe every state transition.
func WithStageHook(fn func(documentID string, s Stage)) Option {
	return func(a *Anonymizer) { a.onStage = fn }
}

// NewAnonymizer wires the collaborators of the pipeline.
func NewAnonymizer(names NameFinder, catalog *PatternCatalog, gen *Generator, ledger MappingLedger, opts ...Option) *Anonymizer {
	a := &Anonymizer{
		names:   names,
		catalog: catalog,
		gen:     gen,
		ledger:  ledger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Anonymize redacts req.DocumentContent and appends the mapping batch to the
// ledger. On any error nothing is persisted and no content is returned.
// A missing document id is replaced by a random UUID.
func (a *Anonymizer) Anonymize(ctx context.Context, req AnonymizeRequest) (*AnonymizedDocument, error) {
	if strings.TrimSpace(req.DocumentContent) == "" {
		return nil, &ValidationError{Err: ErrEmptyContent}
	}
	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	a.enter(docID, StageReceived)

	content, mappings, err := a.Redact(docID, req.DocumentContent)
	if err != nil {
		a.enter(docID, StageFailed)
		return nil, err
	}

	a.enter(docID, StagePersist)
	if len(mappings) > 0 {
		if err := a.ledger.Append(ctx, mappings); err != nil {
			a.enter(docID, StageFailed)
			return nil, &PersistenceError{DocumentID: docID, Err: err}
		}
	}
	a.enter(docID, StageDone)

	entities := make(map[EntityType]int)
	for _, m := range mappings {
		entities[m.EntityType]++
	}
	return &AnonymizedDocument{DocumentID: docID, Content: content, Count: len(mappings), Entities: entities}, nil
}

// Redact runs every pass without touching the ledger and returns the
// rewritten text with the mappings produced, in pass order.
func (a *Anonymizer) Redact(documentID, text string) (string, []PseudonymMapping, error) {
	var all []PseudonymMapping

	a.enter(documentID, StageNamePass)
	text, batch, err := a.guard(StageNamePass, func() (string, []PseudonymMapping, error) {
		return a.NamePass(documentID, text)
	})
	if err != nil {
		return "", nil, err
	}
	all = append(all, batch...)

	for _, d := range a.catalog.Detectors() {
		d := d
		stage := PatternStage(d.EntityType())
		a.enter(documentID, stage)
		text, batch, err = a.guard(stage, func() (string, []PseudonymMapping, error) {
			return a.PatternPass(d, documentID, text)
		})
		if err != nil {
			return "", nil, err
		}
		all = append(all, batch...)
	}
	return text, all, nil
}

// NamePass replaces every occurrence of each detected name with one shared
// pseudonym. Longer names go first so that a name containing another is not
// left half exposed. Names that no longer occur produce no mapping.
func (a *Anonymizer) NamePass(documentID, text string) (string, []PseudonymMapping, error) {
	names, err := a.names.ExtractNames(text)
	if err != nil {
		return "", nil, err
	}
	ordered := make([]string, len(names))
	copy(ordered, names)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	var mappings []PseudonymMapping
	for _, name := range ordered {
		if name == "" || !strings.Contains(text, name) {
			continue
		}
		token, err := a.gen.Generate(EntityPerson)
		if err != nil {
			return "", nil, err
		}
		text = strings.ReplaceAll(text, name, token)
		mappings = append(mappings, a.mapping(documentID, name, token, EntityPerson))
	}
	return text, mappings, nil
}

// PatternPass replaces each span found by d with its own token, or with
// DateToken for dates.
func (a *Anonymizer) PatternPass(d Detector, documentID, text string) (string, []PseudonymMapping, error) {
	spans, err := d.Detect(text)
	if err != nil {
		return "", nil, err
	}
	if len(spans) == 0 {
		return text, nil, nil
	}

	var (
		b        strings.Builder
		mappings = make([]PseudonymMapping, 0, len(spans))
		last     int
	)
	b.Grow(len(text))
	for _, s := range spans {
		if s.Start < last || s.End > len(text) || s.Start >= s.End {
			return "", nil, fmt.Errorf("span [%d,%d) out of order or out of bounds", s.Start, s.End)
		}
		token := DateToken
		if d.EntityType() != EntityDate {
			token, err = a.gen.Generate(d.EntityType())
			if err != nil {
				return "", nil, err
			}
		}
		b.WriteString(text[last:s.Start])
		b.WriteString(token)
		last = s.End
		mappings = append(mappings, a.mapping(documentID, text[s.Start:s.End], token, d.EntityType()))
	}
	b.WriteString(text[last:])
	return b.String(), mappings, nil
}

func (a *Anonymizer) mapping(documentID, original, token string, et EntityType) PseudonymMapping {
	return PseudonymMapping{
		ID:              uuid.New(),
		DocumentID:      documentID,
		OriginalValue:   original,
		AnonymizedValue: token,
		EntityType:      et,
		CreatedAt:       a.now().UTC(),
	}
}

// guard turns errors and panics raised by a pass into a DetectionError.
func (a *Anonymizer) guard(stage Stage, pass func() (string, []PseudonymMapping, error)) (text string, mappings []PseudonymMapping, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, mappings = "", nil
			err = &DetectionError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	text, mappings, err = pass()
	if err != nil {
		return "", nil, &DetectionError{Stage: stage, Err: err}
	}
	return text, mappings, nil
}

func (a *Anonymizer) enter(documentID string, s Stage) {
	if a.onStage != nil {
		a.onStage(documentID, s)
	}
}
