package deid

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Stats is a snapshot of the engine counters since start.
type Stats struct {
	DocumentsProcessed int64            `json:"documents_processed"`
	DocumentsFailed    int64            `json:"documents_failed"`
	EntitiesDetected   int64            `json:"entities_detected"`
	ByEntityType       map[string]int64 `json:"by_entity_type"`
	TotalProcessingMs  int64            `json:"total_processing_ms"`
	AvgProcessingMs    float64          `json:"avg_processing_ms"`
}

type counters struct {
	processed atomic.Int64
	failed    atomic.Int64
	entities  atomic.Int64
	totalNs   atomic.Int64
	byType    map[EntityType]*atomic.Int64
}

func newCounters() *counters {
	c := &counters{byType: make(map[EntityType]*atomic.Int64, len(EntityTypes))}
	for _, et := range EntityTypes {
		c.byType[et] = new(atomic.Int64)
	}
	return c
}

// Service is the entry point used by the HTTP handler, the queue worker and
// the CLI. Logs carry document ids and counts, never document text or
// original values.
type Service struct {
	anon    *Anonymizer
	names   NameFinder
	catalog *PatternCatalog
	ledger  MappingLedger
	logger  zerolog.Logger
	stats   *counters
}

func NewService(anon *Anonymizer, names NameFinder, catalog *PatternCatalog, ledger MappingLedger, logger zerolog.Logger) *Service {
	return &Service{
		anon:    anon,
		names:   names,
		catalog: catalog,
		ledger:  ledger,
		logger:  logger.With().Str("component", "deid").Logger(),
		stats:   newCounters(),
	}
}

// Anonymize runs one document through the pipeline and updates the counters.
func (s *Service) Anonymize(ctx context.Context, req AnonymizeRequest) (*AnonymizedDocument, error) {
	start := time.Now()
	doc, err := s.anon.Anonymize(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		s.stats.failed.Add(1)
		ev := s.logger.Error().Err(err).Str("document_id", req.DocumentID)
		if IsValidation(err) {
			ev = s.logger.Warn().Err(err).Str("document_id", req.DocumentID)
		}
		ev.Dur("elapsed", elapsed).Msg("anonymization failed")
		return nil, err
	}

	s.stats.processed.Add(1)
	s.stats.entities.Add(int64(doc.Count))
	s.stats.totalNs.Add(int64(elapsed))
	for et, n := range doc.Entities {
		if c, ok := s.stats.byType[et]; ok {
			c.Add(int64(n))
		}
	}
	s.logger.Info().
		Str("document_id", doc.DocumentID).
		Str("filename", req.Filename).
		Int("mappings", doc.Count).
		Dur("elapsed", elapsed).
		Msg("document anonymized")
	return doc, nil
}

// GetMappings returns every mapping recorded for documentID in insertion
// order. An unknown document yields an empty result.
func (s *Service) GetMappings(ctx context.Context, documentID string) (*MappingsResult, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, &ValidationError{Err: fmt.Errorf("document id is required")}
	}
	mappings, err := s.ledger.FindByDocumentID(ctx, documentID)
	if err != nil {
		return nil, &PersistenceError{DocumentID: documentID, Err: err}
	}
	if mappings == nil {
		mappings = []PseudonymMapping{}
	}
	return &MappingsResult{DocumentID: documentID, Mappings: mappings, Count: len(mappings)}, nil
}

// ListByEntityType pages through mappings of one type, newest first.
func (s *Service) ListByEntityType(ctx context.Context, et EntityType, limit, offset int) ([]PseudonymMapping, int, error) {
	if !et.Valid() {
		return nil, 0, &ValidationError{Err: fmt.Errorf("unknown entity type %q", et)}
	}
	out, total, err := s.ledger.FindByEntityType(ctx, et, limit, offset)
	if err != nil {
		return nil, 0, &PersistenceError{Err: err}
	}
	return out, total, nil
}

// Detect previews what a run would replace without writing to the ledger.
// Names are reported once each with the offset of their first occurrence;
// pattern spans are reported as found in the unmodified text.
func (s *Service) Detect(text string) ([]DetectionSpan, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Err: ErrEmptyContent}
	}
	names, err := s.names.ExtractNames(text)
	if err != nil {
		return nil, &DetectionError{Stage: StageNamePass, Err: err}
	}
	var spans []DetectionSpan
	for _, n := range names {
		if i := strings.Index(text, n); i >= 0 {
			spans = append(spans, DetectionSpan{EntityType: EntityPerson, Value: n, Start: i, End: i + len(n)})
		}
	}
	found, err := s.catalog.DetectAll(text)
	if err != nil {
		return nil, &DetectionError{Stage: StageReceived, Err: err}
	}
	return append(spans, found...), nil
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	st := Stats{
		DocumentsProcessed: s.stats.processed.Load(),
		DocumentsFailed:    s.stats.failed.Load(),
		EntitiesDetected:   s.stats.entities.Load(),
		TotalProcessingMs:  time.Duration(s.stats.totalNs.Load()).Milliseconds(),
		ByEntityType:       make(map[string]int64, len(s.stats.byType)),
	}
	for et, c := range s.stats.byType {
		st.ByEntityType[string(et)] = c.Load()
	}
	if st.DocumentsProcessed > 0 {
		st.AvgProcessingMs = float64(s.stats.totalNs.Load()) / float64(st.DocumentsProcessed) / float64(time.Millisecond)
	}
	return st
}
