package deid

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Detector finds the spans of a single entity category. Spans are returned
// leftmost first and never overlap.
type Detector interface {
	EntityType() EntityType
	Detect(text string) ([]DetectionSpan, error)
}

var (
	// Digit-run boundaries are checked by notInDigitRun; a leading \b would
	// miss numbers glued to a word, as in "Tél0612345678".
	phonePattern = regexp.MustCompile(`(?:\+33|0033|0)\s?[1-9](?:[\s.-]?\d{2}){4}`)

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	// NIR: sex digit, year, month, department, commune, order, optional key.
	ssnPattern = regexp.MustCompile(`\b[12]\s?\d{2}\s?\d{2}\s?\d{2}\s?\d{3}\s?\d{3}(?:\s?\d{2})?\b`)

	datePattern = regexp.MustCompile(`\b(?:0?[1-9]|[12][0-9]|3[01])[-/](?:0?[1-9]|1[012])[-/](?:19|20)?\d{2}\b`)

	addressPattern = regexp.MustCompile(`(?i)\b\d{1,4}[, \t]+(?:rue|avenue|boulevard|place|chemin|allée|impasse|passage)[ \t]+[\p{L}' \t-]+(?:\d{5})?[ \t]*[\p{L}-]*`)

	// Identifiers must hold a digit (see hasDigitSuffix) so words such as
	// IDENTIFIANT stay intact.
	ippPattern = regexp.MustCompile(`(?i)\b(?:IPP|NIP|ID)[ \t]*:?[ \t]*[A-Z0-9]{6,12}\b`)
)

// RegexDetector is a Detector backed by a compiled regular expression.
type RegexDetector struct {
	entity    EntityType
	re        *regexp.Regexp
	trimRight bool
	// accept, when set, rejects candidate matches text[start:end].
	accept func(text string, start, end int) bool
}

// NewRegexDetector wraps re as a detector for the given entity type.
func NewRegexDetector(entity EntityType, re *regexp.Regexp) *RegexDetector {
	return &RegexDetector{entity: entity, re: re}
}

func (d *RegexDetector) EntityType() EntityType { return d.entity }

func (d *RegexDetector) Detect(text string) ([]DetectionSpan, error) {
	if d.re == nil {
		return nil, fmt.Errorf("%s detector has no pattern", d.entity)
	}
	locs := d.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil, nil
	}
	spans := make([]DetectionSpan, 0, len(locs))
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if d.trimRight {
			end = start + len(strings.TrimRightFunc(text[start:end], unicode.IsSpace))
		}
		if end <= start {
			continue
		}
		if d.accept != nil && !d.accept(text, start, end) {
			continue
		}
		spans = append(spans, DetectionSpan{
			EntityType: d.entity,
			Value:      text[start:end],
			Start:      start,
			End:        end,
		})
	}
	return spans, nil
}

// PatternCatalog holds the fixed-category detectors in pass order.
type PatternCatalog struct {
	detectors []Detector
}

// NewPatternCatalog returns the default catalog: phone, email, SSN, date,
// address, IPP.
func NewPatternCatalog() *PatternCatalog {
	phone := NewRegexDetector(EntityPhone, phonePattern)
	phone.accept = notInDigitRun
	address := NewRegexDetector(EntityAddress, addressPattern)
	address.trimRight = true
	ipp := NewRegexDetector(EntityIPP, ippPattern)
	ipp.accept = hasDigitSuffix
	return &PatternCatalog{detectors: []Detector{
		phone,
		NewRegexDetector(EntityEmail, emailPattern),
		NewRegexDetector(EntitySSN, ssnPattern),
		NewRegexDetector(EntityDate, datePattern),
		address,
		ipp,
	}}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// notInDigitRun rejects a match that starts or ends inside a longer run of
// digits.
func notInDigitRun(text string, start, end int) bool {
	if start > 0 && isDigit(text[start-1]) {
		return false
	}
	return end >= len(text) || !isDigit(text[end])
}

// hasDigitSuffix accepts a match whose trailing alphanumeric run, the
// identifier itself when a separator follows the keyword, holds a digit.
func hasDigitSuffix(text string, start, end int) bool {
	for i := end - 1; i >= start; i-- {
		c := text[i]
		switch {
		case isDigit(c):
			return true
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return false
}

// NewPatternCatalogWith builds a catalog from explicit detectors, applied in
// the order given.
func NewPatternCatalogWith(detectors ...Detector) *PatternCatalog {
	return &PatternCatalog{detectors: detectors}
}

// Detectors returns the detectors in pass order.
func (c *PatternCatalog) Detectors() []Detector {
	out := make([]Detector, len(c.detectors))
	copy(out, c.detectors)
	return out
}

// Detector returns the detector for the given entity type, if any.
func (c *PatternCatalog) Detector(et EntityType) (Detector, bool) {
	for _, d := range c.detectors {
		if d.EntityType() == et {
			return d, true
		}
	}
	return nil, false
}

// DetectAll runs every detector against the same, unmodified text. It is
// meant for previews and evaluation; anonymization runs detectors on the
// progressively rewritten text instead.
func (c *PatternCatalog) DetectAll(text string) ([]DetectionSpan, error) {
	var all []DetectionSpan
	for _, d := range c.detectors {
		spans, err := d.Detect(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.EntityType(), err)
		}
		all = append(all, spans...)
	}
	return all, nil
}
