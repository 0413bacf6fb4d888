package deid

import (
	"regexp"
	"strings"
)

// NameFinder extracts the distinct person names present in a text.
type NameFinder interface {
	ExtractNames(text string) ([]string, error)
}

const (
	capWord   = `\p{Lu}\p{Ll}+(?:-\p{Lu}\p{Ll}+)?`
	upperWord = `\p{Lu}{2,}(?:-\p{Lu}{2,})?`
	nameWord  = `(?:` + capWord + `|` + upperWord + `)`
)

var (
	titledNamePattern = regexp.MustCompile(
		`\b(?i:Dr\.?|Docteur|Pr\.?|Professeur|M\.|Mme\.?|Mlle\.?)[ \t]+(` + capWord + `(?:[ \t]+` + nameWord + `){0,2})`)

	contextNamePattern = regexp.MustCompile(
		`\b(?i:patiente?|malade|sujet|hospitalisée?|consulte|examinée?|traitée?)[ \t]*:?[ \t]*(` + capWord + `(?:[ \t]+` + upperWord + `)?)`)

	bigramNamePattern = regexp.MustCompile(capWord + `[ \t]+` + upperWord)
)

// titleWords are rejected as names on their own; "consulte Dr. X" would
// otherwise yield "Dr" from the context pass.
var titleWords = map[string]bool{
	"dr": true, "docteur": true, "pr": true, "professeur": true,
	"m": true, "mme": true, "mlle": true, "madame": true, "monsieur": true,
}

// NameDetector recognizes person names in French clinical text using titles,
// clinical context cues and a "Firstname LASTNAME" fallback.
type NameDetector struct {
	denylist *Denylist
}

// NewNameDetector returns a detector that filters fallback matches through
// denylist. A nil denylist uses DefaultMedicalTerms.
func NewNameDetector(denylist *Denylist) *NameDetector {
	if denylist == nil {
		denylist = NewDenylist(DefaultMedicalTerms)
	}
	return &NameDetector{denylist: denylist}
}

// ExtractNames returns distinct names in detection order: titled names,
// then context-cued names, then denylist-filtered bigrams.
func (d *NameDetector) ExtractNames(text string) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, m := range titledNamePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range contextNamePattern.FindAllStringSubmatch(text, -1) {
		if titleWords[strings.ToLower(m[1])] {
			continue
		}
		add(m[1])
	}
	for _, m := range bigramNamePattern.FindAllString(text, -1) {
		if d.denylist.Matches(m) {
			continue
		}
		add(m)
	}
	return names, nil
}
