package deid

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// DefaultMedicalTerms are clinical phrases that look like "Firstname LASTNAME"
// but are not names.
var DefaultMedicalTerms = []string{
	"groupe sanguin", "rhésus positif", "rhésus négatif",
	"voie orale", "voie intraveineuse", "prise unique",
	"traitement fond", "centre hospitalier", "service réanimation",
	"unité soins", "salle opération", "bloc opératoire",
}

// Denylist is a set of lowercase medical terms used to reject name
// candidates. It can be swapped at runtime; readers never block.
type Denylist struct {
	terms atomic.Pointer[[]string]
}

// NewDenylist returns a denylist holding the given terms.
func NewDenylist(terms []string) *Denylist {
	d := &Denylist{}
	d.Replace(terms)
	return d
}

// Replace atomically swaps the term set. Blank entries are dropped.
func (d *Denylist) Replace(terms []string) {
	normalized := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			normalized = append(normalized, t)
		}
	}
	d.terms.Store(&normalized)
}

// Terms returns a copy of the current terms.
func (d *Denylist) Terms() []string {
	p := d.terms.Load()
	if p == nil {
		return nil
	}
	out := make([]string, len(*p))
	copy(out, *p)
	return out
}

// Matches reports whether the lowercase form of s contains any term.
func (d *Denylist) Matches(s string) bool {
	p := d.terms.Load()
	if p == nil {
		return false
	}
	lower := strings.ToLower(s)
	for _, term := range *p {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// denylistFile is the on-disk YAML layout.
type denylistFile struct {
	MedicalTerms []string `yaml:"medical_terms"`
}

// ReadDenylistFile parses a YAML denylist file.
func ReadDenylistFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denylist %s: %w", path, err)
	}
	var f denylistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse denylist %s: %w", path, err)
	}
	return f.MedicalTerms, nil
}

// LoadDenylist builds a denylist from path, or from DefaultMedicalTerms
// when path is empty.
func LoadDenylist(path string) (*Denylist, error) {
	if path == "" {
		return NewDenylist(DefaultMedicalTerms), nil
	}
	terms, err := ReadDenylistFile(path)
	if err != nil {
		return nil, err
	}
	return NewDenylist(terms), nil
}
