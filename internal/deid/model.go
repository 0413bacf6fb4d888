package deid

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names the category of a detected sensitive span.
type EntityType string

const (
	EntityPerson  EntityType = "PERSON"
	EntityPhone   EntityType = "PHONE"
	EntityEmail   EntityType = "EMAIL"
	EntitySSN     EntityType = "SSN"
	EntityDate    EntityType = "DATE"
	EntityAddress EntityType = "ADDRESS"
	EntityIPP     EntityType = "IPP"
)

// EntityTypes lists every entity type in pass order.
var EntityTypes = []EntityType{
	EntityPerson, EntityPhone, EntityEmail, EntitySSN, EntityDate, EntityAddress, EntityIPP,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// DateToken replaces every detected date. Dates are not pseudonymized.
const DateToken = "[DATE_ANONYMISÉE]"

// DetectionSpan is a sensitive substring found by a detector. Start and End
// are byte offsets such that text[Start:End] == Value.
type DetectionSpan struct {
	EntityType EntityType `json:"entity_type"`
	Value      string     `json:"value"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
}

// PseudonymMapping links one replaced occurrence to the token that replaced it.
type PseudonymMapping struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	DocumentID      string     `db:"document_id" json:"document_id"`
	OriginalValue   string     `db:"original_value" json:"original_value"`
	AnonymizedValue string     `db:"anonymized_value" json:"anonymized_value"`
	EntityType      EntityType `db:"entity_type" json:"entity_type"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// AnonymizeRequest is the input of a single anonymization call.
type AnonymizeRequest struct {
	DocumentContent string `json:"document_content"`
	DocumentID      string `json:"document_id,omitempty"`
	Filename        string `json:"filename,omitempty"`
}

// AnonymizedDocument is the redacted output of a successful call.
type AnonymizedDocument struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Count      int    `json:"count"`

	// Entities counts replacements per entity type.
	Entities map[EntityType]int `json:"entities,omitempty"`
}

// MappingsResult is the answer to a mapping query for one document.
type MappingsResult struct {
	DocumentID string             `json:"document_id"`
	Mappings   []PseudonymMapping `json:"mappings"`
	Count      int                `json:"count"`
}
