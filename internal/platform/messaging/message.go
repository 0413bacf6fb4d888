package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DocumentID accepts a JSON string or number; producers send either.
type DocumentID string

func (d *DocumentID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DocumentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("document_id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("document_id must be a string or number: %w", err)
	}
	*d = DocumentID(n.String())
	return nil
}

// InboundDocument is a text document waiting for anonymization.
type InboundDocument struct {
	DocumentID  DocumentID             `json:"document_id"`
	Filename    string                 `json:"filename"`
	TextContent string                 `json:"text_content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// OutboundDocument is published once the text has been anonymized. Metadata
// is passed through untouched.
type OutboundDocument struct {
	DocumentID  string                 `json:"document_id"`
	Filename    string                 `json:"filename"`
	TextContent string                 `json:"text_content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Anonymized  bool                   `json:"anonymized"`
	ProcessedAt time.Time              `json:"processed_at"`
}
