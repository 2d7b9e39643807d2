package core

import "strings"

// Part represents a polymorphic segment of message or artifact content.
// Concrete part types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g. a decoded JSON object).
type DataPart struct {
	Data     map[string]any // Structured key/value payload
	Metadata map[string]any
}

// isPart implements the Part interface for DataPart.
func (DataPart) isPart() {}

// Content holds a role plus ordered parts. It is the unit exchanged with
// reasoning backends.
type Content struct {
	Role  string `json:"role,omitempty"` // system, user, assistant
	Parts []Part `json:"parts"`
}

// NewTextContent builds a single text part content for the given role.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts of the content.
func (c Content) Text() string { return PartsText(c.Parts) }

// PartsText joins the text of all TextParts in order. Data parts are skipped.
func PartsText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// CloneParts returns a shallow copy of the parts slice.
func CloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return cp
}
