package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/devrev/guildstore/internal/model"
)

// Decoded is the result of parsing a document file.
type Decoded struct {
	Doc *model.TenantDocument
	// Raw is the file content as read, kept for NeedsRewrite.
	Raw json.RawMessage
}

// NeedsRewrite reports whether the file this was decoded from is not in
// canonical shape.
func (d *Decoded) NeedsRewrite() bool {
	return NeedsRewrite(d.Raw, d.Doc)
}

// Decode parses file content. Only syntactically invalid JSON is an error;
// any valid JSON value is normalized.
func Decode(data []byte) (*Decoded, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("malformed JSON document (%d bytes)", len(data))
	}
	raw := json.RawMessage(trimmed)
	return &Decoded{Doc: Normalize(raw), Raw: raw}, nil
}

// Encode serialises a document in its on-disk form: indented JSON with a
// trailing newline and keys in sorted order.
func Encode(doc *model.TenantDocument) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return append(data, '\n'), nil
}
