// Package codec converts between on-disk JSON and model.TenantDocument.
//
// Normalization coerces untrusted input into the canonical shape: non-object
// input becomes an empty document, legacy top-level lobbies/tempChannels are
// moved under voice, the voice maps are forced to objects, and schemaVersion
// and rev are forced to non-negative integers. Normalizing a canonical
// document returns it unchanged.
package codec

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/devrev/guildstore/internal/model"
)

var nullRaw = json.RawMessage("null")

// Normalize maps a decoded-but-untrusted JSON value into a canonical
// document. It never fails: anything it cannot interpret is replaced by
// the default for that field.
func Normalize(raw json.RawMessage) *model.TenantDocument {
	top, ok := asObject(raw)
	if !ok {
		top = map[string]json.RawMessage{}
	}

	doc := &model.TenantDocument{
		Extra: make(map[string]json.RawMessage, len(top)),
	}
	for k, v := range top {
		switch k {
		case model.KeySchemaVersion, model.KeyRev, model.KeyVoice, model.KeyLobbies, model.KeyTempChannels:
			continue
		}
		doc.Extra[k] = v
	}

	voice, _ := asObject(top[model.KeyVoice])
	doc.Voice = model.Voice{
		Lobbies:      nestedOrLegacy(voice, top, model.KeyLobbies),
		TempChannels: nestedOrLegacy(voice, top, model.KeyTempChannels),
		Extra:        make(map[string]json.RawMessage, len(voice)),
	}
	for k, v := range voice {
		if k == model.KeyLobbies || k == model.KeyTempChannels {
			continue
		}
		doc.Voice.Extra[k] = v
	}

	doc.SchemaVersion = normalizeVersion(top[model.KeySchemaVersion])
	doc.Rev = 0
	if rev, ok := asNonNegativeInt(top[model.KeyRev]); ok {
		doc.Rev = rev
	}
	return doc
}

// NormalizeDocument applies the same rules to a document built in memory
// by a caller. It mutates and returns doc; a nil doc yields a base document.
func NormalizeDocument(doc *model.TenantDocument) *model.TenantDocument {
	if doc == nil {
		return model.NewTenantDocument()
	}
	if doc.Extra == nil {
		doc.Extra = make(map[string]json.RawMessage)
	}

	// Callers sometimes stash store-owned keys in Extra; the typed fields win.
	delete(doc.Extra, model.KeySchemaVersion)
	delete(doc.Extra, model.KeyRev)
	delete(doc.Extra, model.KeyVoice)

	if legacy, ok := doc.Extra[model.KeyLobbies]; ok {
		if len(doc.Voice.Lobbies) == 0 {
			if m, ok := asObject(legacy); ok {
				doc.Voice.Lobbies = m
			}
		}
		delete(doc.Extra, model.KeyLobbies)
	}
	if legacy, ok := doc.Extra[model.KeyTempChannels]; ok {
		if len(doc.Voice.TempChannels) == 0 {
			if m, ok := asObject(legacy); ok {
				doc.Voice.TempChannels = m
			}
		}
		delete(doc.Extra, model.KeyTempChannels)
	}

	if doc.Voice.Lobbies == nil {
		doc.Voice.Lobbies = make(map[string]json.RawMessage)
	}
	if doc.Voice.TempChannels == nil {
		doc.Voice.TempChannels = make(map[string]json.RawMessage)
	}
	if doc.Voice.Extra == nil {
		doc.Voice.Extra = make(map[string]json.RawMessage)
	}
	delete(doc.Voice.Extra, model.KeyLobbies)
	delete(doc.Voice.Extra, model.KeyTempChannels)

	repairRaw(doc.Extra)
	repairRaw(doc.Voice.Extra)
	repairRaw(doc.Voice.Lobbies)
	repairRaw(doc.Voice.TempChannels)

	if doc.SchemaVersion < model.CurrentSchemaVersion {
		doc.SchemaVersion = model.CurrentSchemaVersion
	}
	if doc.Rev < 0 {
		doc.Rev = 0
	}
	return doc
}

// NeedsRewrite reports whether the on-disk form raw differs structurally
// from its normalized result, so that persisting the normalized document
// would repair the file.
func NeedsRewrite(raw json.RawMessage, normalized *model.TenantDocument) bool {
	top, ok := asObject(raw)
	if !ok {
		return true
	}

	if _, ok := top[model.KeyLobbies]; ok {
		return true
	}
	if _, ok := top[model.KeyTempChannels]; ok {
		return true
	}

	voice, ok := asObject(top[model.KeyVoice])
	if !ok {
		return true
	}
	if _, ok := asObject(voice[model.KeyLobbies]); !ok {
		return true
	}
	if _, ok := asObject(voice[model.KeyTempChannels]); !ok {
		return true
	}

	version, ok := asNonNegativeInt(top[model.KeySchemaVersion])
	if !ok || version != int64(normalized.SchemaVersion) {
		return true
	}
	rev, ok := asNonNegativeInt(top[model.KeyRev])
	if !ok || rev != normalized.Rev {
		return true
	}
	return false
}

// nestedOrLegacy returns voice[key] when it is present, falling back to the
// legacy top-level key when the nested form is absent or null. Values that
// are present but not objects become empty maps.
func nestedOrLegacy(voice, top map[string]json.RawMessage, key string) map[string]json.RawMessage {
	if nested, ok := voice[key]; ok && !isNull(nested) {
		if m, ok := asObject(nested); ok {
			return m
		}
		return map[string]json.RawMessage{}
	}
	if m, ok := asObject(top[key]); ok {
		return m
	}
	return map[string]json.RawMessage{}
}

func normalizeVersion(raw json.RawMessage) int {
	v, ok := asNonNegativeInt(raw)
	if !ok || v < model.CurrentSchemaVersion {
		return model.CurrentSchemaVersion
	}
	if v > int64(^uint(0)>>1) {
		return model.CurrentSchemaVersion
	}
	return int(v)
}

// asObject decodes raw as a JSON object. Arrays, null, scalars, missing
// values and malformed input all report false.
func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// asNonNegativeInt accepts JSON integers only; 3.0, "3" and -1 are rejected.
func asNonNegativeInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), nullRaw)
}

func repairRaw(m map[string]json.RawMessage) {
	for k, v := range m {
		if !json.Valid(v) {
			m[k] = nullRaw
		}
	}
}
