package model

import (
	"bytes"
	"encoding/json"
)

// CurrentSchemaVersion is the document layout written by this code.
// Version 1 stored lobbies and tempChannels at the top level; version 2
// nests them under voice.
const CurrentSchemaVersion = 2

// Store-owned top-level keys. Everything else belongs to feature modules.
const (
	KeySchemaVersion = "schemaVersion"
	KeyRev           = "rev"
	KeyVoice         = "voice"

	KeyLobbies      = "lobbies"
	KeyTempChannels = "tempChannels"
)

// TenantDocument is the unit of storage, one per tenant.
//
// The store reasons about SchemaVersion, Rev and the two voice sub-maps.
// Every other key is carried opaquely in Extra and written back unchanged.
type TenantDocument struct {
	SchemaVersion int
	Rev           int64
	Voice         Voice
	Extra         map[string]json.RawMessage
}

// Voice holds the voice section. Lobbies and TempChannels are keyed by
// channel id; their values are feature-owned records.
type Voice struct {
	Lobbies      map[string]json.RawMessage
	TempChannels map[string]json.RawMessage
	Extra        map[string]json.RawMessage
}

// NewTenantDocument returns the base document handed out for a tenant
// with nothing usable on disk.
func NewTenantDocument() *TenantDocument {
	return &TenantDocument{
		SchemaVersion: CurrentSchemaVersion,
		Rev:           0,
		Voice: Voice{
			Lobbies:      make(map[string]json.RawMessage),
			TempChannels: make(map[string]json.RawMessage),
			Extra:        make(map[string]json.RawMessage),
		},
		Extra: make(map[string]json.RawMessage),
	}
}

// Clone returns a deep copy. Raw values are copied so callers can mutate
// the result without aliasing cached or committed documents.
func (d *TenantDocument) Clone() *TenantDocument {
	if d == nil {
		return nil
	}
	return &TenantDocument{
		SchemaVersion: d.SchemaVersion,
		Rev:           d.Rev,
		Voice: Voice{
			Lobbies:      cloneRawMap(d.Voice.Lobbies),
			TempChannels: cloneRawMap(d.Voice.TempChannels),
			Extra:        cloneRawMap(d.Voice.Extra),
		},
		Extra: cloneRawMap(d.Extra),
	}
}

// Get decodes a feature-owned top-level key into v.
// It returns false if the key is absent.
func (d *TenantDocument) Get(key string, v interface{}) (bool, error) {
	raw, ok := d.Extra[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// Set encodes v under a feature-owned top-level key.
func (d *TenantDocument) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if d.Extra == nil {
		d.Extra = make(map[string]json.RawMessage)
	}
	d.Extra[key] = raw
	return nil
}

// Delete removes a feature-owned top-level key.
func (d *TenantDocument) Delete(key string) {
	delete(d.Extra, key)
}

// SetLobby stores a lobby config under voice.lobbies.
func (d *TenantDocument) SetLobby(channelID string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if d.Voice.Lobbies == nil {
		d.Voice.Lobbies = make(map[string]json.RawMessage)
	}
	d.Voice.Lobbies[channelID] = raw
	return nil
}

// SetTempChannel stores a temp channel record under voice.tempChannels.
func (d *TenantDocument) SetTempChannel(channelID string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if d.Voice.TempChannels == nil {
		d.Voice.TempChannels = make(map[string]json.RawMessage)
	}
	d.Voice.TempChannels[channelID] = raw
	return nil
}

// MarshalJSON writes the document as a single flat JSON object: feature
// keys first merged with the store-owned fields, which always win.
func (d TenantDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}

	voice, err := json.Marshal(d.Voice)
	if err != nil {
		return nil, err
	}
	out[KeyVoice] = voice

	if out[KeySchemaVersion], err = json.Marshal(d.SchemaVersion); err != nil {
		return nil, err
	}
	if out[KeyRev], err = json.Marshal(d.Rev); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// MarshalJSON writes the voice section with lobbies and tempChannels always
// present as objects.
func (v Voice) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(v.Extra)+2)
	for k, raw := range v.Extra {
		out[k] = raw
	}

	lobbies, err := marshalRawMap(v.Lobbies)
	if err != nil {
		return nil, err
	}
	temp, err := marshalRawMap(v.TempChannels)
	if err != nil {
		return nil, err
	}
	out[KeyLobbies] = lobbies
	out[KeyTempChannels] = temp
	return json.Marshal(out)
}

// Equal reports whether two documents serialise identically.
func (d *TenantDocument) Equal(other *TenantDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func marshalRawMap(m map[string]json.RawMessage) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
