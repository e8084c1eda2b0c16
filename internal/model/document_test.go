package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalJSON_FlatObjectWithStoreFields(t *testing.T) {
	doc := NewTenantDocument()
	doc.Rev = 4
	require.NoError(t, doc.Set("prefix", "!"))
	require.NoError(t, doc.SetLobby("111", map[string]int{"limit": 4}))
	doc.Voice.Extra["defaultBitrate"] = json.RawMessage(`64000`)

	// Store-owned keys stashed in Extra lose to the typed fields.
	doc.Extra[KeyRev] = json.RawMessage(`99`)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"schemaVersion": 2,
		"rev": 4,
		"prefix": "!",
		"voice": {
			"lobbies": {"111": {"limit": 4}},
			"tempChannels": {},
			"defaultBitrate": 64000
		}
	}`, string(data))
}

func TestMarshalJSON_NilMapsBecomeObjects(t *testing.T) {
	data, err := json.Marshal(&TenantDocument{SchemaVersion: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaVersion": 2, "rev": 0, "voice": {"lobbies": {}, "tempChannels": {}}}`, string(data))
}

func TestClone_IsDeep(t *testing.T) {
	doc := NewTenantDocument()
	require.NoError(t, doc.Set("prefix", "!"))
	require.NoError(t, doc.SetTempChannel("900", "owner"))

	cp := doc.Clone()
	assert.True(t, doc.Equal(cp))

	cp.Extra["prefix"][1] = '?'
	require.NoError(t, cp.SetTempChannel("901", "other"))
	cp.Rev = 7

	var prefix string
	_, err := doc.Get("prefix", &prefix)
	require.NoError(t, err)
	assert.Equal(t, "!", prefix)
	assert.NotContains(t, doc.Voice.TempChannels, "901")
	assert.Equal(t, int64(0), doc.Rev)
	assert.False(t, doc.Equal(cp))

	var nilDoc *TenantDocument
	assert.Nil(t, nilDoc.Clone())
}

func TestGetSetDelete(t *testing.T) {
	doc := &TenantDocument{}

	type tickets struct {
		Enabled  bool   `json:"enabled"`
		Category string `json:"category"`
	}
	require.NoError(t, doc.Set("tickets", tickets{Enabled: true, Category: "555"}))

	var got tickets
	ok, err := doc.Get("tickets", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tickets{Enabled: true, Category: "555"}, got)

	doc.Delete("tickets")
	ok, err = doc.Get("tickets", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	doc.Extra["broken"] = json.RawMessage(`"text"`)
	ok, err = doc.Get("broken", &got)
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestEqual_Nil(t *testing.T) {
	var a, b *TenantDocument
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(NewTenantDocument()))
}
