package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	v, err := NewVerifier()
	require.NoError(t, err)

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"canonical", `{"schemaVersion": 2, "rev": 3, "voice": {"lobbies": {}, "tempChannels": {}}, "prefix": "!"}`, true},
		{"newer version", `{"schemaVersion": 9, "rev": 0, "voice": {"lobbies": {}, "tempChannels": {}}}`, true},
		{"legacy top-level lobbies", `{"schemaVersion": 2, "rev": 0, "voice": {"lobbies": {}, "tempChannels": {}}, "lobbies": {}}`, false},
		{"missing voice", `{"schemaVersion": 2, "rev": 0}`, false},
		{"voice lobbies not object", `{"schemaVersion": 2, "rev": 0, "voice": {"lobbies": [], "tempChannels": {}}}`, false},
		{"negative rev", `{"schemaVersion": 2, "rev": -1, "voice": {"lobbies": {}, "tempChannels": {}}}`, false},
		{"string rev", `{"schemaVersion": 2, "rev": "1", "voice": {"lobbies": {}, "tempChannels": {}}}`, false},
		{"outdated version", `{"schemaVersion": 1, "rev": 0, "voice": {"lobbies": {}, "tempChannels": {}}}`, false},
		{"array", `[]`, false},
		{"not json", `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := v.Verify([]byte(tt.raw))
			assert.Equal(t, tt.valid, report.Valid, "violations: %v", report.Violations)
			if !tt.valid {
				assert.NotEmpty(t, report.Violations)
			}
		})
	}
}
