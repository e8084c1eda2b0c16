package validation

import (
	"strings"
	"testing"

	"github.com/devrev/guildstore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTenantID_Snowflake(t *testing.T) {
	v := NewValidator("")

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"typical guild id", "123456789012345678", false},
		{"zero", "0", false},
		{"max uint64", "18446744073709551615", false},
		{"overflow", "18446744073709551616", true},
		{"too long", strings.Repeat("1", 21), true},
		{"empty", "", true},
		{"letters", "12ab", true},
		{"traversal", "../1", true},
		{"negative", "-1", true},
		{"whitespace", " 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTenantID(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidTenantID, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTenantID_Name(t *testing.T) {
	v := NewValidator(FormatName)

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "guild-alpha", false},
		{"unicode", "gilde-ü", false},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"dot dot", "..", true},
		{"hidden", ".secret", true},
		{"control", "a\x00b", true},
		{"too long", strings.Repeat("x", MaxTenantNameSize+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTenantID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatSnowflake, f)

	f, err = ParseFormat(" Name ")
	require.NoError(t, err)
	assert.Equal(t, FormatName, f)

	_, err = ParseFormat("uuid")
	assert.Error(t, err)
}
