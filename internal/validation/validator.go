package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/devrev/guildstore/internal/errors"
)

const (
	// MaxSnowflakeDigits is the length of the largest uint64 in decimal.
	MaxSnowflakeDigits = 20
	// MaxTenantNameSize bounds free-form tenant names
	MaxTenantNameSize = 256
)

// TenantIDFormat selects which tenant ids are accepted
type TenantIDFormat string

const (
	// FormatSnowflake accepts decimal ids in the unsigned 64-bit range
	FormatSnowflake TenantIDFormat = "snowflake"
	// FormatName accepts any file-name-safe string
	FormatName TenantIDFormat = "name"
)

// Validator validates tenant ids before they are turned into file names
type Validator struct {
	format TenantIDFormat
}

// NewValidator creates a validator for the given format; an empty format
// means snowflake.
func NewValidator(format TenantIDFormat) *Validator {
	if format == "" {
		format = FormatSnowflake
	}
	return &Validator{format: format}
}

// ParseFormat parses a configured format name
func ParseFormat(s string) (TenantIDFormat, error) {
	switch TenantIDFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatSnowflake:
		return FormatSnowflake, nil
	case FormatName:
		return FormatName, nil
	default:
		return "", fmt.Errorf("unknown tenant id format %q", s)
	}
}

// Format returns the accepted format
func (v *Validator) Format() TenantIDFormat {
	return v.format
}

// ValidateTenantID validates a tenant id
func (v *Validator) ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return errors.InvalidTenantID(tenantID, "tenant ID cannot be empty")
	}

	if v.format == FormatSnowflake {
		return validateSnowflake(tenantID)
	}
	return validateName(tenantID)
}

func validateSnowflake(tenantID string) error {
	if len(tenantID) > MaxSnowflakeDigits {
		return errors.InvalidTenantID(tenantID, fmt.Sprintf("tenant ID exceeds %d digits", MaxSnowflakeDigits))
	}
	for _, r := range tenantID {
		if r < '0' || r > '9' {
			return errors.InvalidTenantID(tenantID, "tenant ID must be decimal digits")
		}
	}
	if _, err := strconv.ParseUint(tenantID, 10, 64); err != nil {
		return errors.InvalidTenantID(tenantID, "tenant ID is outside the 64-bit range")
	}
	return nil
}

func validateName(tenantID string) error {
	if len(tenantID) > MaxTenantNameSize {
		return errors.InvalidTenantID(tenantID, fmt.Sprintf("tenant ID exceeds maximum size of %d bytes", MaxTenantNameSize))
	}

	// The id becomes a file name inside the data directory
	if strings.ContainsAny(tenantID, `/\`) {
		return errors.InvalidTenantID(tenantID, "tenant ID cannot contain path separators")
	}
	if strings.HasPrefix(tenantID, ".") {
		return errors.InvalidTenantID(tenantID, "tenant ID cannot start with '.'")
	}

	for _, r := range tenantID {
		if unicode.IsControl(r) {
			return errors.InvalidTenantID(tenantID, "tenant ID cannot contain control characters")
		}
	}

	return nil
}
