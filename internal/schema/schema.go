// Package schema checks stored tenant files against the canonical
// document shape without modifying them.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/devrev/guildstore/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed tenant.schema.json
var tenantSchema []byte

const schemaURL = "https://guildstore.local/schema/tenant.json"

// Report describes how one stored file deviates from the canonical shape
type Report struct {
	Valid      bool
	Violations []string
}

// Verifier validates raw tenant files
type Verifier struct {
	schema *jsonschema.Schema
}

// NewVerifier compiles the embedded tenant schema
func NewVerifier() (*Verifier, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tenantSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tenant schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add tenant schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile tenant schema: %w", err)
	}

	return &Verifier{schema: sch}, nil
}

// Verify checks raw file contents. Files written by an older schema
// version are reported as outdated even when structurally valid.
func (v *Verifier) Verify(raw []byte) *Report {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &Report{Violations: []string{fmt.Sprintf("not valid JSON: %v", err)}}
	}

	report := &Report{}
	if err := v.schema.Validate(inst); err != nil {
		report.Violations = append(report.Violations, violations(err)...)
	}

	if obj, ok := inst.(map[string]any); ok {
		if version, ok := schemaVersion(obj); ok && version < model.CurrentSchemaVersion {
			report.Violations = append(report.Violations,
				fmt.Sprintf("schemaVersion %d is older than %d", version, model.CurrentSchemaVersion))
		}
	}

	report.Valid = len(report.Violations) == 0
	return report
}

func schemaVersion(obj map[string]any) (int64, bool) {
	n, ok := obj[model.KeySchemaVersion].(json.Number)
	if !ok {
		return 0, false
	}
	version, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return version, true
}

// violations flattens a validation error into one line per failed check
func violations(err error) []string {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return []string{err.Error()}
	}

	lines := strings.Split(ve.Error(), "\n")
	var out []string
	for _, line := range lines[1:] {
		line = strings.TrimLeft(line, " -")
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = append(out, lines[0])
	}
	return out
}
