// Package definition handles the canonical JSON job definition document
// stored at jobs/{job_id}/definition.json. Unknown top-level fields are
// preserved on round-trip so external tooling can annotate definitions
// without the core stripping them.
package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conveyr/conveyr/internal/domain"
)

// Definition is the parsed document. Extra holds top-level fields the core
// does not understand; they survive Marshal unchanged.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Schedule    *domain.Schedule `json:"schedule,omitempty"`
	Steps       []domain.Step    `json:"steps"`

	extra map[string]json.RawMessage
}

// knownFields are the top-level keys owned by the core.
var knownFields = map[string]bool{
	"name":        true,
	"description": true,
	"schedule":    true,
	"steps":       true,
}

// Parse decodes and validates a definition document. A document that fails
// validation must never be committed to the catalog.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, domain.NewError(domain.KindValidation, false, fmt.Errorf("parse definition: %w", err))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.NewError(domain.KindValidation, false, fmt.Errorf("parse definition: %w", err))
	}
	for k, v := range raw {
		if !knownFields[k] {
			if d.extra == nil {
				d.extra = make(map[string]json.RawMessage)
			}
			d.extra[k] = v
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Marshal re-encodes the document, merging preserved unknown fields back in.
func (d *Definition) Marshal() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.extra)+4)
	for k, v := range d.extra {
		out[k] = v
	}

	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		out[key] = b
		return nil
	}
	if err := put("name", d.Name); err != nil {
		return nil, err
	}
	if d.Description != "" {
		if err := put("description", d.Description); err != nil {
			return nil, err
		}
	}
	if d.Schedule != nil {
		if err := put("schedule", d.Schedule); err != nil {
			return nil, err
		}
	}
	if err := put("steps", d.Steps); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// Validate checks the structural invariants: a name, a non-empty step list,
// unique step ids, a consistent tagged variant per step, and a well-formed
// schedule when present.
func (d *Definition) Validate() error {
	var problems []string

	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(d.Steps) == 0 {
		problems = append(problems, "steps must be a non-empty array")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			problems = append(problems, where+": id is required")
		} else if seen[step.ID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate step id %q", where, step.ID))
		}
		seen[step.ID] = true
		if step.Name == "" {
			problems = append(problems, where+": name is required")
		}
		if _, err := step.Config(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
	}

	if d.Schedule != nil {
		if err := d.Schedule.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return domain.Errorf(domain.KindValidation, false, "invalid definition: %s", strings.Join(problems, "; "))
	}
	return nil
}
