package definition

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/conveyr/conveyr/internal/domain"
)

const validDoc = `{
	"name": "nightly-export",
	"description": "exports yesterday's orders",
	"schedule": {"type": "cron", "cron_expr": "0 2 * * *"},
	"steps": [
		{"id": "fetch", "name": "Fetch orders", "type": "http",
		 "http": {"method": "GET", "url": "https://api.example.com/orders"}},
		{"id": "store", "name": "Store csv", "type": "file",
		 "file": {"op": "write", "format": "csv", "dest_path": "exports/orders.csv"}}
	]
}`

func TestParse_Valid(t *testing.T) {
	def, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "nightly-export" {
		t.Fatalf("expected name, got %q", def.Name)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(def.Steps))
	}
	if def.Steps[0].HTTP == nil {
		t.Fatal("expected http config on first step")
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no steps", `{"name": "x", "steps": []}`, "non-empty"},
		{"missing name", `{"steps": [{"id": "a", "name": "A", "type": "http", "http": {"method": "GET", "url": "u"}}]}`, "name is required"},
		{"duplicate step id", `{"name": "x", "steps": [
			{"id": "a", "name": "A", "type": "http", "http": {"method": "GET", "url": "u"}},
			{"id": "a", "name": "B", "type": "http", "http": {"method": "GET", "url": "u"}}]}`, "duplicate step id"},
		{"config type mismatch", `{"name": "x", "steps": [
			{"id": "a", "name": "A", "type": "http", "database": {"engine": "postgres"}}]}`, "missing http config"},
		{"bad schedule", `{"name": "x", "schedule": {"type": "cron", "cron_expr": "nope"}, "steps": [
			{"id": "a", "name": "A", "type": "http", "http": {"method": "GET", "url": "u"}}]}`, "cron"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("expected validation kind, got %v", domain.KindOf(err))
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParse_ValidationErrorsAccumulate(t *testing.T) {
	_, err := Parse([]byte(`{"steps": []}`))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "name is required") || !strings.Contains(msg, "non-empty") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestParse_NotRetryable(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsRetryable(err) {
		t.Fatal("parse errors must not be retryable")
	}
}

func TestMarshal_PreservesUnknownFields(t *testing.T) {
	doc := `{
		"name": "annotated",
		"steps": [{"id": "a", "name": "A", "type": "http",
			"http": {"method": "GET", "url": "https://example.com"}}],
		"x_team": "payments",
		"x_revision": 7
	}`

	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out, err := def.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if string(round["x_team"]) != `"payments"` {
		t.Fatalf("expected x_team preserved, got %s", round["x_team"])
	}
	if string(round["x_revision"]) != "7" {
		t.Fatalf("expected x_revision preserved, got %s", round["x_revision"])
	}

	// And the round-tripped document must still parse.
	if _, err := Parse(out); err != nil {
		t.Fatalf("reparse: %v", err)
	}
}

func TestParse_UnknownStepType(t *testing.T) {
	_, err := Parse([]byte(`{"name": "x", "steps": [{"id": "a", "name": "A", "type": "carrier_pigeon"}]}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrUnknownStepType) && !strings.Contains(err.Error(), "unknown step type") {
		t.Fatalf("expected unknown step type error, got %v", err)
	}
}
