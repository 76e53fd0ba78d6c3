package edge

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusQueued, false},
		{TaskStatusLeased, false},
		{TaskStatusAcked, true},
		{TaskStatusDeadLetter, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("TaskStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestRuntimeStatusIsValid(t *testing.T) {
	for _, s := range []RuntimeStatus{RuntimeStatusActive, RuntimeStatusDraining, RuntimeStatusOffline} {
		if !s.IsValid() {
			t.Errorf("status %q should be valid", s)
		}
	}
	if RuntimeStatus("decommissioned").IsValid() {
		t.Error("unknown status should be invalid")
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	empty := Capabilities{}
	if !empty.Supports("anything") {
		t.Error("empty capability set should admit every message type")
	}
	caps := Capabilities{MessageTypes: []string{"semantic_query_request"}}
	if !caps.Supports("semantic_query_request") {
		t.Error("listed type should be supported")
	}
	if caps.Supports("agent_chat_request") {
		t.Error("unlisted type should not be supported")
	}
}

func TestRuntimeHasTags(t *testing.T) {
	rt := &Runtime{Tags: []string{"gpu", "eu-west", "snowflake"}}
	if !rt.HasTags(nil) {
		t.Error("nil requirement should always match")
	}
	if !rt.HasTags([]string{"gpu", "snowflake"}) {
		t.Error("subset requirement should match")
	}
	if rt.HasTags([]string{"gpu", "us-east"}) {
		t.Error("missing tag should not match")
	}
}

func TestParseExecutionMode(t *testing.T) {
	tests := []struct {
		in   string
		want ExecutionMode
	}{
		{"hosted", ExecutionModeHosted},
		{"customer_runtime", ExecutionModeCustomerRuntime},
		{"", ExecutionModeHosted},
		{"on_prem", ExecutionModeHosted},
	}
	for _, tt := range tests {
		if got := ParseExecutionMode(tt.in); got != tt.want {
			t.Errorf("ParseExecutionMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvelopeEffectiveMaxAttempts(t *testing.T) {
	var env MessageEnvelope
	if got := env.EffectiveMaxAttempts(); got != DefaultMaxAttempts {
		t.Errorf("default max attempts = %d, want %d", got, DefaultMaxAttempts)
	}
	two := 2
	env.Headers.MaxAttempts = &two
	if got := env.EffectiveMaxAttempts(); got != 2 {
		t.Errorf("max attempts = %d, want 2", got)
	}
}

func TestEnvelopeUnmarshalSnakeCase(t *testing.T) {
	raw := `{
		"id": "11111111-2222-3333-4444-555555555555",
		"message_type": "semantic_query_request",
		"payload": {"query": "revenue by region"},
		"headers": {"content_type": "application/json", "organisation_id": "org-1", "attempt": 1, "max_attempts": 3},
		"created_at": "2026-01-02T03:04:05Z"
	}`
	var env MessageEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.MessageType != "semantic_query_request" {
		t.Errorf("message_type = %q", env.MessageType)
	}
	if env.Headers.OrganisationID != "org-1" || env.Headers.Attempt != 1 {
		t.Errorf("headers = %+v", env.Headers)
	}
	if env.Headers.MaxAttempts == nil || *env.Headers.MaxAttempts != 3 {
		t.Errorf("max_attempts = %v", env.Headers.MaxAttempts)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !env.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", env.CreatedAt, want)
	}
}

func TestEnvelopeUnmarshalCamelCase(t *testing.T) {
	raw := `{
		"id": "e-1",
		"messageType": "copilot_dashboard_result",
		"payload": {"ok": true},
		"headers": {"contentType": "application/json", "correlationId": "corr-9", "maxAttempts": 7, "attempt": 2},
		"createdAt": "2026-01-02T03:04:05Z"
	}`
	var env MessageEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.MessageType != "copilot_dashboard_result" {
		t.Errorf("messageType = %q", env.MessageType)
	}
	if env.Headers.ContentType != "application/json" || env.Headers.CorrelationID != "corr-9" {
		t.Errorf("headers = %+v", env.Headers)
	}
	if env.Headers.MaxAttempts == nil || *env.Headers.MaxAttempts != 7 {
		t.Errorf("maxAttempts = %v", env.Headers.MaxAttempts)
	}
	if env.Headers.Attempt != 2 {
		t.Errorf("attempt = %d", env.Headers.Attempt)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	var env MessageEnvelope
	if err := env.Validate(); err == nil {
		t.Error("expected validation error for missing message_type")
	}
	env.MessageType = "test"
	if err := env.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
