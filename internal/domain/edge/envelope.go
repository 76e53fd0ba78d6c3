package edge

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeHeaders carries routing and tracing metadata alongside a payload.
// The attempt counter here is producer-owned; the gateway's per-delivery
// counter lives on the task record and is incremented on each claim.
type EnvelopeHeaders struct {
	ContentType    string `json:"content_type,omitempty"`
	SchemaVersion  string `json:"schema_version,omitempty"`
	OrganisationID string `json:"organisation_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	CausationID    string `json:"causation_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	SpanID         string `json:"span_id,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    *int   `json:"max_attempts,omitempty"`
}

// MessageEnvelope is the uniform wire shape shared by the hosted and edge
// paths. The payload is opaque to the gateway; only MessageType is read for
// routing.
type MessageEnvelope struct {
	ID          string          `json:"id"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Headers     EnvelopeHeaders `json:"headers"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IncrementAttempt bumps the producer-side attempt counter.
func (e *MessageEnvelope) IncrementAttempt() {
	e.Headers.Attempt++
}

// EffectiveMaxAttempts resolves the delivery budget for a task created from
// this envelope.
func (e MessageEnvelope) EffectiveMaxAttempts() int {
	if e.Headers.MaxAttempts != nil && *e.Headers.MaxAttempts > 0 {
		return *e.Headers.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Validate checks the fields the gateway depends on.
func (e MessageEnvelope) Validate() error {
	if e.MessageType == "" {
		return fmt.Errorf("%w: envelope message_type required", ErrValidation)
	}
	return nil
}

// envelope wire fields are accepted in both snake_case and camelCase; the
// canonical output shape is snake_case.
func pickRaw(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if raw, ok := fields[key]; ok && len(raw) > 0 && string(raw) != "null" {
			return raw, true
		}
	}
	return nil, false
}

func decodeField(fields map[string]json.RawMessage, dst any, keys ...string) error {
	raw, ok := pickRaw(fields, keys...)
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", keys[0], err)
	}
	return nil
}

// UnmarshalJSON accepts snake_case and camelCase key spellings.
func (e *MessageEnvelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if err := decodeField(fields, &e.ID, "id"); err != nil {
		return err
	}
	if err := decodeField(fields, &e.MessageType, "message_type", "messageType"); err != nil {
		return err
	}
	if raw, ok := pickRaw(fields, "payload"); ok {
		e.Payload = append(json.RawMessage(nil), raw...)
	}
	if err := decodeField(fields, &e.Headers, "headers"); err != nil {
		return err
	}
	if err := decodeField(fields, &e.CreatedAt, "created_at", "createdAt"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON accepts snake_case and camelCase key spellings.
func (h *EnvelopeHeaders) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, f := range []struct {
		dst  any
		keys []string
	}{
		{&h.ContentType, []string{"content_type", "contentType"}},
		{&h.SchemaVersion, []string{"schema_version", "schemaVersion"}},
		{&h.OrganisationID, []string{"organisation_id", "organisationId"}},
		{&h.CorrelationID, []string{"correlation_id", "correlationId"}},
		{&h.CausationID, []string{"causation_id", "causationId"}},
		{&h.TraceID, []string{"trace_id", "traceId"}},
		{&h.SpanID, []string{"span_id", "spanId"}},
		{&h.ReplyTo, []string{"reply_to", "replyTo"}},
		{&h.Attempt, []string{"attempt"}},
		{&h.MaxAttempts, []string{"max_attempts", "maxAttempts"}},
	} {
		if err := decodeField(fields, f.dst, f.keys...); err != nil {
			return err
		}
	}
	return nil
}
