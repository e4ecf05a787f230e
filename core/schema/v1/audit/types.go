package audit

import (
	_ "embed"
	"time"
)

const (
	EventSchemaID      = "sessiongate.audit.event"
	EventSchemaVersion = "1.0.0"
)

//go:embed event.schema.json
var EventSchema []byte

const (
	EventSessionCreated = "session_created"
	EventStateChanged   = "state_changed"
	EventFieldsUpdated  = "fields_updated"
	EventStepRecorded   = "step_recorded"
	EventStepClosed     = "step_closed"
	EventSessionDeleted = "session_deleted"
)

type Event struct {
	SchemaID      string         `json:"schema_id"`
	SchemaVersion string         `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	SessionID     string         `json:"session_id"`
	Sequence      int64          `json:"sequence"`
	Type          string         `json:"type"`
	Actor         string         `json:"actor,omitempty"`
	Revision      int64          `json:"revision"`
	FromState     string         `json:"from_state,omitempty"`
	ToState       string         `json:"to_state,omitempty"`
	PolicyDigest  string         `json:"policy_digest,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	PrevDigest    string         `json:"prev_digest"`
	Digest        string         `json:"digest"`
}
