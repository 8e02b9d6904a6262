package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
)

// EventType represents the type of event being emitted
type EventType string

const (
	// Session events
	EventSessionChanged EventType = "session_changed"

	// Synchronization events
	EventSnapshotPublished EventType = "snapshot_published"
	EventSyncFailed        EventType = "sync_failed"

	// Vote submission events
	EventVoteSubmitted EventType = "vote_submitted"
	EventVoteConfirmed EventType = "vote_confirmed"
	EventVoteRejected  EventType = "vote_rejected"
)

// EventSeverity indicates the importance/severity of an event
type EventSeverity string

const (
	SeverityDebug   EventSeverity = "debug"
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event represents a client event with metadata and payload
type Event struct {
	// Core event fields
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// Context fields
	Component string `json:"component"`
	Contract  string `json:"contract"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Account   string `json:"account,omitempty"`

	// Event-specific data
	Payload json.RawMessage `json:"payload"`

	// Optional fields
	TxHash   string            `json:"tx_hash,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionEventPayload contains data for session change events
type SessionEventPayload struct {
	PreviousAccount string `json:"previous_account,omitempty"`
	Account         string `json:"account,omitempty"`
	Connected       bool   `json:"connected"`
}

// SnapshotEventPayload carries a newly published snapshot
type SnapshotEventPayload struct {
	Version  uint64             `json:"version"`
	Snapshot *election.Snapshot `json:"snapshot"`
}

// SyncFailedEventPayload describes a refresh that left the snapshot untouched
type SyncFailedEventPayload struct {
	Account        string `json:"account"`
	CurrentVersion uint64 `json:"current_version"`
	Reason         string `json:"reason"`
}

// VoteEventPayload contains data for vote submission events
type VoteEventPayload struct {
	Account        string `json:"account"`
	CandidateIndex uint64 `json:"candidate_index"`
	CandidateName  string `json:"candidate_name,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	BlockNumber    uint64 `json:"block_number,omitempty"`
	GasUsed        uint64 `json:"gas_used,omitempty"`
	Reason         string `json:"reason,omitempty"` // For rejection events
	Duration       int64  `json:"duration_ms,omitempty"`
}

// EventHandler is called when an event is emitted
type EventHandler func(event *Event)

// EventFilter can be used to filter events before processing
type EventFilter func(event *Event) bool

// Subscriber represents an event subscriber with optional filtering
type Subscriber struct {
	ID      string
	Handler EventHandler
	Filter  EventFilter
	Types   []EventType // Subscribe to specific event types only
}

// String returns a string representation of the event
func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s: %s (component=%s, account=%s)",
		e.Timestamp.Format(time.RFC3339),
		e.Severity,
		e.Type,
		e.Component,
		e.Account,
	)
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the event payload into v
func (e *Event) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEvent creates a new event with the given parameters
func NewEvent(eventType EventType, severity EventSeverity, component string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Component: component,
		Payload:   payloadBytes,
		Metadata:  make(map[string]string),
	}, nil
}
