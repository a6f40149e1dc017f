package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted over the pairing lifecycle.
const (
	EventSessionCreated   = "session_created"
	EventContextMismatch  = "context_mismatch"
	EventChallengeIssued  = "challenge_issued"
	EventCeremonyVerified = "ceremony_verified"
	EventCeremonyRejected = "ceremony_rejected"
	EventReplayDetected   = "replay_detected"
	EventAnchorSubmitted  = "anchor_submitted"
	EventAnchorPending    = "anchor_pending"
	EventAnchorFailed     = "anchor_failed"
	EventSessionsSwept    = "sessions_swept"
	EventHTTPRequest      = "http_request"
)

// Event is one telemetry record. SessionRef is a hash of the session id; the id itself
// is a bearer secret and never leaves the process.
type Event struct {
	EventType  string          `json:"eventType"`
	Source     string          `json:"source"`
	Kind       string          `json:"kind,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	SessionRef string          `json:"sessionRef,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
