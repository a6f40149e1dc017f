package domain

import "time"

// Actions recorded by the pairing service.
const (
	ActionLogin            = "login"
	ActionSignup           = "signup"
	ActionAccountLinked    = "account_linked"
	ActionContextMismatch  = "context_mismatch"
	ActionReplayDetected   = "replay_detected"
	ActionCeremonyRejected = "ceremony_rejected"
	ActionAnchorDegraded   = "anchor_degraded"
	ActionOAuthToken       = "oauth_token"
	ActionMagicLogin       = "magic_login"
	ActionProfileUpdated   = "profile_updated"
)

// AuditLog represents an audit event. SessionRef is a hash of the session id, never the id itself.
type AuditLog struct {
	ID         string
	UserID     string
	Action     string
	Resource   string
	SessionRef string
	IP         string
	Metadata   string
	CreatedAt  time.Time
}
