package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"identity-pairing/backend/internal/audit/domain"
	auditrepo "identity-pairing/backend/internal/audit/repository"
	"identity-pairing/backend/internal/security"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// Entry describes one audit event. SessionID is hashed before it is stored.
type Entry struct {
	UserID    string
	Action    string
	Resource  string
	SessionID string
	Metadata  string
}

// AuditLogger writes a single audit event. Used by the pairing service for security-relevant outcomes.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, e Entry)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
}

// NewLogger returns an AuditLogger that persists to repo and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor) *Logger {
	return &Logger{repo: repo, ipExtractor: ipExtractor}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, e Entry) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		UserID:    e.UserID,
		Action:    e.Action,
		Resource:  e.Resource,
		IP:        ip,
		Metadata:  e.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if e.SessionID != "" {
		entry.SessionRef = security.HashSecret(e.SessionID)
	}
	if err := l.repo.Create(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", e.Action, e.Resource, err)
	}
}
