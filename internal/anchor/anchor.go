// Package anchor writes identity document hashes to a shared ledger from one signing account.
package anchor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAnchorTimeout means the submission was accepted but not confirmed in time.
	// The job stays pending and is never resubmitted automatically.
	ErrAnchorTimeout = errors.New("anchor confirmation timed out")
	// ErrAnchorUnavailable means no ledger is configured.
	ErrAnchorUnavailable = errors.New("anchoring unavailable")
	// ErrQueueFull is returned when the relayer inbox is at capacity.
	ErrQueueFull = errors.New("anchor queue full")
	// ErrStopped is returned for jobs enqueued after the relayer stopped.
	ErrStopped = errors.New("anchor relayer stopped")
)

// Status is the outcome of an anchoring job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Ledger is the write capability of the shared signing account.
type Ledger interface {
	// PendingNonce returns the next sequence number the account must use.
	PendingNonce(ctx context.Context) (uint64, error)
	// SubmitAnchor sends register(didHash, controller) with nonce and returns the transaction reference.
	SubmitAnchor(ctx context.Context, nonce uint64, didHash, controller string) (string, error)
	// WaitConfirmation blocks until txRef is confirmed, fails, or ctx ends.
	WaitConfirmation(ctx context.Context, txRef string) error
}

// Job is the persisted state of one (didHash, controller) pair.
type Job struct {
	DIDHash    string
	Controller string
	Status     Status
	TxRef      string
	Nonce      uint64
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobStore persists jobs keyed by (didHash, controller). Get returns (nil, nil) when absent.
type JobStore interface {
	Get(ctx context.Context, didHash, controller string) (*Job, error)
	Save(ctx context.Context, job *Job) error
}

// Result is what a caller learns about its anchoring request.
type Result struct {
	TxRef  string
	Status Status
}
