package anchor

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// ErrNonceMismatch is returned by MemoryLedger when a submission does not use the account's next nonce.
var ErrNonceMismatch = errors.New("nonce mismatch")

// Submission is one accepted ledger write.
type Submission struct {
	Nonce      uint64
	DIDHash    string
	Controller string
	TxRef      string
}

type memoryTx struct {
	Submission
	confirmAt time.Time
}

// MemoryLedger is an in-process ledger for development and tests. It enforces strict nonce
// ordering like a real account and confirms each transaction after ConfirmDelay.
type MemoryLedger struct {
	mu           sync.Mutex
	nonce        uint64
	txs          map[string]*memoryTx
	order        []Submission
	registry     map[string]string
	confirmDelay time.Duration
	submitErr    error
	nowF         func() time.Time
}

// NewMemoryLedger returns an empty ledger that confirms after confirmDelay.
func NewMemoryLedger(confirmDelay time.Duration) *MemoryLedger {
	return &MemoryLedger{
		txs:          make(map[string]*memoryTx),
		registry:     make(map[string]string),
		confirmDelay: confirmDelay,
		nowF:         time.Now,
	}
}

func (l *MemoryLedger) PendingNonce(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce, nil
}

// FailNextSubmit makes the next SubmitAnchor return err without consuming a nonce.
func (l *MemoryLedger) FailNextSubmit(err error) {
	l.mu.Lock()
	l.submitErr = err
	l.mu.Unlock()
}

// SetConfirmDelay changes the delay applied to later submissions.
func (l *MemoryLedger) SetConfirmDelay(d time.Duration) {
	l.mu.Lock()
	l.confirmDelay = d
	l.mu.Unlock()
}

func (l *MemoryLedger) SubmitAnchor(ctx context.Context, nonce uint64, didHash, controller string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.submitErr; err != nil {
		l.submitErr = nil
		return "", err
	}
	if nonce != l.nonce {
		return "", fmt.Errorf("%w: got %d want %d", ErrNonceMismatch, nonce, l.nonce)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(binary.BigEndian.AppendUint64(nil, nonce))
	h.Write([]byte(didHash))
	h.Write([]byte(controller))
	sub := Submission{Nonce: nonce, DIDHash: didHash, Controller: controller, TxRef: "0x" + hex.EncodeToString(h.Sum(nil))}
	l.nonce++
	l.txs[sub.TxRef] = &memoryTx{Submission: sub, confirmAt: l.nowF().Add(l.confirmDelay)}
	l.order = append(l.order, sub)
	return sub.TxRef, nil
}

func (l *MemoryLedger) WaitConfirmation(ctx context.Context, txRef string) error {
	l.mu.Lock()
	tx, ok := l.txs[txRef]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transaction %s", txRef)
	}
	if d := tx.confirmAt.Sub(l.nowF()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registry[tx.DIDHash] = tx.Controller
	return nil
}

// Submissions returns every accepted write in nonce order.
func (l *MemoryLedger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submission(nil), l.order...)
}

// Controller returns the confirmed controller registered for didHash.
func (l *MemoryLedger) Controller(didHash string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.registry[didHash]
	return c, ok
}
