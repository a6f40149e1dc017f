// Package challenge issues single-use ceremony challenges and the context numbers that bind
// an acting device to the screen of the waiting device.
package challenge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"math/big"
	"strconv"

	"identity-pairing/backend/internal/session/domain"
)

// ErrContextMismatch is returned when the presented context number is wrong or missing.
var ErrContextMismatch = errors.New("context number mismatch")

const (
	// ChallengeBytes is the length of every issued challenge.
	ChallengeBytes = 32

	minContext = 10
	maxContext = 99
)

// Issuer creates challenges and context numbers. The key keeps candidate sets unpredictable
// to anyone who knows only the session id.
type Issuer struct {
	key []byte
}

// NewIssuer returns an issuer keyed with key. A nil or empty key is replaced by a random one.
func NewIssuer(key []byte) (*Issuer, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return &Issuer{key: append([]byte(nil), key...)}, nil
}

// NewChallenge returns ChallengeBytes of fresh randomness.
func NewChallenge() ([]byte, error) {
	b := make([]byte, ChallengeBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NewContextNumber returns a uniformly random integer in [10,99].
func NewContextNumber() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxContext-minContext+1))
	if err != nil {
		return 0, err
	}
	return minContext + int(n.Int64()), nil
}

// Issue writes a fresh challenge into c and moves it to challenge-issued.
// Any earlier unconsumed challenge is overwritten and can no longer be verified.
func Issue(c *domain.Ceremony) error {
	b, err := NewChallenge()
	if err != nil {
		return err
	}
	c.Challenge = b
	c.Status = domain.StatusChallengeIssued
	return nil
}

// Take removes the challenge from c and returns it. It returns nil if none is outstanding.
func Take(c *domain.Ceremony) []byte {
	b := c.Challenge
	c.Challenge = nil
	return b
}

// VerifyContext checks presented against the number bound to c.
// With no bound number binding is skipped; with one, a missing presented value is a mismatch.
func VerifyContext(c *domain.Ceremony, presented *int) error {
	if c.ContextNumber == 0 {
		return nil
	}
	if presented == nil {
		return ErrContextMismatch
	}
	want := []byte(strconv.Itoa(c.ContextNumber))
	got := []byte(strconv.Itoa(*presented))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrContextMismatch
	}
	return nil
}

// CandidateSet returns number and two distinct decoys in [10,99], shuffled.
// The result depends only on the issuer key, sessionID and number, so every poll of one
// session shows the same three values in the same order.
func (i *Issuer) CandidateSet(sessionID string, number int) [3]int {
	s := newStream(i.key, sessionID, number)
	out := [3]int{number}
	for k := 1; k < 3; {
		d := minContext + int(s.next()%uint64(maxContext-minContext+1))
		if d == out[0] || (k == 2 && d == out[1]) {
			continue
		}
		out[k] = d
		k++
	}
	for k := len(out) - 1; k > 0; k-- {
		j := int(s.next() % uint64(k+1))
		out[k], out[j] = out[j], out[k]
	}
	return out
}

// stream is a deterministic HMAC-SHA256 counter-mode byte source.
type stream struct {
	key   []byte
	seed  []byte
	ctr   uint64
	block []byte
}

func newStream(key []byte, sessionID string, number int) *stream {
	seed := make([]byte, 0, len(sessionID)+9)
	seed = append(seed, sessionID...)
	seed = append(seed, 0)
	seed = binary.BigEndian.AppendUint64(seed, uint64(number))
	return &stream{key: key, seed: seed}
}

func (s *stream) next() uint64 {
	if len(s.block) < 8 {
		h := hmac.New(sha256.New, s.key)
		h.Write(s.seed)
		var c [8]byte
		binary.BigEndian.PutUint64(c[:], s.ctr)
		h.Write(c[:])
		s.ctr++
		s.block = h.Sum(nil)
	}
	v := binary.BigEndian.Uint64(s.block[:8])
	s.block = s.block[8:]
	return v
}
