package engine

import "context"

// Input describes the session a decision is made for.
type Input struct {
	Kind             string `json:"kind"`
	Production       bool   `json:"production"`
	LedgerConfigured bool   `json:"ledger_configured"`
	// Linking is set when a signed-in user adds a credential to an existing identity.
	Linking bool `json:"linking"`
	// NewDocument is set when the ceremony produced a DID document that was never anchored.
	NewDocument bool `json:"new_document"`
}

// Decision holds the result of pairing policy evaluation.
type Decision struct {
	// ContextBinding requires the acting device to present the session's context number.
	ContextBinding bool
	// AnchorIdentity enqueues an anchoring job once the ceremony registers an identity.
	// Without a ledger the job is recorded as unavailable instead.
	AnchorIdentity bool
}

// Evaluator evaluates pairing policy using OPA or other engines.
type Evaluator interface {
	// Evaluate returns the decision for in. On engine failure implementations return the
	// static default decision together with the error.
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// DefaultDecision is the built-in policy in Go form, used when evaluation fails.
func DefaultDecision(in Input) Decision {
	d := Decision{}
	switch in.Kind {
	case "qr-login", "qr-signup":
		d.ContextBinding = true
	}
	switch in.Kind {
	case "qr-signup", "webauthn-register", "password-register":
		d.AnchorIdentity = !in.Linking || in.NewDocument
	}
	return d
}
