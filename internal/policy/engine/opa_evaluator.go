package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.pairing.session"

// DefaultRegoPolicy mirrors DefaultDecision. Deployments may replace it with POLICY_FILE,
// which must define the same package and rules.
const DefaultRegoPolicy = `package pairing.session

default context_binding := false

default anchor_identity := false

binding_kinds := {"qr-login", "qr-signup"}

registration_kinds := {"qr-signup", "webauthn-register", "password-register"}

context_binding if {
	binding_kinds[input.kind]
}

anchor_identity if {
	registration_kinds[input.kind]
	not input.linking
}

anchor_identity if {
	registration_kinds[input.kind]
	input.new_document
}
`

// OPAEvaluator evaluates pairing policy using a prepared OPA Rego query.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles source (DefaultRegoPolicy when empty) and prepares the decision query.
func NewOPAEvaluator(ctx context.Context, source string) (*OPAEvaluator, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"pairing.rego": source})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	pq, err := rego.New(rego.Query(policyQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: pq}, nil
}

// LoadPolicy returns the contents of path, or "" when path is empty.
func LoadPolicy(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy %s: %w", path, err)
	}
	return string(b), nil
}

// Evaluate evaluates the pairing policy for in.
func (e *OPAEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"kind":              in.Kind,
		"production":        in.Production,
		"ledger_configured": in.LedgerConfigured,
		"linking":           in.Linking,
		"new_document":      in.NewDocument,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		log.Printf("policy: evaluation failed for kind %s: %v, using defaults", in.Kind, err)
		return DefaultDecision(in), err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return DefaultDecision(in), fmt.Errorf("policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return DefaultDecision(in), fmt.Errorf("policy result has type %T", rs[0].Expressions[0].Value)
	}
	d := Decision{}
	d.ContextBinding, _ = doc["context_binding"].(bool)
	d.AnchorIdentity, _ = doc["anchor_identity"].(bool)
	return d, nil
}

// HealthCheck verifies that the prepared query evaluates against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	if _, err := e.Evaluate(ctx, Input{Kind: "qr-login"}); err != nil {
		return fmt.Errorf("eval policy: %w", err)
	}
	return nil
}
