package reconciler

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/fareline/ticketing/pkg/contracts"
)

// DefaultFraudExpression is the scoring rule applied when an operator has
// not configured an override: two or more validators observing the same
// ticket within five minutes of each other escalates a suspicious finding
// to confirmed; everything else keeps the Reconciler's own classification.
const DefaultFraudExpression = `
validator_count >= 2 && seconds_between >= 0.0 && seconds_between <= 300.0
	? "confirmed"
	: default_severity
`

// FraudSignal carries the facts about one reconciliation conflict that an
// operator-supplied CEL expression can score.
type FraudSignal struct {
	Reason          string
	DefaultSeverity contracts.FraudSeverity
	ValidatorCount  int
	SecondsBetween  float64
	TicketKind      contracts.TicketKind
}

// FraudScorer evaluates an operator-configurable CEL expression against a
// FraudSignal, letting an operator tighten or loosen fraud escalation
// without a binary rollout. The expression must resolve to one of
// "info"/"suspicious"/"confirmed"; any compile error, eval error, or
// unrecognised result falls back to the signal's own classification, so a
// malformed policy can never silently suppress a finding.
type FraudScorer struct {
	program cel.Program
}

// NewFraudScorer compiles expr once against a fixed CEL environment.
func NewFraudScorer(expr string) (*FraudScorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("reason", cel.StringType),
		cel.Variable("default_severity", cel.StringType),
		cel.Variable("validator_count", cel.IntType),
		cel.Variable("seconds_between", cel.DoubleType),
		cel.Variable("ticket_kind", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("reconciler: cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("reconciler: cel compile: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(1000))
	if err != nil {
		return nil, fmt.Errorf("reconciler: cel program: %w", err)
	}
	return &FraudScorer{program: prg}, nil
}

// Score resolves sig's severity. A nil *FraudScorer (no operator override
// configured) always returns sig.DefaultSeverity.
func (s *FraudScorer) Score(sig FraudSignal) contracts.FraudSeverity {
	if s == nil {
		return sig.DefaultSeverity
	}

	out, _, err := s.program.Eval(map[string]any{
		"reason":           sig.Reason,
		"default_severity": string(sig.DefaultSeverity),
		"validator_count":  sig.ValidatorCount,
		"seconds_between":  sig.SecondsBetween,
		"ticket_kind":      string(sig.TicketKind),
	})
	if err != nil {
		return sig.DefaultSeverity
	}

	resolved, ok := out.Value().(string)
	if !ok {
		return sig.DefaultSeverity
	}
	switch contracts.FraudSeverity(resolved) {
	case contracts.FraudInfo, contracts.FraudSuspicious, contracts.FraudConfirmed:
		return contracts.FraudSeverity(resolved)
	default:
		return sig.DefaultSeverity
	}
}
