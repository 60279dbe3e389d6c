package reconciler

import (
	"testing"

	"github.com/fareline/ticketing/pkg/contracts"
)

func TestFraudScorerNilReturnsDefaultSeverity(t *testing.T) {
	var scorer *FraudScorer
	got := scorer.Score(FraudSignal{DefaultSeverity: contracts.FraudSuspicious})
	if got != contracts.FraudSuspicious {
		t.Fatalf("expected suspicious, got %v", got)
	}
}

func TestFraudScorerDefaultExpressionEscalatesCloseTogetherObservations(t *testing.T) {
	scorer, err := NewFraudScorer(DefaultFraudExpression)
	if err != nil {
		t.Fatalf("NewFraudScorer: %v", err)
	}

	got := scorer.Score(FraudSignal{
		DefaultSeverity: contracts.FraudSuspicious,
		ValidatorCount:  2,
		SecondsBetween:  30,
	})
	if got != contracts.FraudConfirmed {
		t.Fatalf("expected confirmed, got %v", got)
	}
}

func TestFraudScorerDefaultExpressionKeepsDefaultForSingleValidator(t *testing.T) {
	scorer, err := NewFraudScorer(DefaultFraudExpression)
	if err != nil {
		t.Fatalf("NewFraudScorer: %v", err)
	}

	got := scorer.Score(FraudSignal{
		DefaultSeverity: contracts.FraudSuspicious,
		ValidatorCount:  1,
		SecondsBetween:  0,
	})
	if got != contracts.FraudSuspicious {
		t.Fatalf("expected suspicious, got %v", got)
	}
}

func TestFraudScorerFallsBackOnUnrecognisedResult(t *testing.T) {
	scorer, err := NewFraudScorer(`"not_a_severity"`)
	if err != nil {
		t.Fatalf("NewFraudScorer: %v", err)
	}

	got := scorer.Score(FraudSignal{DefaultSeverity: contracts.FraudInfo})
	if got != contracts.FraudInfo {
		t.Fatalf("expected fallback to info, got %v", got)
	}
}

func TestNewFraudScorerRejectsInvalidExpression(t *testing.T) {
	if _, err := NewFraudScorer("this is not valid cel (("); err == nil {
		t.Fatal("expected compile error")
	}
}
