package explain

import (
	"context"
	"strings"
	"testing"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

func TestSynthesize(t *testing.T) {
	t.Run("NoMatches", func(t *testing.T) {
		e := Synthesize(nil)
		if e.Explanation != DefaultExplanation {
			t.Errorf("explanation = %q, want %q", e.Explanation, DefaultExplanation)
		}
		if e.Recommendation != DefaultRecommendation {
			t.Errorf("recommendation = %q, want %q", e.Recommendation, DefaultRecommendation)
		}
	})

	t.Run("SingleMatch", func(t *testing.T) {
		e := Synthesize([]domain.MatchedRule{
			{ID: "T003", Description: "Paid amount exceeds 250 AED", Recommendation: "Review pricing"},
		})
		if e.Explanation != "T003: Paid amount exceeds 250 AED" {
			t.Errorf("unexpected explanation: %q", e.Explanation)
		}
		if e.Recommendation != "Review pricing" {
			t.Errorf("unexpected recommendation: %q", e.Recommendation)
		}
	})

	t.Run("MultipleMatchesOnePerLine", func(t *testing.T) {
		e := Synthesize([]domain.MatchedRule{
			{ID: "T001", Description: "Missing approval number", Recommendation: "Obtain approval"},
			{ID: "M002", Description: "Panel without diagnosis"},
		})
		lines := strings.Split(e.Explanation, "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d: %q", len(lines), e.Explanation)
		}
		if lines[0] != "T001: Missing approval number" || lines[1] != "M002: Panel without diagnosis" {
			t.Errorf("unexpected lines: %v", lines)
		}
		// Only the rule with a recommendation contributes one.
		if e.Recommendation != "Obtain approval" {
			t.Errorf("unexpected recommendation: %q", e.Recommendation)
		}
	})

	t.Run("NoRecommendationsFallBack", func(t *testing.T) {
		e := Synthesize([]domain.MatchedRule{
			{ID: "T001", Description: "Missing approval number", Recommendation: "   "},
		})
		if e.Recommendation != DefaultRecommendation {
			t.Errorf("recommendation = %q, want %q", e.Recommendation, DefaultRecommendation)
		}
	})
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	e, err := s.Explain(context.Background(), &domain.Claim{ClaimID: "CLM-001"}, []domain.MatchedRule{
		{ID: "T003", Description: "Paid amount exceeds 250 AED"},
	})
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if !strings.Contains(e.Explanation, "T003") {
		t.Errorf("unexpected explanation: %q", e.Explanation)
	}
}

func TestNew(t *testing.T) {
	t.Run("DefaultsToStatic", func(t *testing.T) {
		e, err := New(domain.ExplainerConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := e.(*Static); !ok {
			t.Errorf("expected *Static, got %T", e)
		}
	})

	t.Run("OpenAIRequiresKey", func(t *testing.T) {
		if _, err := New(domain.ExplainerConfig{Provider: "openai"}); err == nil {
			t.Fatal("expected error without API key")
		}
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		if _, err := New(domain.ExplainerConfig{Provider: "oracle"}); err == nil {
			t.Fatal("expected error for unknown provider")
		}
	})
}
