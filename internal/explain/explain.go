// Package explain provides explanation generators that map matched rules
// to human-readable text. The orchestrator treats every generator as a
// bounded, potentially-failing external call and falls back to locally
// synthesized text on any failure.
package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-rcm/kestrel/internal/domain"
)

// Defaults used when no rule matched, or when matched rules carry no
// recommendation text.
const (
	DefaultExplanation    = "All rules satisfied"
	DefaultRecommendation = "-"
)

// Synthesize builds the local explanation/recommendation pair from matched
// rules alone. This is the baseline every verdict gets before any external
// generator is consulted.
func Synthesize(matched []domain.MatchedRule) *domain.Explanation {
	if len(matched) == 0 {
		return &domain.Explanation{
			Explanation:    DefaultExplanation,
			Recommendation: DefaultRecommendation,
		}
	}

	lines := make([]string, 0, len(matched))
	var actions []string
	for _, m := range matched {
		lines = append(lines, fmt.Sprintf("%s: %s", m.ID, m.Description))
		if a := strings.TrimSpace(m.Recommendation); a != "" {
			actions = append(actions, a)
		}
	}

	recommendation := DefaultRecommendation
	if len(actions) > 0 {
		recommendation = strings.Join(actions, "\n")
	}
	return &domain.Explanation{
		Explanation:    strings.Join(lines, "\n"),
		Recommendation: recommendation,
	}
}

// Static is an Explainer that only performs local synthesis. It is the
// default provider and the test double.
type Static struct{}

// NewStatic creates a static explainer.
func NewStatic() *Static { return &Static{} }

// Explain implements domain.Explainer.
func (s *Static) Explain(_ context.Context, _ *domain.Claim, matched []domain.MatchedRule) (*domain.Explanation, error) {
	return Synthesize(matched), nil
}

// New creates an explainer from configuration.
func New(cfg domain.ExplainerConfig) (domain.Explainer, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStatic(), nil
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unsupported explainer provider: %s", cfg.Provider)
	}
}
