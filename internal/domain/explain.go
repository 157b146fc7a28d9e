package domain

import "context"

// Explainer maps matched rules to human-readable explanation and
// recommendation text. Implementations may call an external model; the
// orchestrator treats every call as bounded and failure-tolerant, falling
// back to locally synthesized text when the call errors or returns nothing.
type Explainer interface {
	Explain(ctx context.Context, claim *Claim, matched []MatchedRule) (*Explanation, error)
}

// Explanation is the explainer output. Empty fields mean "no opinion" and
// leave the locally synthesized text in place.
type Explanation struct {
	Explanation    string `json:"explanation"`
	Recommendation string `json:"recommendation"`
}
