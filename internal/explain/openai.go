package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-rcm/kestrel/internal/domain"
	"github.com/sashabaranov/go-openai"
)

// OpenAI is an Explainer backed by the Chat Completions API. It asks for a
// strict JSON object so the response parses into an Explanation; anything
// else is an error the caller swallows in favor of local synthesis.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAI creates an OpenAI-backed explainer.
func NewOpenAI(cfg domain.ExplainerConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OpenAI{
		client:  openai.NewClient(cfg.APIKey),
		model:   model,
		timeout: timeout,
	}, nil
}

const systemPrompt = `You are a claims auditor assistant. Given an insurance claim and the
validation rules it violated, respond with a JSON object of the form
{"explanation": "...", "recommendation": "..."} describing, for an
operator, why the claim was flagged and what to do about it. Respond with
the JSON object only.`

// Explain implements domain.Explainer. Claims with no matched rules are
// answered locally without a network call.
func (o *OpenAI) Explain(ctx context.Context, claim *domain.Claim, matched []domain.MatchedRule) (*domain.Explanation, error) {
	if len(matched) == 0 {
		return Synthesize(nil), nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(claim, matched)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var out domain.Explanation
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "` \n")
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("parse explanation: %w", err)
	}
	return &out, nil
}

func buildPrompt(claim *domain.Claim, matched []domain.MatchedRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim %s: encounter=%s service=%s facility=%s paid=%.2f diagnoses=%s\n",
		claim.ClaimID, claim.EncounterType, claim.ServiceCode, claim.FacilityID,
		claim.PaidAmount, strings.Join(claim.DiagnosisList(), ", "))
	b.WriteString("Violated rules:\n")
	for _, m := range matched {
		fmt.Fprintf(&b, "- %s (%s): %s", m.ID, m.Kind, m.Description)
		if m.Recommendation != "" {
			fmt.Fprintf(&b, " | suggested action: %s", m.Recommendation)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
