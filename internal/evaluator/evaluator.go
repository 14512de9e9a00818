// Package evaluator is the simple evaluator (§4.7, C7): one LLM call with a
// fixed system prompt that decides whether an issue is worth advancing
// through the pipeline. Grounded on the generic shape of teacher's
// internal/llmutil.ExecuteWithSchema[T] (strict-parse-or-error helper around
// a schema-constrained completion call) adapted onto
// github.com/anthropics/anthropic-sdk-go directly, since the teacher's own
// `llmkit/claude` sibling-replace module isn't fetchable outside its
// monorepo. Unlike llmutil's "never silently fall back" policy, §4.7
// requires tolerating a malformed response with a needs_clarification-
// equivalent verdict instead of erroring — a deliberate relaxation of the
// teacher's stricter contract, not an oversight.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = `You triage incoming issues for an automated development pipeline.
Given an issue's title and description, decide whether it is well-specified enough to hand to an
automated coding agent. Respond with ONLY a single JSON object, no prose, matching exactly:
{"should_evaluate": bool, "reason": "short human-readable explanation", "categories": ["..."]}
categories is a short list of free-form labels such as "bug", "feature", "chore", "needs-clarification".
If the issue is too vague or missing context to act on, set should_evaluate to false and explain why in reason.`

// Usage mirrors the token accounting returned alongside a verdict.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Verdict is the parsed result of one simple-evaluation call (§4.7). The
// caller (Service, in service.go) persists it, accounts quota usage, and
// branches on ShouldEvaluate; Evaluator itself does none of these.
type Verdict struct {
	ShouldEvaluate bool     `json:"should_evaluate"`
	Reason         string   `json:"reason"`
	Categories     []string `json:"categories,omitempty"`
	Usage          Usage    `json:"usage"`
}

// messagesClient is the slice of anthropic.Client.Messages this package
// calls. Evaluator depends on the interface rather than the concrete SDK
// client so tests can supply a fake instead of hitting the network.
type messagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Evaluator wraps one Anthropic client configured with a resolved API key
// and model (as returned by internal/quota's selector).
type Evaluator struct {
	client messagesClient
	model  anthropic.Model
}

// New builds an Evaluator for one call's resolved credentials. Selectors
// resolve a fresh key per call (possibly the platform token, possibly a
// project's own), so Evaluators are built per-use rather than shared.
func New(apiKey, model string) *Evaluator {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Evaluator{
		client: client.Messages,
		model:  anthropic.Model(model),
	}
}

// Evaluate makes the single §4.7 LLM call and returns its parsed Verdict. It
// never returns an error for a malformed/non-JSON model response: per §4.7
// that degrades to a needs_clarification-equivalent verdict instead.
func (e *Evaluator) Evaluate(ctx context.Context, title, description string) (*Verdict, error) {
	prompt := fmt.Sprintf("Title: %s\n\nDescription:\n%s", title, description)

	msg, err := e.client.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator: anthropic messages.new: %w", err)
	}

	usage := Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	verdict, err := parseVerdict(text.String())
	if err != nil {
		return &Verdict{
			ShouldEvaluate: false,
			Reason:         "needs_clarification: model response was not valid JSON",
			Usage:          usage,
		}, nil
	}
	verdict.Usage = usage
	return verdict, nil
}

func parseVerdict(raw string) (*Verdict, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	return &v, nil
}
