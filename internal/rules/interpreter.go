package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/narrative"
)

// Interpreter resolves regulatory rules before evaluation. Rules that
// carry source text but no usable parameters are sent to the
// text-completion collaborator, which returns structured conditions and
// an expression. On any failure the stored rule is used unchanged, so
// interpretation can only refine rules, never lose them.
type Interpreter struct {
	client domain.CompletionClient
	engine *Engine
	cfg    domain.NarrativeConfig
}

// NewInterpreter creates a rule interpreter.
func NewInterpreter(client domain.CompletionClient, engine *Engine, cfg domain.NarrativeConfig) *Interpreter {
	return &Interpreter{client: client, engine: engine, cfg: cfg}
}

// Resolution is the outcome of the rule-interpretation stage.
type Resolution struct {
	Rules    []*domain.RegulatoryRule `json:"rules"`
	Degraded []string                 `json:"degraded,omitempty"`
}

const interpretSystemPrompt = `You are a regulatory-rule analyst. Given a regulatory clause, respond
with a single JSON object:
{"rule_id": "...", "conditions": ["..."], "thresholds": {"name": 0.0},
 "severity": "HIGH", "expression": "<CEL boolean expression over the transaction>"}`

// Resolve interprets rules that need it and returns the working rule
// set. Input rules are never mutated; interpreted rules are copies.
func (i *Interpreter) Resolve(ctx context.Context, rules []*domain.RegulatoryRule) Resolution {
	res := Resolution{Rules: make([]*domain.RegulatoryRule, 0, len(rules))}

	for _, rule := range rules {
		if !needsInterpretation(rule) {
			res.Rules = append(res.Rules, rule)
			continue
		}

		resolved, err := i.interpret(ctx, rule)
		if err != nil {
			slog.Warn("rule interpretation degraded, using stored rule",
				"rule_id", rule.ID,
				"kind", domain.NarrativeErrKind(err),
				"error", err,
			)
			res.Degraded = append(res.Degraded, rule.ID)
			res.Rules = append(res.Rules, rule)
			continue
		}

		res.Rules = append(res.Rules, resolved)
	}

	return res
}

func needsInterpretation(rule *domain.RegulatoryRule) bool {
	return rule.Type == domain.RuleTypeExpression && rule.Expression == "" && rule.SourceText != ""
}

func (i *Interpreter) interpret(ctx context.Context, rule *domain.RegulatoryRule) (*domain.RegulatoryRule, error) {
	if i.client == nil {
		return nil, fmt.Errorf("no completion client configured")
	}

	prompt := fmt.Sprintf("Interpret this %s regulatory clause (rule id %s):\n%s",
		rule.Jurisdiction, rule.ID, rule.SourceText)

	text, err := i.client.Complete(ctx, &domain.CompletionRequest{
		Prompt:         prompt,
		SystemPrompt:   interpretSystemPrompt,
		Temperature:    0,
		MaxTokens:      i.cfg.MaxTokens,
		TimeoutSeconds: i.cfg.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}

	var interpreted domain.InterpretedRule
	if err := narrative.DecodeJSON(text, &interpreted); err != nil {
		return nil, err
	}
	if interpreted.Expression == "" {
		return nil, &domain.NarrativeError{
			Kind: domain.NarrativeMalformedResponse,
			Err:  fmt.Errorf("interpretation for rule %s has no expression", rule.ID),
		}
	}

	// Validate before accepting; a bad expression falls back to the
	// stored rule.
	if err := i.engine.ValidateExpression(interpreted.Expression); err != nil {
		return nil, &domain.NarrativeError{
			Kind: domain.NarrativeMalformedResponse,
			Err:  err,
		}
	}

	resolved := *rule
	resolved.Expression = interpreted.Expression
	if interpreted.Severity != "" {
		resolved.Severity = interpreted.Severity
	}
	if t, ok := interpreted.Thresholds["threshold"]; ok {
		resolved.Threshold = t
	}

	return &resolved, nil
}
