package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Outcome is what the narrative stage contributes to an assessment.
// Fallback marks outcomes produced without the collaborator; they never
// change the risk score or alert level.
type Outcome struct {
	Narrative         string  `json:"narrative"`
	RecommendedAction string  `json:"recommendedAction"`
	Confidence        float64 `json:"confidence"`
	Fallback          bool    `json:"fallback"`
}

// Service turns scoring findings into human-readable narratives via the
// text-completion collaborator, with a deterministic template fallback.
type Service struct {
	client domain.CompletionClient
	cfg    domain.NarrativeConfig
}

// NewService creates a narrative service. A nil client means every call
// takes the fallback path.
func NewService(client domain.CompletionClient, cfg domain.NarrativeConfig) *Service {
	return &Service{client: client, cfg: cfg}
}

const narrativeSystemPrompt = `You are an AML compliance analyst. Given a transaction risk assessment,
respond with a single JSON object:
{"explanation": "...", "regulatory_basis": "...", "evidence": ["..."],
 "recommended_action": "...", "confidence": 0.0}`

// Narrate produces the narrative outcome for an assessment. On any
// collaborator failure it degrades to the template fallback; the error
// is returned alongside so the stage can be audited as degraded.
func (s *Service) Narrate(ctx context.Context, a *domain.RiskAssessment) (*Outcome, error) {
	if s.client == nil {
		return s.fallback(a), nil
	}

	prompt, err := buildPrompt(a)
	if err != nil {
		return s.fallback(a), err
	}

	text, err := s.client.Complete(ctx, &domain.CompletionRequest{
		Prompt:         prompt,
		SystemPrompt:   narrativeSystemPrompt,
		Temperature:    s.cfg.Temperature,
		MaxTokens:      s.cfg.MaxTokens,
		TimeoutSeconds: s.cfg.TimeoutSeconds,
	})
	if err != nil {
		slog.Warn("narrative generation degraded to template",
			"tx_id", a.TransactionID,
			"kind", domain.NarrativeErrKind(err),
		)
		return s.fallback(a), err
	}

	var result domain.NarrativeResult
	if err := DecodeJSON(text, &result); err != nil {
		return s.fallback(a), err
	}
	if result.Explanation == "" {
		return s.fallback(a), &domain.NarrativeError{
			Kind: domain.NarrativeMalformedResponse,
			Err:  fmt.Errorf("narrative response missing explanation"),
		}
	}

	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	if result.RecommendedAction == "" {
		result.RecommendedAction = defaultAction(a.AlertLevel)
	}

	return &Outcome{
		Narrative:         result.Explanation,
		RecommendedAction: result.RecommendedAction,
		Confidence:        result.Confidence,
	}, nil
}

// fallback builds a conservative outcome from the assessment alone.
func (s *Service) fallback(a *domain.RiskAssessment) *Outcome {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk score %d (%s) for transaction %s.", a.RiskScore, a.AlertLevel, a.TransactionID)
	if n := len(a.Violations); n > 0 {
		fmt.Fprintf(&b, " %d regulatory violation(s) found.", n)
	}
	if n := len(a.Flags); n > 0 {
		fmt.Fprintf(&b, " %d behavioral flag(s) raised.", n)
	}

	return &Outcome{
		Narrative:         b.String(),
		RecommendedAction: defaultAction(a.AlertLevel),
		Confidence:        0,
		Fallback:          true,
	}
}

// defaultAction is the conservative recommendation used when the
// collaborator cannot provide one.
func defaultAction(level domain.AlertLevel) string {
	switch level {
	case domain.AlertCritical:
		return "block_and_escalate"
	case domain.AlertHigh:
		return "escalate_for_review"
	case domain.AlertMedium:
		return "monitor"
	default:
		return "none"
	}
}

func buildPrompt(a *domain.RiskAssessment) (string, error) {
	summary := map[string]any{
		"transaction_id":   a.TransactionID,
		"jurisdiction":     a.Jurisdiction,
		"risk_score":       a.RiskScore,
		"alert_level":      a.AlertLevel,
		"static_score":     a.StaticScore,
		"behavioral_score": a.BehavioralScore,
		"violations":       a.Violations,
		"flags":            a.Flags,
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Write a compliance narrative for this assessment:\n%s", data), nil
}
