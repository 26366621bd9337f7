package narrative

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubClient struct {
	response string
	err      error
}

func (s *stubClient) Complete(ctx context.Context, req *domain.CompletionRequest) (string, error) {
	return s.response, s.err
}

func testAssessment() *domain.RiskAssessment {
	return &domain.RiskAssessment{
		ID:            "assess-001",
		TransactionID: "tx-001",
		Jurisdiction:  "HK",
		RiskScore:     82,
		AlertLevel:    domain.AlertCritical,
		Explanation:   "Risk score 82. 2 regulatory violation(s).",
		Violations: []domain.RuleViolation{
			{RuleID: "hk-cash", Severity: domain.SeverityHigh, Score: 65},
			{RuleID: "hk-sanctions", Severity: domain.SeverityCritical, Score: 100},
		},
	}
}

func TestNarrateSuccess(t *testing.T) {
	client := &stubClient{response: `{
		"explanation": "Transaction breaches the cash reporting threshold with a confirmed sanctions hit.",
		"regulatory_basis": "AMLO s.25A",
		"recommended_action": "block_and_escalate",
		"confidence": 0.95
	}`}
	svc := NewService(client, domain.NarrativeConfig{})

	outcome, err := svc.Narrate(context.Background(), testAssessment())
	if err != nil {
		t.Fatalf("Narrate failed: %v", err)
	}
	if outcome.Fallback {
		t.Error("expected a collaborator outcome, not fallback")
	}
	if !strings.Contains(outcome.Narrative, "sanctions hit") {
		t.Errorf("unexpected narrative %q", outcome.Narrative)
	}
	if outcome.RecommendedAction != "block_and_escalate" {
		t.Errorf("unexpected action %q", outcome.RecommendedAction)
	}
	if outcome.Confidence != 0.95 {
		t.Errorf("unexpected confidence %v", outcome.Confidence)
	}
}

func TestNarrateClampsConfidence(t *testing.T) {
	client := &stubClient{response: `{"explanation":"x","recommended_action":"monitor","confidence":3.5}`}
	svc := NewService(client, domain.NarrativeConfig{})

	outcome, err := svc.Narrate(context.Background(), testAssessment())
	if err != nil {
		t.Fatalf("Narrate failed: %v", err)
	}
	if outcome.Confidence != 1 {
		t.Errorf("expected confidence clamped to 1, got %v", outcome.Confidence)
	}
}

func TestNarrateFallsBackOnFailure(t *testing.T) {
	cases := []struct {
		name   string
		client domain.CompletionClient
	}{
		{"NilClient", nil},
		{"CollaboratorError", &stubClient{err: &domain.NarrativeError{Kind: domain.NarrativeTimeout, Err: errors.New("deadline")}}},
		{"MalformedResponse", &stubClient{response: "no json here"}},
		{"MissingExplanation", &stubClient{response: `{"confidence":0.5}`}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(tc.client, domain.NarrativeConfig{})
			a := testAssessment()

			outcome, _ := svc.Narrate(context.Background(), a)
			if !outcome.Fallback {
				t.Fatal("expected fallback outcome")
			}
			if !strings.Contains(outcome.Narrative, "Risk score 82") {
				t.Errorf("fallback narrative should summarize the assessment, got %q", outcome.Narrative)
			}
			if outcome.RecommendedAction != "block_and_escalate" {
				t.Errorf("expected conservative default action for CRITICAL, got %q", outcome.RecommendedAction)
			}
			if outcome.Confidence != 0 {
				t.Errorf("fallback confidence must be 0, got %v", outcome.Confidence)
			}

			// The degraded stage never touches scoring fields.
			if a.RiskScore != 82 || a.AlertLevel != domain.AlertCritical {
				t.Error("narrative failure must not change score or alert level")
			}
		})
	}
}

func TestDefaultAction(t *testing.T) {
	cases := []struct {
		level domain.AlertLevel
		want  string
	}{
		{domain.AlertCritical, "block_and_escalate"},
		{domain.AlertHigh, "escalate_for_review"},
		{domain.AlertMedium, "monitor"},
		{domain.AlertLow, "none"},
	}
	for _, tc := range cases {
		if got := defaultAction(tc.level); got != tc.want {
			t.Errorf("defaultAction(%s) = %q, want %q", tc.level, got, tc.want)
		}
	}
}
