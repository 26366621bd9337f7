package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RuleStore returns active regulatory rules for a jurisdiction,
// ordered by priority descending. Read-only from the pipeline's view.
type RuleStore interface {
	ActiveRules(ctx context.Context, jurisdiction string) ([]*RegulatoryRule, error)
}

// HistoryStore returns a customer's prior transactions. Read-only from
// the pipeline's view.
type HistoryStore interface {
	// CustomerHistory returns transactions within the window, newest first.
	CustomerHistory(ctx context.Context, customerID string, windowDays int, limit int) ([]*Transaction, error)

	// TransactionsInRange returns transactions between start and end,
	// newest first. Used for same-day windows.
	TransactionsInRange(ctx context.Context, customerID string, start, end time.Time, limit int) ([]*Transaction, error)
}

// ErrCollaboratorUnavailable indicates the rule store or history store
// could not be reached. The depending stage degrades rather than aborts.
var ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

// ErrAggregation indicates an internal invariant was violated during
// score aggregation. Fatal for that single transaction's run.
var ErrAggregation = errors.New("aggregation failed")

// CompletionRequest is the contract with the text-completion
// collaborator used for rule interpretation and narrative generation.
type CompletionRequest struct {
	Prompt         string  `json:"prompt"`
	SystemPrompt   string  `json:"systemPrompt,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

// CompletionClient is the degradable external text-completion
// collaborator. The pipeline must work correctly when it fails.
type CompletionClient interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// InterpretedRule is the structured JSON schema the collaborator returns
// for rule interpretation.
type InterpretedRule struct {
	RuleID     string             `json:"rule_id"`
	Conditions []string           `json:"conditions"`
	Thresholds map[string]float64 `json:"thresholds"`
	Severity   Severity           `json:"severity"`
	Expression string             `json:"expression,omitempty"`
}

// NarrativeResult is the structured JSON schema the collaborator returns
// for narrative generation.
type NarrativeResult struct {
	Explanation       string   `json:"explanation"`
	RegulatoryBasis   string   `json:"regulatory_basis,omitempty"`
	Evidence          []string `json:"evidence,omitempty"`
	RecommendedAction string   `json:"recommended_action"`
	Confidence        float64  `json:"confidence"`
}

// NarrativeErrorKind classifies failures of the text-completion
// collaborator.
type NarrativeErrorKind string

const (
	NarrativeTimeout           NarrativeErrorKind = "timeout"
	NarrativeRateLimited       NarrativeErrorKind = "rate_limited"
	NarrativeMalformedResponse NarrativeErrorKind = "malformed_response"
	NarrativeOtherError        NarrativeErrorKind = "other"
)

// NarrativeError wraps a collaborator failure with its taxonomy kind.
type NarrativeError struct {
	Kind NarrativeErrorKind
	Err  error
}

func (e *NarrativeError) Error() string {
	return fmt.Sprintf("narrative service %s: %v", e.Kind, e.Err)
}

func (e *NarrativeError) Unwrap() error {
	return e.Err
}

// NarrativeErrKind extracts the taxonomy kind from an error chain.
// Returns NarrativeOtherError for errors outside the taxonomy.
func NarrativeErrKind(err error) NarrativeErrorKind {
	var ne *NarrativeError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return NarrativeOtherError
}
