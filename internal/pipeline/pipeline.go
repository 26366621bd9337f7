// Package pipeline implements the fixed five-stage risk scoring graph:
//
//	rule_interpretation → {static_evaluation, behavioral_detection} → aggregation → narrative
//
// The edges never change and there is no dynamic branching. Each stage
// owns a disjoint set of result fields; the two evaluation stages run
// concurrently and are joined before aggregation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Pipeline wires the five stages together over their collaborators.
type Pipeline struct {
	ruleStore   domain.RuleStore
	interpreter *rules.Interpreter
	evaluator   *rules.Evaluator
	detector    *behavior.Detector
	aggregator  *aggregate.Aggregator
	narrator    *narrative.Service
	audit       *audit.Logger
	repo        domain.Repository
	bus         domain.EventBus
}

// New creates a pipeline. The bus may be nil (no event publication).
func New(
	ruleStore domain.RuleStore,
	interpreter *rules.Interpreter,
	evaluator *rules.Evaluator,
	detector *behavior.Detector,
	aggregator *aggregate.Aggregator,
	narrator *narrative.Service,
	auditLog *audit.Logger,
	repo domain.Repository,
	bus domain.EventBus,
) *Pipeline {
	return &Pipeline{
		ruleStore:   ruleStore,
		interpreter: interpreter,
		evaluator:   evaluator,
		detector:    detector,
		aggregator:  aggregator,
		narrator:    narrator,
		audit:       auditLog,
		repo:        repo,
		bus:         bus,
	}
}

// runState accumulates per-stage outputs. Each stage writes only the
// fields it owns, so the parallel branches cannot clobber each other.
type runState struct {
	resolution rules.Resolution
	findings   rules.Findings
	detection  behavior.Detection
	aggregated aggregate.Result
	narrated   *narrative.Outcome
}

// Run scores one transaction through the full graph and persists the
// assessment. The returned error is non-nil only for input validation
// failures and aggregation failures; every other stage degrades to its
// documented default and the run completes.
func (p *Pipeline) Run(ctx context.Context, tx *domain.Transaction) (*domain.RiskAssessment, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.jurisdiction", tx.Jurisdiction),
		),
	)
	defer span.End()

	start := time.Now()
	var state runState

	// Stage 1: rule interpretation.
	state.resolution = p.runInterpretation(ctx, tx)

	// Stages 2+3: static evaluation and behavioral detection run
	// concurrently and both must finish before aggregation.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		state.findings = p.runStaticEvaluation(gctx, tx, state.resolution.Rules)
		return nil
	})
	g.Go(func() error {
		state.detection = p.runBehavioralDetection(gctx, tx)
		return nil
	})
	// The stage runners never return errors; Wait is the join point.
	_ = g.Wait()

	// Stage 4: aggregation. Failure here is terminal for this run.
	assessment, err := p.runAggregation(ctx, tx, &state)
	if err != nil {
		p.audit.Record(ctx, domain.StageNarrative, tx.ID, nil, nil, 0, domain.StageSkipped, nil)
		return assessment, err
	}

	// Stage 5: narrative. Always completes, via fallback if needed.
	p.runNarrative(ctx, assessment, &state)

	// Single atomic write per run; re-runs overwrite by transaction id.
	if err := p.repo.UpsertAssessment(ctx, assessment); err != nil {
		return nil, fmt.Errorf("persist assessment for tx %s: %w", tx.ID, err)
	}

	p.publish(ctx, assessment)

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"jurisdiction", tx.Jurisdiction,
		"risk_score", assessment.RiskScore,
		"alert_level", assessment.AlertLevel,
		"violations", len(assessment.Violations),
		"flags", len(assessment.Flags),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return assessment, nil
}

// runInterpretation loads the active rules and resolves text-sourced
// ones. A rule-store outage degrades to an empty rule set.
func (p *Pipeline) runInterpretation(ctx context.Context, tx *domain.Transaction) rules.Resolution {
	ctx, span := tracer.Start(ctx, "pipeline.rule_interpretation")
	defer span.End()

	start := time.Now()

	active, err := p.ruleStore.ActiveRules(ctx, tx.Jurisdiction)
	if err != nil {
		loadErr := fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
		slog.Warn("rule store unavailable, proceeding with no rules",
			"tx_id", tx.ID,
			"jurisdiction", tx.Jurisdiction,
			"error", err,
		)
		p.audit.Record(ctx, domain.StageRuleInterpretation, tx.ID,
			stageInput{Jurisdiction: tx.Jurisdiction}, nil,
			time.Since(start), domain.StageError, loadErr)
		return rules.Resolution{}
	}

	res := p.interpreter.Resolve(ctx, active)

	status := domain.StageSuccess
	var stageErr error
	if len(res.Degraded) > 0 {
		status = domain.StageError
		stageErr = fmt.Errorf("interpretation degraded for rules: %v", res.Degraded)
	}
	p.audit.Record(ctx, domain.StageRuleInterpretation, tx.ID,
		stageInput{Jurisdiction: tx.Jurisdiction, RuleCount: len(active)},
		res, time.Since(start), status, stageErr)

	return res
}

func (p *Pipeline) runStaticEvaluation(ctx context.Context, tx *domain.Transaction, active []*domain.RegulatoryRule) rules.Findings {
	ctx, span := tracer.Start(ctx, "pipeline.static_evaluation")
	defer span.End()

	start := time.Now()
	findings := p.evaluator.Evaluate(ctx, tx, active)

	status := domain.StageSuccess
	var stageErr error
	if len(findings.Degraded) > 0 {
		status = domain.StageError
		stageErr = fmt.Errorf("checks degraded for rules: %v", findings.Degraded)
	}
	p.audit.Record(ctx, domain.StageStaticEvaluation, tx.ID,
		stageInput{TransactionID: tx.ID, RuleCount: len(active)},
		findings, time.Since(start), status, stageErr)

	return findings
}

func (p *Pipeline) runBehavioralDetection(ctx context.Context, tx *domain.Transaction) behavior.Detection {
	ctx, span := tracer.Start(ctx, "pipeline.behavioral_detection")
	defer span.End()

	start := time.Now()
	detection := p.detector.Detect(ctx, tx)

	status := domain.StageSuccess
	var stageErr error
	if len(detection.Degraded) > 0 {
		status = domain.StageError
		stageErr = fmt.Errorf("checks degraded: %v", detection.Degraded)
	}
	p.audit.Record(ctx, domain.StageBehavioralDetection, tx.ID,
		stageInput{TransactionID: tx.ID, CustomerID: tx.CustomerID},
		detection, time.Since(start), status, stageErr)

	return detection
}

// runAggregation combines the branch outputs into the assessment. On
// aggregation failure the assessment carries the safe default (score 0,
// LOW) and the error is returned so the caller can count the run as a
// per-item failure.
func (p *Pipeline) runAggregation(ctx context.Context, tx *domain.Transaction, state *runState) (*domain.RiskAssessment, error) {
	ctx, span := tracer.Start(ctx, "pipeline.aggregation")
	defer span.End()

	start := time.Now()
	result, err := p.aggregator.Aggregate(state.findings.Violations, state.detection.Flags, tx.Jurisdiction)
	state.aggregated = result

	status := domain.StageSuccess
	if err != nil {
		status = domain.StageError
	}
	p.audit.Record(ctx, domain.StageAggregation, tx.ID,
		stageInput{
			TransactionID:  tx.ID,
			ViolationCount: len(state.findings.Violations),
			FlagCount:      len(state.detection.Flags),
		},
		result, time.Since(start), status, err)

	assessment := &domain.RiskAssessment{
		ID:                 uuid.NewString(),
		TransactionID:      tx.ID,
		CustomerID:         tx.CustomerID,
		Jurisdiction:       tx.Jurisdiction,
		RiskScore:          result.RiskScore,
		AlertLevel:         result.AlertLevel,
		Explanation:        result.Explanation,
		Violations:         state.findings.Violations,
		Flags:              state.detection.Flags,
		StaticScore:        result.StaticScore,
		BehavioralScore:    result.BehavioralScore,
		JurisdictionWeight: result.JurisdictionWeight,
		AnalyzedAt:         time.Now().UTC(),
	}
	if err != nil {
		return assessment, err
	}
	return assessment, nil
}

// runNarrative fills the narrative-owned fields. The risk score and
// alert level are already fixed; nothing here may change them.
func (p *Pipeline) runNarrative(ctx context.Context, assessment *domain.RiskAssessment, state *runState) {
	ctx, span := tracer.Start(ctx, "pipeline.narrative")
	defer span.End()

	start := time.Now()
	outcome, err := p.narrator.Narrate(ctx, assessment)
	state.narrated = outcome

	status := domain.StageSuccess
	if err != nil {
		status = domain.StageError
		if domain.NarrativeErrKind(err) == domain.NarrativeTimeout {
			status = domain.StageTimeout
		}
	}
	p.audit.Record(ctx, domain.StageNarrative, assessment.TransactionID,
		stageInput{TransactionID: assessment.TransactionID, RiskScore: assessment.RiskScore},
		outcome, time.Since(start), status, err)

	if !outcome.Fallback {
		assessment.Narrative = outcome.Narrative
	}
	assessment.RecommendedAction = outcome.RecommendedAction
	assessment.Confidence = outcome.Confidence
}

// publish emits the assessment, and an alert when warranted. Publish
// failures are logged, never propagated.
func (p *Pipeline) publish(ctx context.Context, assessment *domain.RiskAssessment) {
	if p.bus == nil {
		return
	}

	payload, err := json.Marshal(assessment)
	if err != nil {
		slog.Error("failed to marshal assessment event", "tx_id", assessment.TransactionID, "error", err)
		return
	}

	if err := p.bus.Publish(ctx, domain.TopicAssessment, payload); err != nil {
		slog.Error("failed to publish assessment",
			"tx_id", assessment.TransactionID,
			"error", err,
		)
	}
	if assessment.ShouldAlert() {
		if err := p.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", assessment.TransactionID,
				"alert_level", assessment.AlertLevel,
				"error", err,
			)
		}
	}
}

// stageInput is the audit snapshot of what a stage received.
type stageInput struct {
	TransactionID  string `json:"transactionId,omitempty"`
	CustomerID     string `json:"customerId,omitempty"`
	Jurisdiction   string `json:"jurisdiction,omitempty"`
	RuleCount      int    `json:"ruleCount,omitempty"`
	ViolationCount int    `json:"violationCount,omitempty"`
	FlagCount      int    `json:"flagCount,omitempty"`
	RiskScore      int    `json:"riskScore,omitempty"`
}
