// Package rules provides the deterministic regulatory-rule evaluator.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates CEL expressions for expression rules.
// Built-in rule types never go through CEL; this path exists for rules
// produced by the interpretation stage or authored directly.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program // key: ruleID + "\x00" + expression
}

// NewEngine creates a new CEL expression engine with the transaction
// variables bound.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("jurisdiction", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("is_pep", cel.BoolType),
		cel.Variable("sanctions_hit", cel.BoolType),
		cel.Variable("edd_required", cel.BoolType),
		cel.Variable("edd_performed", cel.BoolType),
		cel.Variable("is_fx_trade", cel.BoolType),
		cel.Variable("spread_bps", cel.DoubleType),
		cel.Variable("complex_product", cel.BoolType),
		cel.Variable("originator_country", cel.StringType),
		cel.Variable("beneficiary_country", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// ValidateExpression compiles an expression without caching it.
func (e *Engine) ValidateExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs a rule's expression against a transaction and reports
// whether the rule matched (a match is a violation).
func (e *Engine) Evaluate(rule *domain.RegulatoryRule, tx *domain.Transaction) (bool, error) {
	if rule.Expression == "" {
		return false, fmt.Errorf("rule %s has no expression", rule.ID)
	}

	program, err := e.program(rule.ID, rule.Expression)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(activation(tx))
	if err != nil {
		return false, fmt.Errorf("rule %s evaluation: %w", rule.ID, err)
	}

	return toBool(out), nil
}

// program returns a cached compiled program, compiling on first use.
func (e *Engine) program(ruleID, expression string) (cel.Program, error) {
	key := ruleID + "\x00" + expression

	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[key] = program
	e.mu.Unlock()

	return program, nil
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	return e.env.Program(ast)
}

// Close clears the compiled program cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

func activation(tx *domain.Transaction) map[string]any {
	return map[string]any{
		"amount":              tx.Amount,
		"currency":            tx.Currency,
		"jurisdiction":        tx.Jurisdiction,
		"tx_type":             tx.Type,
		"is_pep":              tx.CustomerIsPEP,
		"sanctions_hit":       tx.SanctionsHit,
		"edd_required":        tx.EDDRequired,
		"edd_performed":       tx.EDDPerformed,
		"is_fx_trade":         tx.IsFXTrade,
		"spread_bps":          tx.SpreadBps,
		"complex_product":     tx.ComplexProduct,
		"originator_country":  tx.OriginatorCountry,
		"beneficiary_country": tx.BeneficiaryCountry,
	}
}

func toBool(val ref.Val) bool {
	if b, ok := val.(types.Bool); ok {
		return bool(b)
	}
	return false
}
