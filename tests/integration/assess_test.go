//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel risk
// scoring pipeline.
//
// These tests exercise the COMPLETE five-stage pipeline over HTTP:
//
//	Transaction → Interpretation → {Static, Behavioral} → Aggregation → Narrative
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: A financial movement for one customer, carrying its
//    due-diligence state (PEP, sanctions, KYC, EDD) at transaction time.
//
// 2. RULE: A regulatory check for one jurisdiction. Typed rules
//    (cash_limit, pep_screening, ...) carry numeric parameters;
//    expression rules carry a CEL program over the transaction.
//
// 3. ASSESSMENT: risk score 0-100, alert level LOW/MEDIUM/HIGH/CRITICAL,
//    the violations and behavioral flags behind it, and an audit trail
//    with one row per pipeline stage.
//
// The tests seed their own rules through POST /rules, so they only need
// a running server with an empty (or disposable) database:
//
//	go run cmd/kestrel/main.go
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// AssessRequest mirrors the transaction payload for POST /assess.
type AssessRequest struct {
	ID                 string  `json:"id,omitempty"`
	CustomerID         string  `json:"customerId"`
	Type               string  `json:"type"`
	Jurisdiction       string  `json:"jurisdiction"`
	Amount             float64 `json:"amount"`
	Currency           string  `json:"currency"`
	CustomerIsPEP      bool    `json:"customerIsPep,omitempty"`
	SanctionsHit       bool    `json:"sanctionsHit,omitempty"`
	OriginatorCountry  string  `json:"originatorCountry,omitempty"`
	BeneficiaryCountry string  `json:"beneficiaryCountry,omitempty"`
	Timestamp          string  `json:"timestamp"`
}

// AssessResponse is the persisted RiskAssessment returned by /assess.
type AssessResponse struct {
	ID                string  `json:"id"`
	TransactionID     string  `json:"transactionId"`
	RiskScore         float64 `json:"riskScore"`
	AlertLevel        string  `json:"alertLevel"`
	Explanation       string  `json:"explanation"`
	RecommendedAction string  `json:"recommendedAction"`
	Violations        []struct {
		RuleID   string `json:"ruleId"`
		Severity string `json:"severity"`
	} `json:"violations"`
	Flags []struct {
		Type             string             `json:"flagType"`
		Severity         string             `json:"severity"`
		DetectionDetails map[string]float64 `json:"detectionDetails"`
	} `json:"flags"`
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, respBody
}

func assess(t *testing.T, config TestConfig, req AssessRequest) AssessResponse {
	t.Helper()

	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	resp, body := postJSON(t, config.BaseURL+"/assess", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	var result AssessResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func seedRule(t *testing.T, config TestConfig, rule map[string]any) {
	t.Helper()

	resp, body := postJSON(t, config.BaseURL+"/rules", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("failed to seed rule %v: %d: %s", rule["id"], resp.StatusCode, string(body))
	}
}

func seedHKRules(t *testing.T, config TestConfig) {
	seedRule(t, config, map[string]any{
		"id": "it-hk-cash", "jurisdiction": "HK", "ruleType": "cash_limit",
		"name": "Large cash reporting", "severity": "HIGH",
		"threshold": 120000, "currency": "HKD", "enabled": true,
	})
	seedRule(t, config, map[string]any{
		"id": "it-hk-sanctions", "jurisdiction": "HK", "ruleType": "sanctions_screening",
		"name": "Sanctions screening", "severity": "CRITICAL", "enabled": true,
	})
	seedRule(t, config, map[string]any{
		"id": "it-hk-pep", "jurisdiction": "HK", "ruleType": "pep_screening",
		"name": "PEP screening", "severity": "HIGH", "enabled": true,
	})
}

func TestCleanTransaction_LowAlert(t *testing.T) {
	/*
	   SCENARIO: An ordinary HKD 5,000 transfer with no regulatory issues.

	   EXPECTED BEHAVIOR:
	   - No rule violations, no behavioral flags
	   - Score 0 → LOW alert
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	result := assess(t, config, AssessRequest{
		CustomerID:   "it-cust-clean",
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       5000,
		Currency:     "HKD",
	})

	if result.AlertLevel != "LOW" {
		t.Errorf("expected LOW alert for clean transaction, got %s (score %.1f)", result.AlertLevel, result.RiskScore)
	}
	if len(result.Violations) != 0 {
		t.Errorf("expected no violations, got %v", result.Violations)
	}
	if result.RecommendedAction == "" {
		t.Error("expected a recommended action")
	}

	t.Logf("clean transaction: level=%s score=%.1f", result.AlertLevel, result.RiskScore)
}

func TestCashLimitBreach_RuleFires(t *testing.T) {
	/*
	   SCENARIO: HKD 200,000 cash movement, above the HKD 120,000
	   reporting threshold.

	   EXPECTED BEHAVIOR:
	   - cash_limit violation (HIGH, score 65)
	   - combined = (65+0)/2 × 1.2 (HK weight) = 39 → MEDIUM
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	result := assess(t, config, AssessRequest{
		CustomerID:   "it-cust-cash",
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       200000,
		Currency:     "HKD",
	})

	found := false
	for _, v := range result.Violations {
		if v.RuleID == "it-hk-cash" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cash limit violation, got %v", result.Violations)
	}
	if result.RiskScore <= 0 {
		t.Errorf("expected positive risk score, got %.1f", result.RiskScore)
	}
	if result.AlertLevel == "LOW" {
		t.Errorf("expected elevated alert level, got %s", result.AlertLevel)
	}

	t.Logf("cash breach: level=%s score=%.1f", result.AlertLevel, result.RiskScore)
}

func TestExactThreshold_NoViolation(t *testing.T) {
	/*
	   SCENARIO: Exactly HKD 120,000. The cash limit check is a strict
	   greater-than, so the boundary amount must not fire.
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	result := assess(t, config, AssessRequest{
		CustomerID:   "it-cust-boundary",
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       120000,
		Currency:     "HKD",
	})

	for _, v := range result.Violations {
		if v.RuleID == "it-hk-cash" {
			t.Errorf("cash limit must not fire at the exact threshold, got %v", result.Violations)
		}
	}

	t.Logf("boundary: level=%s score=%.1f", result.AlertLevel, result.RiskScore)
}

func TestSanctionsHit_CriticalSeverity(t *testing.T) {
	/*
	   SCENARIO: A transaction whose counterparty screening produced a
	   sanctions hit.

	   EXPECTED BEHAVIOR:
	   - sanctions_screening fires at CRITICAL regardless of configured
	     severity (score 100)
	   - combined = (100+0)/2 × 1.2 = 60 → HIGH
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	result := assess(t, config, AssessRequest{
		CustomerID:   "it-cust-sanctions",
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       1000,
		Currency:     "HKD",
		SanctionsHit: true,
	})

	found := false
	for _, v := range result.Violations {
		if v.RuleID == "it-hk-sanctions" {
			found = true
			if v.Severity != "CRITICAL" {
				t.Errorf("sanctions violation must be CRITICAL, got %s", v.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("expected sanctions violation, got %v", result.Violations)
	}
	if result.AlertLevel != "HIGH" && result.AlertLevel != "CRITICAL" {
		t.Errorf("expected HIGH or CRITICAL alert, got %s (score %.1f)", result.AlertLevel, result.RiskScore)
	}

	t.Logf("sanctions hit: level=%s score=%.1f", result.AlertLevel, result.RiskScore)
}

func TestCompoundViolations_EscalatesAlert(t *testing.T) {
	/*
	   SCENARIO: A PEP customer moving a large cash amount with a
	   sanctions hit. Three violations compound.

	   EXPECTED BEHAVIOR:
	   - static = 65 + 100 + 65 = 230
	   - combined = (230+0)/2 × 1.2 = 138 → capped at 100 → CRITICAL
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	result := assess(t, config, AssessRequest{
		CustomerID:    "it-cust-compound",
		Type:          "transfer",
		Jurisdiction:  "HK",
		Amount:        500000,
		Currency:      "HKD",
		CustomerIsPEP: true,
		SanctionsHit:  true,
	})

	if len(result.Violations) < 3 {
		t.Errorf("expected 3 violations, got %d: %v", len(result.Violations), result.Violations)
	}
	if result.AlertLevel != "CRITICAL" {
		t.Errorf("expected CRITICAL for compound violations, got %s (score %.1f)", result.AlertLevel, result.RiskScore)
	}
	if result.RiskScore != 100 {
		t.Errorf("expected score capped at 100, got %.1f", result.RiskScore)
	}

	t.Logf("compound risk: level=%s score=%.1f violations=%d", result.AlertLevel, result.RiskScore, len(result.Violations))
}

func TestStructuring_RecordThenAssess(t *testing.T) {
	/*
	   SCENARIO: Five same-day HKD 7,000 transfers for one customer,
	   posted one at a time through /assess. Each post records the
	   transaction into the customer's history before scoring, so the
	   final transfer is assessed against a history that already
	   contains it.

	   EXPECTED BEHAVIOR:
	   - Smurfing flag on the final transfer: transaction_count=5,
	     total_amount=35,000 (the transfer under analysis counted once,
	     not once from the seed and again from its own history row)
	   - Velocity flag: 5 transactions in 24h against the 20-day baseline
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	// Fresh customer per run so reruns against a persistent server do
	// not accumulate history.
	customerID := fmt.Sprintf("it-cust-structuring-%d", time.Now().UnixNano())

	// Noon-anchored timestamps keep the group on one calendar day.
	noon := time.Now().UTC().Truncate(24 * time.Hour).Add(12 * time.Hour)

	// One old transaction establishes the behavioral baseline window.
	assess(t, config, AssessRequest{
		CustomerID:   customerID,
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       500,
		Currency:     "HKD",
		Timestamp:    noon.AddDate(0, 0, -20).Format(time.RFC3339),
	})

	for i := 4; i >= 1; i-- {
		assess(t, config, AssessRequest{
			CustomerID:   customerID,
			Type:         "transfer",
			Jurisdiction: "HK",
			Amount:       7000,
			Currency:     "HKD",
			Timestamp:    noon.Add(-time.Duration(i) * time.Hour).Format(time.RFC3339),
		})
	}

	result := assess(t, config, AssessRequest{
		CustomerID:   customerID,
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       7000,
		Currency:     "HKD",
		Timestamp:    noon.Format(time.RFC3339),
	})

	var smurfCount, smurfTotal, velocity24h float64
	for _, flag := range result.Flags {
		switch flag.Type {
		case "smurfing":
			smurfCount = flag.DetectionDetails["transaction_count"]
			smurfTotal = flag.DetectionDetails["total_amount"]
		case "velocity":
			velocity24h = flag.DetectionDetails["transactions_24h"]
		}
	}

	if smurfCount != 5 {
		t.Errorf("expected smurfing transaction_count 5, got %v (flags: %+v)", smurfCount, result.Flags)
	}
	if smurfTotal != 35000 {
		t.Errorf("expected smurfing total_amount 35000, got %v", smurfTotal)
	}
	if velocity24h != 5 {
		t.Errorf("expected 5 transactions in 24h, got %v", velocity24h)
	}

	t.Logf("structuring run: level=%s score=%.1f flags=%d", result.AlertLevel, result.RiskScore, len(result.Flags))
}

func TestAuditTrail_FiveStages(t *testing.T) {
	/*
	   SCENARIO: Every run writes one audit row per pipeline stage.
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	txID := fmt.Sprintf("it-audit-%d", time.Now().UnixNano())
	assess(t, config, AssessRequest{
		ID:           txID,
		CustomerID:   "it-cust-audit",
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       1000,
		Currency:     "HKD",
	})

	resp, err := http.Get(config.BaseURL + "/assessments/" + txID + "/audit")
	if err != nil {
		t.Fatalf("audit request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var trail struct {
		Count  int `json:"count"`
		Stages []struct {
			Stage  string `json:"stage"`
			Status string `json:"status"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&trail); err != nil {
		t.Fatalf("failed to decode audit trail: %v", err)
	}

	if trail.Count != 5 {
		t.Errorf("expected 5 stage rows, got %d: %v", trail.Count, trail.Stages)
	}
	if len(trail.Stages) > 0 && trail.Stages[0].Stage != "rule_interpretation" {
		t.Errorf("expected rule_interpretation first, got %s", trail.Stages[0].Stage)
	}

	t.Logf("audit trail: %d stages", trail.Count)
}

func TestReassessment_SingleRow(t *testing.T) {
	/*
	   SCENARIO: Running the same transaction twice upserts the
	   assessment; the lookup returns the latest verdict, not a
	   duplicate.
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	txID := fmt.Sprintf("it-rerun-%d", time.Now().UnixNano())
	req := AssessRequest{
		ID:           txID,
		CustomerID:   "it-cust-rerun",
		Type:         "transfer",
		Jurisdiction: "HK",
		Amount:       1000,
		Currency:     "HKD",
	}

	first := assess(t, config, req)
	second := assess(t, config, req)

	if first.RiskScore != second.RiskScore || first.AlertLevel != second.AlertLevel {
		t.Errorf("re-run verdict changed: %.1f/%s vs %.1f/%s",
			first.RiskScore, first.AlertLevel, second.RiskScore, second.AlertLevel)
	}

	resp, err := http.Get(config.BaseURL + "/assessments/" + txID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 for persisted assessment, got %d", resp.StatusCode)
	}
}

func TestBatchLifecycle(t *testing.T) {
	/*
	   SCENARIO: Submit a small batch, poll until COMPLETED, and verify
	   the counters.
	*/
	config := getTestConfig()
	seedHKRules(t, config)

	batchID := fmt.Sprintf("it-batch-%d", time.Now().UnixNano())
	txns := make([]AssessRequest, 5)
	for i := range txns {
		txns[i] = AssessRequest{
			ID:           fmt.Sprintf("%s-tx-%d", batchID, i),
			CustomerID:   "it-cust-batch",
			Type:         "transfer",
			Jurisdiction: "HK",
			Amount:       1000,
			Currency:     "HKD",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		}
	}

	resp, body := postJSON(t, config.BaseURL+"/batches", map[string]any{
		"batchId":      batchID,
		"transactions": txns,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, string(body))
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := http.Get(config.BaseURL + "/batches/" + batchID)
		if err != nil {
			t.Fatalf("batch lookup failed: %v", err)
		}

		var meta struct {
			Status         string `json:"status"`
			ProcessedCount int    `json:"processedCount"`
			FailedCount    int    `json:"failedCount"`
			Error          string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&meta)
		resp.Body.Close()

		if meta.Status == "COMPLETED" {
			if meta.ProcessedCount != 5 || meta.FailedCount != 0 {
				t.Errorf("expected 5/0 processed/failed, got %d/%d", meta.ProcessedCount, meta.FailedCount)
			}
			t.Logf("batch completed: %d processed", meta.ProcessedCount)
			return
		}
		if meta.Status == "FAILED" {
			t.Fatalf("batch failed: %s", meta.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch did not complete, last status %s", meta.Status)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestValidation_BadRequests(t *testing.T) {
	config := getTestConfig()

	t.Run("MissingCustomerID", func(t *testing.T) {
		resp, _ := postJSON(t, config.BaseURL+"/assess", AssessRequest{
			Type:         "transfer",
			Jurisdiction: "HK",
			Amount:       100,
			Currency:     "HKD",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for missing customerId, got %d", resp.StatusCode)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		resp, _ := postJSON(t, config.BaseURL+"/assess", AssessRequest{
			CustomerID:   "it-cust-invalid",
			Type:         "transfer",
			Jurisdiction: "HK",
			Amount:       -100,
			Currency:     "HKD",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for negative amount, got %d", resp.StatusCode)
		}
	})

	t.Run("BadCurrency", func(t *testing.T) {
		resp, _ := postJSON(t, config.BaseURL+"/assess", AssessRequest{
			CustomerID:   "it-cust-invalid",
			Type:         "transfer",
			Jurisdiction: "HK",
			Amount:       100,
			Currency:     "HONGKONGDOLLAR",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for malformed currency, got %d", resp.StatusCode)
		}
	})
}
