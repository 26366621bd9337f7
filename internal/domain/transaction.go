package domain

import (
	"fmt"
	"time"
)

// Transaction represents an incoming transaction to be assessed.
// It is owned by the caller and treated as read-only by the pipeline.
type Transaction struct {
	// Core identifiers
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	BatchID    string `json:"batchId,omitempty"`

	// Transaction type (e.g., "transfer", "payment", "fx_trade")
	Type string `json:"type"`

	// Regulatory jurisdiction code (e.g., "HK", "SG")
	Jurisdiction string `json:"jurisdiction"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// FX details (populated when Type == "fx_trade")
	IsFXTrade bool    `json:"isFxTrade,omitempty"`
	SpreadBps float64 `json:"spreadBps,omitempty"`

	// Customer due-diligence state at transaction time
	CustomerIsPEP      bool      `json:"customerIsPep,omitempty"`
	CustomerRiskRating string    `json:"customerRiskRating,omitempty"`
	KYCDueDate         time.Time `json:"kycDueDate,omitempty"`
	SanctionsHit       bool      `json:"sanctionsHit,omitempty"`
	EDDRequired        bool      `json:"eddRequired,omitempty"`
	EDDPerformed       bool      `json:"eddPerformed,omitempty"`

	// SWIFT travel-rule fields
	HasOriginatorInfo  bool `json:"hasOriginatorInfo,omitempty"`
	HasBeneficiaryInfo bool `json:"hasBeneficiaryInfo,omitempty"`

	// Product suitability
	ComplexProduct      bool `json:"complexProduct,omitempty"`
	SuitabilityAssessed bool `json:"suitabilityAssessed,omitempty"`

	// Geographic countries involved
	OriginatorCountry  string `json:"originatorCountry,omitempty"`
	BeneficiaryCountry string `json:"beneficiaryCountry,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate rejects malformed transactions before the pipeline runs.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if t.CustomerID == "" {
		return &ValidationError{Field: "customerId", Reason: "is required"}
	}
	if t.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must be non-negative"}
	}
	if t.Currency != "" && len(t.Currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be an ISO 4217 code"}
	}
	if t.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	return nil
}

// ValidationError indicates a malformed transaction or rule input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
