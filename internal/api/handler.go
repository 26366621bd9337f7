package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/rulestore"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	runner      batch.Runner
	coordinator *batch.Coordinator
	ruleStore   *rulestore.Store
	history     *history.Store
	engine      *rules.Engine
	version     string

	// Cancel functions for in-flight batches, keyed by batch id.
	mu      sync.Mutex
	batches map[string]context.CancelFunc
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, runner batch.Runner, coordinator *batch.Coordinator, ruleStore *rulestore.Store, historyStore *history.Store, engine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		runner:      runner,
		coordinator: coordinator,
		ruleStore:   ruleStore,
		history:     historyStore,
		engine:      engine,
		version:     version,
		batches:     make(map[string]context.CancelFunc),
	}
}

// Assess handles POST /assess: scores a single transaction synchronously.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	tx.CreatedAt = time.Now().UTC()

	if err := tx.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Persist the transaction before scoring so it joins the customer's
	// history for subsequent assessments.
	if err := h.history.Record(ctx, &tx); err != nil {
		slog.Error("failed to record transaction", "tx_id", tx.ID, "error", err)
		// Scoring still proceeds; monitoring must not halt on a write failure.
	}

	assessment, err := h.runner.Run(ctx, &tx)
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		if errors.Is(err, domain.ErrAggregation) {
			// The safe default assessment is still returned for review.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      err.Error(),
				"assessment": assessment,
			})
			return
		}
		slog.Error("assessment failed", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "assessment failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetAssessment handles GET /assessments/{txID}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	assessment, err := h.repo.GetAssessment(r.Context(), txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetAuditTrail handles GET /assessments/{txID}/audit: the per-stage
// execution log for one transaction, in causal order.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	logs, err := h.repo.ListStageLogs(r.Context(), txID)
	if err != nil {
		slog.Error("failed to list stage logs", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load audit trail",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactionId": txID,
		"stages":        logs,
		"count":         len(logs),
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")
	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// BatchRequest is the request body for POST /batches.
type BatchRequest struct {
	BatchID      string                `json:"batchId,omitempty"`
	Transactions []*domain.Transaction `json:"transactions"`
}

// CreateBatch handles POST /batches: starts an asynchronous batch run
// and returns 202 with the batch id.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one transaction is required",
		})
		return
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	now := time.Now().UTC()
	for _, tx := range req.Transactions {
		tx.BatchID = batchID
		if tx.Timestamp.IsZero() {
			tx.Timestamp = now
		}
		tx.CreatedAt = now
		if err := tx.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "transaction " + tx.ID + ": " + err.Error(),
			})
			return
		}
	}

	// The batch outlives the HTTP request; cancellation is explicit via
	// POST /batches/{id}/cancel.
	batchCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.batches[batchID] = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.batches, batchID)
			h.mu.Unlock()
			cancel()
		}()

		for _, tx := range req.Transactions {
			if err := h.history.Record(batchCtx, tx); err != nil {
				slog.Error("failed to record batch transaction",
					"batch_id", batchID,
					"tx_id", tx.ID,
					"error", err,
				)
			}
		}

		if _, err := h.coordinator.RunBatch(batchCtx, batchID, req.Transactions); err != nil {
			slog.Error("batch run failed", "batch_id", batchID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batchId":    batchID,
		"totalCount": len(req.Transactions),
		"status":     domain.BatchPending,
	})
}

// GetBatch handles GET /batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	if batchID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch id is required",
		})
		return
	}

	meta, err := h.repo.GetBatch(r.Context(), batchID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "batch not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

// CancelBatch handles POST /batches/{id}/cancel. Cancellation stops
// scheduling new transactions; in-flight pipeline runs complete.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	h.mu.Lock()
	cancel, ok := h.batches[batchID]
	h.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no in-flight batch with that id",
		})
		return
	}

	cancel()
	slog.Info("batch cancellation requested", "batch_id", batchID)
	writeJSON(w, http.StatusOK, map[string]string{
		"batchId": batchID,
		"message": "cancellation requested; in-flight transactions will complete",
	})
}

// ListRules handles GET /rules?jurisdiction=HK.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	jurisdiction := r.URL.Query().Get("jurisdiction")
	if jurisdiction == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "jurisdiction query parameter is required",
		})
		return
	}

	activeRules, err := h.ruleStore.ActiveRules(r.Context(), jurisdiction)
	if err != nil {
		slog.Error("failed to list rules", "jurisdiction", jurisdiction, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":        activeRules,
		"count":        len(activeRules),
		"jurisdiction": jurisdiction,
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	rule, err := h.repo.GetRule(r.Context(), ruleID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules: persists a rule and invalidates its
// jurisdiction's cached rule set.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RegulatoryRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.ID == "" || rule.Jurisdiction == "" || rule.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, jurisdiction, and type are required",
		})
		return
	}

	if rule.Type == domain.RuleTypeExpression && rule.Expression != "" {
		if err := h.engine.ValidateExpression(rule.Expression); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid expression: " + err.Error(),
			})
			return
		}
	}

	if err := h.ruleStore.SaveRule(r.Context(), &rule); err != nil {
		slog.Error("failed to save rule", "rule_id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "jurisdiction", rule.Jurisdiction)
	writeJSON(w, http.StatusCreated, &rule)
}

// ReloadRules handles POST /rules/reload: drops the cached rule set for
// a jurisdiction so the next assessment picks up changes.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	jurisdiction := r.URL.Query().Get("jurisdiction")
	if jurisdiction == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "jurisdiction query parameter is required",
		})
		return
	}

	h.ruleStore.Invalidate(r.Context(), jurisdiction)

	slog.Info("rule cache invalidated", "jurisdiction", jurisdiction)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      "rule cache invalidated",
		"jurisdiction": jurisdiction,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
