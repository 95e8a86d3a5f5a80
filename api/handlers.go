package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"callflow/batch"
	"callflow/events"
)

// QueueService is the orchestration surface the handlers call into,
// satisfied by *batch.Processor.
type QueueService interface {
	ProcessQueue(ctx context.Context, maxBatches int) (batch.Summary, error)
	QueueStats(ctx context.Context) (batch.Stats, error)
	HandleOutcome(ctx context.Context, runID uuid.UUID, outcome batch.Outcome, reason, externalID string) (batch.Transition, error)
	Promote(ctx context.Context, id uuid.UUID) (batch.Transition, error)
}

// Deps wires the HTTP surface.
type Deps struct {
	Queue      QueueService
	Subscriber events.Subscriber
	Secret     string
	Logger     *slog.Logger

	// PassBudget bounds the wall clock of one triggered pass.
	PassBudget time.Duration
}

// NewHandler builds the router: the trigger, stats, the provider webhook,
// operator promotion, and the SSE event stream.
func NewHandler(deps Deps) http.Handler {
	if deps.PassBudget <= 0 {
		deps.PassBudget = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Get("/api/queue/stats", handleStats(deps))
	r.Get("/api/events", handleEvents(deps))

	r.Group(func(r chi.Router) {
		r.Use(RequireSecret(deps.Secret))
		r.Post("/api/queue/process", handleProcess(deps))
		r.Post("/api/calls/webhook", handleWebhook(deps))
		r.Post("/api/batches/{id}/promote", handlePromote(deps))
	})

	return r
}

type processRequest struct {
	MaxBatches int `json:"maxBatches"`
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		if req.MaxBatches < 0 || req.MaxBatches > batch.MaxBatchCap {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "maxBatches must be in [1,%d]", batch.MaxBatchCap)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.PassBudget)
		defer cancel()

		summary, err := deps.Queue.ProcessQueue(ctx, req.MaxBatches)
		if err != nil {
			deps.Logger.Error("queue pass failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "queue pass failed")
			return
		}

		writeJSON(w, http.StatusOK, summary)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Queue.QueueStats(r.Context())
		if err != nil {
			deps.Logger.Error("stats query failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "stats unavailable")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

type webhookRequest struct {
	RunID      string `json:"runId"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason"`
	ExternalID string `json:"externalId"`
}

// handleWebhook accepts the provider's asynchronous outcome delivery. It is
// idempotent per run id: an at-least-once replay answers 200 without a
// second transition.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		runID, err := uuid.Parse(req.RunID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid runId")
			return
		}
		outcome := batch.Outcome(req.Outcome)
		if !outcome.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid outcome %q", req.Outcome)
			return
		}

		transition, err := deps.Queue.HandleOutcome(r.Context(), runID, outcome, req.Reason, req.ExternalID)
		if err != nil {
			if errors.Is(err, batch.ErrRunNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "unknown run")
				return
			}
			deps.Logger.Error("webhook outcome failed", "run_id", runID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "outcome not applied")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"applied": transition.Applied,
			"status":  transition.Status,
		})
	}
}

func handlePromote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid batch id")
			return
		}

		transition, err := deps.Queue.Promote(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, batch.ErrBatchNotFound):
				httpError(w, http.StatusNotFound, "not_found", "unknown batch")
			case errors.Is(err, batch.ErrNotPromotable):
				httpError(w, http.StatusConflict, "conflict", "batch is not pending")
			default:
				deps.Logger.Error("promote failed", "batch_id", id, "error", err)
				httpError(w, http.StatusInternalServerError, "api_error", "promotion failed")
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"batchId": transition.BatchID,
			"status":  transition.Status,
		})
	}
}
