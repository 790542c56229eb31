package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cardsync/internal/breaker"
	"cardsync/internal/catalog"
	"cardsync/internal/jobs"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Store seams, defined where they are consumed so tests can swap fakes.

type QueueStore interface {
	Enqueue(ctx context.Context, game string, priority int) (uint64, error)
	List(ctx context.Context, limit int) ([]jobs.QueueEntry, error)
}

type RunStore interface {
	Get(ctx context.Context, runID uint64) (*jobs.JobRun, error)
	Recent(ctx context.Context, game string, limit int) ([]jobs.JobRun, error)
	RequestCancel(ctx context.Context, runID uint64, reason string) error
	Sweep(ctx context.Context, maxRuntime time.Duration) (int64, error)
}

type CatalogStore interface {
	GameByCode(ctx context.Context, code string) (*catalog.Game, error)
	VariantsByID(ctx context.Context, game string, ids []uint64) ([]catalog.Variant, error)
}

type LedgerStore interface {
	DueForRetry(ctx context.Context, game string) ([]uint64, error)
	DeadCount(ctx context.Context, game string) (int64, error)
}

type BreakerStore interface {
	List(ctx context.Context) ([]breaker.BreakerState, error)
}

type RateLimiter interface {
	Remaining() int
}

// SyncHandler is the operator trigger surface over the sync engine. Triggers
// only enqueue; the dispatcher goroutine picks entries up, so requests return
// immediately.
type SyncHandler struct {
	Queue    QueueStore
	Runs     RunStore
	Catalog  CatalogStore
	Ledger   LedgerStore
	Breakers BreakerStore
	Limiter  RateLimiter
	StuckMax time.Duration
}

func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	game := strings.TrimSpace(strings.ToLower(chi.URLParam(r, "game")))
	if game == "" {
		http.Error(w, "game required", http.StatusBadRequest)
		return
	}
	if _, err := h.Catalog.GameByCode(r.Context(), game); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "unknown game", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	priority := 0
	if v := strings.TrimSpace(r.URL.Query().Get("priority")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			priority = n
		}
	}

	id, err := h.Queue.Enqueue(r.Context(), game, priority)
	if errors.Is(err, jobs.ErrAlreadyQueuedOrRunning) {
		// The dashboard enqueues liberally; an active entry is fine.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "already_queued_or_running",
			"game":   game,
		})
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "queued",
		"game":   game,
		"job_id": id,
	})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *SyncHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id64, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var req cancelReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "cancelled by operator"
	}

	if err := h.Runs.RequestCancel(r.Context(), id64, req.Reason); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Reap force-finishes runs stuck in running beyond the configured threshold
// and frees their queue entries.
func (h *SyncHandler) Reap(w http.ResponseWriter, r *http.Request) {
	n, err := h.Runs.Sweep(r.Context(), h.StuckMax)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"reaped": n,
	})
}

func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id64, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	run, err := h.Runs.Get(r.Context(), id64)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"run": run})
}

func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	game := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("game")))
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	runs, err := h.Runs.Recent(r.Context(), game, limit)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs})
}

func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Queue.List(r.Context(), 50)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"queue": entries})
}

// ListRetries reports a game's retry backlog: variants due for another
// attempt, and how many exhausted their retries and are parked dead.
func (h *SyncHandler) ListRetries(w http.ResponseWriter, r *http.Request) {
	game := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("game")))
	if game == "" {
		http.Error(w, "game required", http.StatusBadRequest)
		return
	}

	ids, err := h.Ledger.DueForRetry(r.Context(), game)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	variants, err := h.Catalog.VariantsByID(r.Context(), game, ids)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	dead, err := h.Ledger.DeadCount(r.Context(), game)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"due":  variants,
		"dead": dead,
	})
}

// ListBreakers reports per-game upstream health plus the rate budget left in
// the current window.
func (h *SyncHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := h.Breakers.List(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"breakers": states}
	if h.Limiter != nil {
		resp["rate_remaining"] = h.Limiter.Remaining()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
