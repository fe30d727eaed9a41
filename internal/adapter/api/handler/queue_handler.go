package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/respond"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

// QueueHandler serves the operator endpoints of the provisioning queue.
type QueueHandler struct {
	uc     *usecase.AdminQueueUseCase
	logger *slog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(uc *usecase.AdminQueueUseCase, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{uc: uc, logger: logger}
}

// Overview returns queue depth, pending jobs and workers.
// GET /admin/queue
func (h *QueueHandler) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.uc.Overview(r.Context())
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, overview)
}

// PendingJobs lists unacknowledged jobs.
// GET /admin/queue/pending?worker={name}&count={n}
func (h *QueueHandler) PendingJobs(w http.ResponseWriter, r *http.Request) {
	count, ok := h.count(w, r)
	if !ok {
		return
	}
	jobs, err := h.uc.PendingJobs(r.Context(), r.URL.Query().Get("worker"), count)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, jobs)
}

// Reassign hands stalled jobs to another worker.
// POST /admin/queue/pending/reassign
func (h *QueueHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Worker     string   `json:"worker"`
		MinIdle    string   `json:"min_idle"`
		MessageIDs []string `json:"message_ids"`
	}
	if !h.decode(w, r, &payload) {
		return
	}

	var minIdle time.Duration
	if payload.MinIdle != "" {
		var err error
		if minIdle, err = time.ParseDuration(payload.MinIdle); err != nil {
			h.badRequest(w, "invalid min_idle format")
			return
		}
	}

	jobs, err := h.uc.Reassign(r.Context(), payload.Worker, minIdle, payload.MessageIDs)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, jobs)
}

// Discard drops pending jobs.
// POST /admin/queue/pending/discard
func (h *QueueHandler) Discard(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageIDs []string `json:"message_ids"`
	}
	if !h.decode(w, r, &payload) {
		return
	}

	n, err := h.uc.Discard(r.Context(), payload.MessageIDs...)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, map[string]int64{"discarded": n})
}

// DeadLetters lists the newest dead-lettered jobs.
// GET /admin/queue/dead-letters?count={n}
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	count, ok := h.count(w, r)
	if !ok {
		return
	}
	dead, err := h.uc.DeadLetters(r.Context(), count)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, dead)
}

// Requeue moves a dead-lettered job back onto the queue.
// POST /admin/queue/dead-letters/{id}/requeue
func (h *QueueHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	job, err := h.uc.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusAccepted, map[string]string{
		"tenant_id":  job.TenantID.String(),
		"message_id": job.MessageID,
	})
}

// TrimDeadLetters caps the dead-letter queue.
// POST /admin/queue/dead-letters/trim
func (h *QueueHandler) TrimDeadLetters(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxLen int64 `json:"maxlen"`
	}
	if !h.decode(w, r, &payload) {
		return
	}

	n, err := h.uc.TrimDeadLetters(r.Context(), payload.MaxLen)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, map[string]int64{"trimmed": n})
}

func (h *QueueHandler) count(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("count")
	if raw == "" {
		return 0, true
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.badRequest(w, "invalid count parameter")
		return 0, false
	}
	return count, true
}

func (h *QueueHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.badRequest(w, "invalid request body")
		return false
	}
	return true
}

func (h *QueueHandler) badRequest(w http.ResponseWriter, msg string) {
	respond.JSON(w, h.logger, http.StatusBadRequest, respond.ErrorResponse{Error: msg, Code: "bad_request"})
}
