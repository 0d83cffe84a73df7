package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/notify"
	"github.com/SirClappington/remindq/internal/queue"
	"github.com/SirClappington/remindq/internal/reminders"
)

var errBadRequest = errors.New("bad request")

// QueueStats is satisfied by *queue.RedisQ.
type QueueStats interface {
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

type Handlers struct {
	Reminders  *reminders.Scheduler
	Dispatcher *notify.Dispatcher
	Queue      QueueStats
	Log        *zap.Logger
}

func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, errors.Wrap(errBadRequest, "bad json"))
		return
	}
	if req.Title == "" {
		h.fail(w, r, errors.Wrap(errBadRequest, "title required"))
		return
	}
	rem, err := h.Reminders.Create(r.Context(), domain.CreateInput{
		ID:            req.ID,
		Title:         req.Title,
		Description:   req.Description,
		ExecutionDate: req.ExecutionDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.Reminders.FindAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if all == nil {
		all = []domain.Reminder{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	rem, err := h.Reminders.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, errors.Wrap(errBadRequest, "bad json"))
		return
	}
	p, err := req.patch()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rem, err := h.Reminders.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Reminders.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var sub notify.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.fail(w, r, errors.Wrap(errBadRequest, "bad json"))
		return
	}
	res, err := h.Dispatcher.Subscribe(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Queue.Counts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make(map[string]int64, len(counts)+2)
	for st, n := range counts {
		out[string(st)] = n
	}
	out["subscribers"] = int64(h.Dispatcher.Subscribers())
	out["pendingEvents"] = int64(h.Dispatcher.Pending())
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidSchedule),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
