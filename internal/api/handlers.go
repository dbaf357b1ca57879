package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mkaroly/wabridge/internal/poll"
	"github.com/mkaroly/wabridge/internal/session"
	"github.com/mkaroly/wabridge/internal/store"
)

type Handler struct {
	poller    *poll.Poller
	sess      *session.Manager
	store     store.Store
	accountID int64
}

func NewHandler(p *poll.Poller, sess *session.Manager, st store.Store, accountID int64) *Handler {
	return &Handler{poller: p, sess: sess, store: st, accountID: accountID}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"session": h.sess.State().String(),
	})
}

func (h *Handler) PollerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.poller.IsRunning()})
}

func (h *Handler) PollerStart(w http.ResponseWriter, r *http.Request) {
	h.poller.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.poller.IsRunning()})
}

func (h *Handler) PollerStop(w http.ResponseWriter, r *http.Request) {
	h.poller.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.poller.IsRunning()})
}

func (h *Handler) ListSentJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.store.SentJobs(r.Context(), h.accountID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
