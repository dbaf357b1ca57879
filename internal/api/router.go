package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/poller/status", h.PollerStatus)
	mux.HandleFunc("POST /v1/poller/start", h.PollerStart)
	mux.HandleFunc("POST /v1/poller/stop", h.PollerStop)

	mux.HandleFunc("GET /v1/jobs/sent", h.ListSentJobs)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wabridge"))
	})

	return mux
}
