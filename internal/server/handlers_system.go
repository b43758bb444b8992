package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rookery-ai/rookery/internal/coordinator"
	"github.com/rookery-ai/rookery/internal/model"
)

type statusResponse struct {
	Coordinator   coordinator.Status `json:"coordinator"`
	TrackedAgents int                `json:"tracked_agents"`
	Subscribers   int                `json:"subscribers"`
	DispatchCache int                `json:"dispatch_cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Coordinator: s.deps.Coordinator.Status(),
		Subscribers: s.deps.Broker.SubscriberCount(),
	}
	if s.deps.Exhaustion != nil {
		resp.TrackedAgents = len(s.deps.Exhaustion.TrackedAgents())
	}
	if s.deps.Dispatcher != nil {
		resp.DispatchCache = s.deps.Dispatcher.CacheSize()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// handleHealth reports component reachability. The database is the only
// hard dependency; a broken vector index degrades instead of failing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: map[string]string{}}
	httpStatus := http.StatusOK

	if err := s.deps.DB.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Components["database"] = err.Error()
		httpStatus = http.StatusServiceUnavailable
	} else {
		resp.Components["database"] = "ok"
	}

	if s.deps.Searcher != nil {
		if err := s.deps.Searcher.Healthy(ctx); err != nil {
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			resp.Components["search"] = err.Error()
		} else {
			resp.Components["search"] = "ok"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// handleEvents streams orchestration events over SSE until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.deps.Broker.Subscribe()
	defer s.deps.Broker.Unsubscribe(ch)

	// Heartbeat keeps intermediaries from closing an idle stream.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
