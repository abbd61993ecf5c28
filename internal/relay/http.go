package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ehrlich-b/threadline/internal/store"
	"github.com/ehrlich-b/threadline/internal/ws"
)

// ThreadResponse is the body of GET /threads/{id}.
type ThreadResponse struct {
	Thread   ws.ThreadInfo    `json:"thread"`
	Messages []ws.MessageInfo `json:"messages"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connections": s.peers.Len()})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context())
	if err != nil {
		s.log.Error("list threads", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]ws.ThreadInfo, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadInfo(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	t, err := s.store.GetThread(r.Context(), id)
	if errors.Is(err, store.ErrThreadNotFound) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get thread", zap.String("thread_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		s.log.Error("list messages", zap.String("thread_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := ThreadResponse{Thread: threadInfo(t), Messages: make([]ws.MessageInfo, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageInfo(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
