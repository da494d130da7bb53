package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// GET /v1/events streams the session's envelopes as server-sent events named
// "violation" and "network-risk-update". The stream ends when the session
// stops, the client goes away, or the client falls too far behind.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.Current()
	if sess == nil {
		writeError(w, http.StatusNotFound, CodeNoSession, "no session has been created")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	sub := sess.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": session %s\n\n", sess.ID())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return

		case env, open := <-sub.C():
			if !open {
				if err := sub.Err(); err != nil {
					s.logger.Warn("event stream closed", zap.Error(err))
					fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
				}
				flusher.Flush()
				return
			}
			payload, err := ssePayload(env)
			if err != nil {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				s.logger.Warn("failed to encode event", zap.Uint64("id", env.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.ID, sseEventName(env), data)
			flusher.Flush()
		}
	}
}
