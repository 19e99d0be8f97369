package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// keepAliveInterval matches the teacher's comment-ping cadence.
const keepAliveInterval = 15 * time.Second

type writeFlusher interface {
	http.ResponseWriter
	http.Flusher
}

// sseSink implements conn.Sink over one SSE HTTP response, writing
// `event: <name>\ndata: <json>\n\n` frames and flushing immediately.
type sseSink struct {
	wf writeFlusher
}

func (s *sseSink) Write(eventName string, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventName)
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := s.wf.Write(buf.Bytes()); err != nil {
		return err
	}
	s.wf.Flush()
	return nil
}

func (s *sseSink) Close() {}

func (s *Server) sendComment(w writeFlusher, text string) {
	fmt.Fprintf(w, ": %s\n\n", text)
	w.Flush()
}

// handleEvents upgrades a GET /events request into an SSE stream. The
// client names its initial topics via the `topics` query parameter
// (comma-separated) and its identity via `userId`; both can be absent
// for an anonymous, topic-less connection that only attaches.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	wf, ok := w.(writeFlusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	userID := r.URL.Query().Get("userId")
	sink := &sseSink{wf: wf}
	subscriberID := s.conn.Attach(userID, sink)
	log.Info().Str("subscriber", subscriberID).Str("user", userID).Msg("sse client attached")

	topics := splitTopics(r.URL.Query().Get("topics"))
	for _, t := range topics {
		s.registry.Subscribe(subscriberID, t)
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	defer func() {
		for _, t := range topics {
			s.registry.Unsubscribe(subscriberID, t)
		}
		s.conn.Detach(subscriberID)
		log.Info().Str("subscriber", subscriberID).Msg("sse client detached")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendComment(wf, "keep-alive")
		}
	}
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
