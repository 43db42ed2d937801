package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/model"
)

const (
	streamReplayCount   = 50
	streamBufferSize    = 100
	streamKeepaliveTick = 30 * time.Second
)

// handleEventsStream serves the admin activity feed as server-sent events:
// a replay of the most recent entries, then live events as they publish,
// with periodic keepalive comments so idle proxies don't drop the
// connection. A client too slow to drain its buffer loses events rather
// than stalling the bus.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := make(chan model.Event, streamBufferSize)
	subID := s.bus.Subscribe(func(ev model.Event) error {
		select {
		case ch <- ev:
		default:
			s.log.Debug("event stream client too slow, dropping event",
				zap.String("event_id", ev.ID))
		}
		return nil
	})
	defer s.bus.Unsubscribe(subID)

	for _, ev := range s.bus.Recent(streamReplayCount) {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepaliveTick)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, payload)
	return err
}
