package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/config"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/model"
)

func TestEventsStream_ReplaysRecentEvents(t *testing.T) {
	bus := events.NewBus(100, zap.NewNop())
	bus.Publish(events.KindSessionCreated, model.LevelInfo, "u1", "created", nil)
	bus.Publish(events.KindSessionDestroyed, model.LevelInfo, "u1", "destroyed", nil)

	router := NewRouter(config.Config{JWTSecret: "test-secret"}, &mockSessions{}, &mockFleet{}, bus, zap.NewNop())

	// A pre-cancelled context makes the handler return right after the
	// replay instead of holding the stream open.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/events/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "adm_1", true))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "event: session_created") {
		t.Fatalf("expected session_created replay, body=%s", body)
	}
	if !strings.Contains(body, "event: session_destroyed") {
		t.Fatalf("expected session_destroyed replay, body=%s", body)
	}
	if strings.Index(body, "session_created") > strings.Index(body, "session_destroyed") {
		t.Fatalf("replay must be oldest first, body=%s", body)
	}
}

func TestEventsStream_ReplayIsBounded(t *testing.T) {
	bus := events.NewBus(500, zap.NewNop())
	for i := 0; i < streamReplayCount+20; i++ {
		bus.Publish(events.KindSessionRequested, model.LevelInfo, "u1", "msg", nil)
	}

	router := NewRouter(config.Config{JWTSecret: "test-secret"}, &mockSessions{}, &mockFleet{}, bus, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/events/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "adm_1", true))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	replayed := strings.Count(rr.Body.String(), "event: session_requested")
	if replayed != streamReplayCount {
		t.Fatalf("expected %d replayed events, got %d", streamReplayCount, replayed)
	}
}
