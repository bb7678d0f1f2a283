package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/bayeux-server-go/metrics"
	"github.com/ggoodman/bayeux-server-go/server"
	"github.com/ggoodman/bayeux-server-go/sessions/sessionstest"
)

func newTestAdmin(t *testing.T) (*server.Server, *sessionstest.Receiver, http.Handler) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	srv := server.New(server.WithLogger(log), server.WithMetrics(metrics.New(metrics.WithRegistry(reg), metrics.WithLogger(log))))
	r := &sessionstest.Receiver{}
	ls := srv.NewLocalSession("admin", r)
	if err := srv.Subscribe(context.Background(), ls, "/news"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return srv, r, newAdminRouter(srv, reg)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHealthz(t *testing.T) {
	srv, _, h := newTestAdmin(t)
	rec := do(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), srv.NodeID()) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminSessions(t *testing.T) {
	srv, _, h := newTestAdmin(t)
	rec := do(h, http.MethodGet, "/sessions", "")
	var views []sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || !views[0].Local || len(views[0].Subscriptions) != 1 || views[0].Subscriptions[0] != "/news" {
		t.Fatalf("unexpected sessions %+v", views)
	}

	id := srv.Sessions()[0].ID()
	if rec := do(h, http.MethodGet, "/sessions/"+id, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/sessions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(h, http.MethodDelete, "/sessions/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if srv.SessionCount() != 0 {
		t.Fatalf("session not disconnected")
	}
}

func TestAdminPublish(t *testing.T) {
	_, r, h := newTestAdmin(t)

	rec := do(h, http.MethodPost, "/publish", `{"channel":"/news","data":{"title":"hello"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(msgs))
	}
	data, _ := msgs[0].Data().(map[string]any)
	if data["title"] != "hello" {
		t.Fatalf("unexpected data %v", msgs[0].Data())
	}

	if rec := do(h, http.MethodPost, "/publish", `{"channel":"/meta/connect"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for meta channel, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/publish", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestAdminChannelsAndMetrics(t *testing.T) {
	_, _, h := newTestAdmin(t)
	do(h, http.MethodPost, "/publish", `{"channel":"/news","data":1}`)

	rec := do(h, http.MethodGet, "/channels", "")
	var views []channelView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].ID != "/news" || views[0].Subscribers != 1 {
		t.Fatalf("unexpected channels %+v", views)
	}

	rec = do(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "bayeux_messages_published_total") {
		t.Fatalf("metrics missing published counter:\n%s", rec.Body.String())
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Fatalf("debug: %v", err)
	}
}
