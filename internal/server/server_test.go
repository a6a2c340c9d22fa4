package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/realmgate/internal/auth"
	"github.com/danmuck/realmgate/internal/gateway"
	"github.com/danmuck/realmgate/internal/testutil/testlog"
)

type fakeSessions []gateway.SessionInfo

func (f fakeSessions) Snapshot() []gateway.SessionInfo { return f }
func (f fakeSessions) Len() int                        { return len(f) }

type fakeBackend bool

func (f fakeBackend) Connected() bool { return bool(f) }

func get(t *testing.T, a *Admin, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)

	sessions := fakeSessions{
		{ID: "a", Remote: "10.0.0.1:5000", State: gateway.StateBound, Identity: 42, OpenedAt: time.Unix(1700000000, 0)},
	}
	a := NewAdmin("realmgate", sessions, fakeBackend(true), nil)

	w := get(t, a, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status %d", w.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["sessions"].(float64) != 1 {
		t.Fatalf("health body %v", health)
	}

	w = get(t, a, "/sessions")
	var list struct {
		Sessions []gateway.SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].Identity != 42 || list.Sessions[0].State != gateway.StateBound {
		t.Fatalf("sessions body %s", w.Body.String())
	}

	if w = get(t, a, "/sessions/a"); w.Code != http.StatusOK {
		t.Fatalf("session lookup status %d", w.Code)
	}
	if w = get(t, a, "/sessions/missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing session status %d", w.Code)
	}
	if w = get(t, a, "/metrics"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "realmgate_http_requests_total") {
		t.Fatalf("metrics status %d", w.Code)
	}
}

func TestAdminReadyFollowsBackend(t *testing.T) {
	testlog.Start(t)

	if w := get(t, NewAdmin("realmgate", fakeSessions{}, fakeBackend(false), nil), "/ready"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with backend down: %d", w.Code)
	}
	if w := get(t, NewAdmin("realmgate", fakeSessions{}, fakeBackend(true), nil), "/ready"); w.Code != http.StatusOK {
		t.Fatalf("ready with backend up: %d", w.Code)
	}
}

func TestAdminServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := NewAdmin("realmgate", fakeSessions{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("admin did not stop")
	}
}

func TestAdminSessionRoutesRequireToken(t *testing.T) {
	testlog.Start(t)

	a := NewAdmin("realmgate", fakeSessions{{ID: "a"}}, nil, auth.StaticToken{Token: "ops"})
	if w := get(t, a, "/sessions"); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated sessions: %d", w.Code)
	}
	if w := get(t, a, "/health"); w.Code != http.StatusOK {
		t.Fatalf("health must stay open: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/a", nil)
	req.Header.Set("Authorization", "Bearer ops")
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated session lookup: %d", w.Code)
	}
}
