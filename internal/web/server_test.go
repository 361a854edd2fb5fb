package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"dali-go-bridge/internal/bus"
	"dali-go-bridge/internal/manager"
	"dali-go-bridge/internal/store"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *manager.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sim := bus.NewSim(logger, 1)
	sim.Seed(7)
	if err := sim.AddDevice(0, bus.SimDeviceSpec{ID: "a", ShortAddress: 4}); err != nil {
		t.Fatal(err)
	}

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	m := manager.New(sim, st, manager.NewEventBus(logger), logger)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	err = st.UpdateBus(0, func(cfg *store.BusConfig) error {
		cfg.Channels = append(cfg.Channels, store.Light{Channel: 4, Description: "Light 4"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(m, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, m
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestConfigEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Buses []manager.BusView `json:"buses"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Buses) != 1 {
		t.Fatalf("buses = %d, want 1", len(body.Buses))
	}
	if body.Buses[0].Status != "active" {
		t.Errorf("bus status = %q, want active", body.Buses[0].Status)
	}
}

func TestAPIKeyGate(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"config without key", "/api/config", "", http.StatusUnauthorized},
		{"config wrong key", "/api/config", "nope", http.StatusUnauthorized},
		{"config with key", "/api/config", "secret", http.StatusOK},
		{"healthz open", "/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	srv, m := newTestServer(t, WithAllowedOrigins([]string{"*"}))

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/api/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the hub to register the client before emitting.
	time.Sleep(20 * time.Millisecond)

	if err := m.SetLightBrightness(ctx, 0, 4, 200); err != nil {
		t.Fatal(err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != manager.EventLightLevel {
		t.Errorf("event type = %q, want %q", ev.Type, manager.EventLightLevel)
	}
}
