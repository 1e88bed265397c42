package server_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"github.com/lumenmesh/meshproto/internal/bdc"
	"github.com/lumenmesh/meshproto/internal/bss"
	"github.com/lumenmesh/meshproto/internal/protoerr"
	"github.com/lumenmesh/meshproto/internal/server"
)

// fakeEngine is a minimal in-memory stand-in for bss.Engine, enough to
// drive the control plane's HTTP surface without a real Trickle timer.
type fakeEngine struct {
	mu    sync.Mutex
	items map[uint32]*fakeItem
}

type fakeItem struct {
	version uint32
	value   []byte
	paused  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{items: make(map[uint32]*fakeItem)}
}

// Items is left empty: the list endpoint needs real *bss.Item pointers,
// which only bss.Engine itself can construct. Covered by bss package tests
// instead; this fake exercises the mutation endpoints only.
func (e *fakeEngine) Items() []*bss.Item {
	return nil
}

func (e *fakeEngine) Register(uint32, []byte, bss.UpdateHandler) (*bss.Item, error) { return nil, nil }

func (e *fakeEngine) Update(dataID uint32, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[dataID]
	if !ok {
		return protoerr.ErrNotRegistered
	}
	it.value = value
	it.version++
	return nil
}

func (e *fakeEngine) Pause(dataID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[dataID]
	if !ok {
		return protoerr.ErrNotRegistered
	}
	it.paused = true
	return nil
}

func (e *fakeEngine) Resume(dataID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[dataID]
	if !ok {
		return protoerr.ErrNotRegistered
	}
	it.paused = false
	return nil
}

type fakeSessions struct {
	mu      sync.Mutex
	started []struct {
		peer     netip.AddrPort
		packetID uint16
	}
	err error
}

func (f *fakeSessions) StartTransfer(peer netip.AddrPort, packetID uint16, _ []byte, _ bdc.SenderConfig) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, struct {
		peer     netip.AddrPort
		packetID uint16
	}{peer, packetID})
	return nil
}

func setupTestServer(t *testing.T, engine server.BroadcastEngine, sessions server.BulkSessions) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	handler := server.New(engine, sessions, logger)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := setupTestServer(t, newFakeEngine(), nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUpdateUnknownItemReturnsNotFound(t *testing.T) {
	t.Parallel()

	srv := setupTestServer(t, newFakeEngine(), nil)

	body, _ := json.Marshal(map[string]string{"value_base64": base64.StdEncoding.EncodeToString([]byte("hi"))})
	resp, err := http.Post(srv.URL+"/v1/items/99/update", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST update: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateKnownItemSucceeds(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.items[1] = &fakeItem{}
	srv := setupTestServer(t, engine, nil)

	body, _ := json.Marshal(map[string]string{"value_base64": base64.StdEncoding.EncodeToString([]byte("hello"))})
	resp, err := http.Post(srv.URL+"/v1/items/1/update", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST update: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if string(engine.items[1].value) != "hello" {
		t.Errorf("item value = %q, want %q", engine.items[1].value, "hello")
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.items[2] = &fakeItem{}
	srv := setupTestServer(t, engine, nil)

	resp, err := http.Post(srv.URL+"/v1/items/2/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("POST pause: %v", err)
	}
	resp.Body.Close()
	if !engine.items[2].paused {
		t.Fatal("item not paused after POST /pause")
	}

	resp, err = http.Post(srv.URL+"/v1/items/2/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("POST resume: %v", err)
	}
	resp.Body.Close()
	if engine.items[2].paused {
		t.Fatal("item still paused after POST /resume")
	}
}

func TestStartTransferWithoutSessionsReturns503(t *testing.T) {
	t.Parallel()

	srv := setupTestServer(t, newFakeEngine(), nil)

	body, _ := json.Marshal(map[string]any{
		"peer":           "192.0.2.1:1520",
		"packet_id":      1,
		"payload_base64": base64.StdEncoding.EncodeToString([]byte("x")),
	})
	resp, err := http.Post(srv.URL+"/v1/bdc/transfers", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST transfer: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStartTransferDispatchesToSessions(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	srv := setupTestServer(t, newFakeEngine(), sessions)

	body, _ := json.Marshal(map[string]any{
		"peer":           "192.0.2.1:1520",
		"packet_id":      7,
		"payload_base64": base64.StdEncoding.EncodeToString([]byte("payload")),
	})
	resp, err := http.Post(srv.URL+"/v1/bdc/transfers", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST transfer: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.started) != 1 || sessions.started[0].packetID != 7 {
		t.Errorf("started = %+v, want one transfer with packet_id 7", sessions.started)
	}
}
