package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatline/internal/room"

	"github.com/gorilla/websocket"
)

func testRouter(t *testing.T) (*Hub, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	rooms := room.NewRegistry(func(name string) string {
		return filepath.Join(dir, name+"_log.txt")
	})
	rooms.GetOrCreate("lobby")
	hub := NewHub()
	return hub, Router(hub, rooms)
}

func TestHealthz(t *testing.T) {
	_, router := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("body = %q", body)
	}
}

func TestRooms(t *testing.T) {
	_, router := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Rooms []string `json:"rooms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := []string{room.Default, "lobby"}
	if len(body.Rooms) != len(want) || body.Rooms[0] != want[0] || body.Rooms[1] != want[1] {
		t.Errorf("rooms = %v, want %v", body.Rooms, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chat_connections") {
		t.Error("metrics output has no chat series")
	}
}

func TestTailReceivesPublishedLines(t *testing.T) {
	hub, router := testRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tail"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial tail: %v", err)
	}
	defer conn.Close()

	// registration happens in the upgrade handler goroutine
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tail client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish("lobby", "alice: hello")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read tail message: %v", err)
	}
	var ev event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Room != "lobby" || ev.Line != "alice: hello" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Error("event has no timestamp")
	}
}

func TestPublishDropsSlowWatcher(t *testing.T) {
	hub := NewHub()
	tc := &tailClient{send: make(chan []byte, 1)}
	hub.add(tc)

	hub.Publish("lobby", "one")
	hub.Publish("lobby", "two")

	hub.mu.Lock()
	n := len(hub.clients)
	hub.mu.Unlock()
	if n != 0 {
		t.Errorf("slow watcher still registered, clients = %d", n)
	}
}
