package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edumarques81/stellar-stream/internal/infra/nowplaying"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type recorder struct {
	mu    sync.Mutex
	songs []string
}

func (r *recorder) add(md *nowplaying.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.songs = append(r.songs, md.Song)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.songs...)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.failures, DefaultInitialBackoff, DefaultMaxBackoff); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestConnectNoURL(t *testing.T) {
	c := NewClient("")
	if err := c.Connect(context.Background()); err != ErrNoURL {
		t.Errorf("Connect() error = %v, want ErrNoURL", err)
	}
	c.Disconnect()
}

func TestSnapshotThenUpdates(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"now_playing":{"song":{"artist":"Larry Heard","title":"Can You Feel It"}}}`))
		<-release
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"now_playing":{"song":{"artist":"Larry Heard","title":"Can You Feel It"}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"now_playing":{"song":{"artist":"Theo Parrish","title":"Summertime Is Here","art":"https://img.example.com/t.jpg"}}}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	c := NewClient(wsURL(server), WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	rec := &recorder{}
	cancel := c.Subscribe(rec.add)
	defer cancel()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != ErrAlreadyConnected {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if !c.Status().Connected {
		t.Error("Status().Connected = false, want true")
	}
	close(release)

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
	got := rec.snapshot()
	want := []string{"Larry Heard - Can You Feel It", "Theo Parrish - Summertime Is Here"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update %d = %q, want %q", i, got[i], want[i])
		}
	}

	latest := c.Latest()
	if latest == nil || latest.ArtURL != "https://img.example.com/t.jpg" {
		t.Errorf("Latest() = %+v", latest)
	}
}

func TestSubscribeReplaysLatest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"now_playing":{"song":{"text":"Station ID"}}}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	c := NewClient(wsURL(server))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool { return c.Latest() != nil })

	rec := &recorder{}
	cancel := c.Subscribe(rec.add)
	cancel()

	if got := rec.snapshot(); len(got) != 1 || got[0] != "Station ID" {
		t.Errorf("replayed = %v, want [Station ID]", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"now_playing":{"song":{"artist":"A","title":"B"}}}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	c := NewClient(wsURL(server), WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool { return c.Latest() != nil })
	if got := conns.Load(); got < 2 {
		t.Errorf("connections = %d, want >= 2", got)
	}
}

func TestAbandonAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(wsURL(server), WithBackoff(time.Millisecond, 4*time.Millisecond))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, func() bool { return c.Status().Abandoned })
	time.Sleep(20 * time.Millisecond)

	if got := attempts.Load(); got != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", got, DefaultMaxAttempts)
	}
	if got := c.Status().Failures; got != DefaultMaxAttempts {
		t.Errorf("Status().Failures = %d, want %d", got, DefaultMaxAttempts)
	}

	// An abandoned client can be started again.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("Connect() after abandon error = %v", err)
	}
	c.Disconnect()
}

func TestDisconnectIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	c := NewClient(wsURL(server))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, func() bool { return c.Status().Connected })

	c.Disconnect()
	c.Disconnect()

	if c.Status().Connected {
		t.Error("Status().Connected = true after Disconnect")
	}
}
