package mpd_test

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/edumarques81/stellar-stream/internal/infra/mpd"
)

func TestNewClient(t *testing.T) {
	client := mpd.NewClient("localhost", 6600, "")

	if client == nil {
		t.Fatal("NewClient should return a non-nil client")
	}
	if got := client.Addr(); got != "localhost:6600" {
		t.Errorf("Addr() = %q, want localhost:6600", got)
	}
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestClientConnectFailure(t *testing.T) {
	client := mpd.NewClient("127.0.0.1", unusedPort(t), "")

	if err := client.Connect(); err == nil {
		t.Error("Connect should fail for non-existent server")
		client.Close()
	}
}

func TestClientPingWithoutConnect(t *testing.T) {
	client := mpd.NewClient("127.0.0.1", unusedPort(t), "")

	if err := client.Ping(); err != mpd.ErrNotConnected {
		t.Errorf("Ping() error = %v, want ErrNotConnected", err)
	}
}

func TestClientCommandsFailWhenUnreachable(t *testing.T) {
	client := mpd.NewClient("127.0.0.1", unusedPort(t), "")

	if _, err := client.Status(); err == nil {
		t.Error("Status should fail when server is unreachable")
	}
	if err := client.Play(0); err == nil {
		t.Error("Play should fail when server is unreachable")
	}
	if err := client.Add("http://example.com/stream"); err == nil {
		t.Error("Add should fail when server is unreachable")
	}
}

func TestClientCommands(t *testing.T) {
	fake := newFakeMPD(t)
	host, port := fake.hostPort(t)
	fake.setStatus("state", "play")
	fake.setStatus("audio", "44100:16:2")

	client := mpd.NewClient(host, port, "")
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := client.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := client.Add("http://example.com/stream.mp3"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := client.Play(0); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := client.Pause(true); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status["state"] != "play" || status["audio"] != "44100:16:2" {
		t.Errorf("Status() = %v", status)
	}

	var sawAdd bool
	for _, cmd := range fake.received() {
		if strings.HasPrefix(cmd, "add ") && strings.Contains(cmd, "http://example.com/stream.mp3") {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Errorf("add command not received: %v", fake.received())
	}
}

func TestClientAddRejected(t *testing.T) {
	fake := newFakeMPD(t)
	host, port := fake.hostPort(t)
	fake.ack("add", "unsupported URI scheme")

	client := mpd.NewClient(host, port, "")
	defer client.Close()

	err := client.Add("gopher://example.com/x")
	if err == nil {
		t.Fatal("Add() should fail when MPD rejects the uri")
	}
	if !strings.Contains(err.Error(), "unsupported URI scheme") {
		t.Errorf("Add() error = %v", err)
	}
}

func TestClientWatch(t *testing.T) {
	fake := newFakeMPD(t)
	host, port := fake.hostPort(t)

	client := mpd.NewClient(host, port, "")
	defer client.Close()

	events, stop, err := client.Watch("player")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	select {
	case subsystem := <-events:
		if subsystem != "player" {
			t.Errorf("subsystem = %q, want player", subsystem)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no watcher event")
	}

	stop()
	stop()

	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after stop")
	}
}
