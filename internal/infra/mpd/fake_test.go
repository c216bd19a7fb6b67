package mpd_test

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeMPD speaks just enough of the MPD line protocol for client tests.
type fakeMPD struct {
	ln net.Listener

	mu       sync.Mutex
	commands []string
	status   map[string]string
	ackOn    map[string]string
	idles    int
}

func newFakeMPD(t *testing.T) *fakeMPD {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMPD{
		ln:     ln,
		status: map[string]string{"state": "stop", "volume": "100"},
		ackOn:  make(map[string]string),
	}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeMPD) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (f *fakeMPD) setStatus(k, v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[k] = v
}

func (f *fakeMPD) ack(cmd, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackOn[cmd] = msg
}

func (f *fakeMPD) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeMPD) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMPD) handle(conn net.Conn) {
	defer conn.Close()

	w := bufio.NewWriter(conn)
	w.WriteString("OK MPD 0.23.5\n")
	w.Flush()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		cmd := strings.Fields(line + " ")[0]

		f.mu.Lock()
		f.commands = append(f.commands, line)
		ack, failing := f.ackOn[cmd]
		status := make(map[string]string, len(f.status))
		for k, v := range f.status {
			status[k] = v
		}
		firstIdle := false
		if cmd == "idle" {
			f.idles++
			firstIdle = f.idles == 1
		}
		f.mu.Unlock()

		switch {
		case cmd == "close":
			return
		case failing:
			w.WriteString("ACK [50@0] {" + cmd + "} " + ack + "\n")
		case cmd == "status":
			for k, v := range status {
				w.WriteString(k + ": " + v + "\n")
			}
			w.WriteString("OK\n")
		case cmd == "idle":
			if !firstIdle {
				// Held open until noidle.
				continue
			}
			w.WriteString("changed: player\nOK\n")
		default:
			w.WriteString("OK\n")
		}
		w.Flush()
	}
}
