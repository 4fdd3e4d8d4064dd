package listener

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"gymgate/internal/event"
)

type captureHandler struct {
	mu     sync.Mutex
	events []event.Canonical
}

func (h *captureHandler) HandleEvent(_ context.Context, ev event.Canonical) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *captureHandler) wait(t *testing.T, n int) []event.Canonical {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.events) >= n {
			out := append([]event.Canonical(nil), h.events...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func startTestListener(t *testing.T) (*Listener, *captureHandler, string) {
	t.Helper()
	h := &captureHandler{}
	l := New("127.0.0.1:0", h)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := l.Start(ctx); err != nil {
			t.Error(err)
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == "127.0.0.1:0" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(l.Stop)
	return l, h, l.Addr()
}

func TestListenerAckAndDispatch(t *testing.T) {
	_, h, addr := startTestListener(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("42,2024-06-10T07:45:00Z,authorized,D1\n")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ack, "ACK:42:") || !strings.HasSuffix(ack, "\r\n") {
		t.Fatalf("ack frame = %q, want ACK:42:<millis>\\r\\n", ack)
	}

	events := h.wait(t, 1)
	if events[0].Kind != event.KindAccessGranted || events[0].UserID != "42" {
		t.Fatalf("dispatched event = %+v", events[0])
	}
}

func TestListenerMalformedMessageKeepsConnection(t *testing.T) {
	_, h, addr := startTestListener(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// malformed JSON still gets a transport ack and the connection survives
	conn.Write([]byte(`{"deviceId":`))
	ack, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ack, "ACK:unknown:") {
		t.Fatalf("ack for unparseable message = %q", ack)
	}

	conn.Write([]byte("9,2024-06-10T17:00:00Z,unauthorized,D1"))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("connection should survive a malformed message: %v", err)
	}

	events := h.wait(t, 2)
	if events[0].Kind != event.KindUnknown {
		t.Fatalf("first event kind = %q, want unknown", events[0].Kind)
	}
	if events[1].Kind != event.KindAccessDenied {
		t.Fatalf("second event kind = %q, want denied", events[1].Kind)
	}
}

func TestListenerBroadcast(t *testing.T) {
	l, _, addr := startTestListener(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// wait for the server to register the connection
	deadline := time.Now().Add(2 * time.Second)
	for l.ConnCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if l.ConnCount() != 1 {
		t.Fatalf("conn count = %d, want 1", l.ConnCount())
	}

	l.Broadcast("WELCOME:Asha")

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "WELCOME:Asha" {
		t.Fatalf("broadcast frame = %q", got)
	}
}
