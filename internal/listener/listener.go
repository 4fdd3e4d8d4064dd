package listener

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gymgate/internal/event"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gymgate_tcp_messages_total",
	Help: "Messages received on the legacy TCP channel, by canonical kind.",
}, []string{"kind"})

// Handler consumes canonical events from the transport. Implementations must
// not block for long; the per-connection read loop waits on them.
type Handler interface {
	HandleEvent(ctx context.Context, ev event.Canonical)
}

// Listener is the persistent TCP ingress for legacy biometric devices. Each
// read chunk is treated as one message; a malformed message never drops the
// connection.
type Listener struct {
	addr    string
	handler Handler

	mu      sync.Mutex
	ln      net.Listener
	clients map[net.Conn]struct{}
	closed  bool
}

// New creates a listener bound later by Start.
func New(addr string, handler Handler) *Listener {
	return &Listener{
		addr:    addr,
		handler: handler,
		clients: make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and serves connections until Stop or ctx cancel.
// A bind failure is returned to the caller (fatal at startup); per-message
// failures are logged and swallowed.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("biometric listener bind %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	log.Printf("biometric listener started on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			log.Printf("accept failed: %v", err)
			continue
		}
		l.mu.Lock()
		l.clients[conn] = struct{}{}
		l.mu.Unlock()
		log.Printf("biometric device connected: %s", conn.RemoteAddr())
		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in device connection handler: %v", r)
		}
		l.dropConn(conn)
	}()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		msg := strings.TrimSpace(string(buf[:n]))
		if msg == "" {
			continue
		}

		ev := event.Normalize(msg, time.Now().UTC())
		messagesTotal.WithLabelValues(string(ev.Kind)).Inc()
		if ev.Kind == event.KindUnknown && ev.ErrorDetail != "" {
			log.Printf("parse error from %s: %s", conn.RemoteAddr(), ev.ErrorDetail)
		}

		// Transport-level ack, sent regardless of downstream outcome.
		l.sendAck(conn, ev)

		l.handler.HandleEvent(ctx, ev)
	}
}

func (l *Listener) sendAck(conn net.Conn, ev event.Canonical) {
	user := ev.UserID
	if user == "" {
		user = "unknown"
	}
	ack := fmt.Sprintf("ACK:%s:%d\r\n", user, time.Now().UnixMilli())
	if _, err := conn.Write([]byte(ack)); err != nil {
		log.Printf("ack write failed: %v", err)
	}
}

func (l *Listener) dropConn(conn net.Conn) {
	l.mu.Lock()
	delete(l.clients, conn)
	l.mu.Unlock()
	conn.Close()
	log.Printf("biometric device disconnected: %s", conn.RemoteAddr())
}

// Broadcast fans a display frame out to every connected device.
func (l *Listener) Broadcast(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.clients {
		if _, err := conn.Write([]byte(message)); err != nil {
			log.Printf("broadcast to %s failed: %v", conn.RemoteAddr(), err)
		}
	}
}

// Addr reports the bound address once Start has succeeded.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return l.addr
	}
	return l.ln.Addr().String()
}

// ConnCount reports currently connected TCP devices (debug surface only;
// authorization never depends on connection identity).
func (l *Listener) ConnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Stop closes the server socket and all device connections.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for conn := range l.clients {
		conn.Close()
	}
	l.clients = make(map[net.Conn]struct{})
	if l.ln != nil {
		l.ln.Close()
	}
	log.Println("biometric listener stopped")
}
