// Package socketstate implements the gateway client's connection state
// machine: NotConnected, Available (exclusively owned), and
// PartiallyDelegated (a background reader owns the connection; Take fails
// until the reader returns it). Unlike the Rust original, which models the
// in-place swap with std::mem::replace and a transient Invalid tombstone,
// the Go version has no Invalid value: every transition happens under the
// mutex, and a connection taken out with Take leaves the socket in
// NotConnected until Restore or Delegate puts it back.
package socketstate

import (
	"sync"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
)

// Conn is the minimal transport surface the state machine needs; satisfied
// by *websocket.Conn in production and a fake in tests.
type Conn interface {
	Close() error
}

// Phase names the three observable states from spec §4.5.
type Phase int

const (
	NotConnected Phase = iota
	Available
	PartiallyDelegated
)

func (p Phase) String() string {
	switch p {
	case NotConnected:
		return "not_connected"
	case Available:
		return "available"
	case PartiallyDelegated:
		return "partially_delegated"
	default:
		return "unknown"
	}
}

// DelegateHandle is held by the background reader while the socket is
// PartiallyDelegated; Return hands the connection back to Available.
type DelegateHandle struct {
	s    *Socket
	conn Conn
}

// Socket guards a single Conn behind the three-phase state machine. All
// methods are safe for concurrent use, but the façade (C9) is documented
// as single-threaded except for the one background delegated reader, so in
// practice only two goroutines ever contend on s.mu.
type Socket struct {
	mu    sync.Mutex
	phase Phase
	conn  Conn
}

// New returns a Socket in the NotConnected phase.
func New() *Socket {
	return &Socket{phase: NotConnected}
}

// Phase returns the current phase.
func (s *Socket) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetAvailable transitions into Available with the given connection. Valid
// from NotConnected (fresh connect) or Available (replacing a dead
// connection during reconnection).
func (s *Socket) SetAvailable(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PartiallyDelegated {
		return gatewayerr.New(gatewayerr.KindState, "socket.SetAvailable", gatewayerr.ErrSocketDelegated)
	}
	s.phase = Available
	s.conn = conn
	return nil
}

// Take removes the connection for exclusive use by the caller (e.g. to
// perform a blocking read), transitioning Available -> NotConnected for
// the duration. The caller must call Restore or Delegate before any other
// goroutine can observe a non-NotConnected phase, so no caller ever sees
// an intermediate value: the mutex section that calls Take always either
// finishes the operation and calls Restore/Delegate itself, or propagates
// the error synchronously.
func (s *Socket) Take() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case NotConnected:
		return nil, gatewayerr.New(gatewayerr.KindState, "socket.Take", gatewayerr.ErrSocketNotConnected)
	case PartiallyDelegated:
		return nil, gatewayerr.New(gatewayerr.KindState, "socket.Take", gatewayerr.ErrSocketDelegated)
	}
	conn := s.conn
	s.conn = nil
	s.phase = NotConnected
	return conn, nil
}

// Restore puts a connection previously obtained from Take back into
// Available.
func (s *Socket) Restore(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Available
	s.conn = conn
}

// Delegate hands the connection to a background reader, transitioning to
// PartiallyDelegated. The returned handle offers only Return; while the
// socket is delegated, Take fails with ErrSocketDelegated, so the façade
// has no write path until the handle is returned.
func (s *Socket) Delegate(conn Conn) *DelegateHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PartiallyDelegated
	s.conn = conn
	return &DelegateHandle{s: s, conn: conn}
}

// Return hands the connection back from the background reader, completing
// the PartiallyDelegated -> Available transition.
func (h *DelegateHandle) Return() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.phase = Available
	h.s.conn = h.conn
}

// Invalidate closes the underlying connection (if any) and transitions to
// NotConnected, used on fatal transport errors.
func (s *Socket) Invalidate() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.phase = NotConnected
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
