// Package gatewayerr classifies the errors a gateway client can produce so
// that callers (the reconnection supervisor, the façade) can branch on
// error kind instead of matching strings.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind groups errors by the propagation policy they demand.
type Kind int

const (
	// KindFraming: a single frame was malformed. Policy: drop the frame,
	// keep the connection.
	KindFraming Kind = iota
	// KindProtocol: an unexpected or out-of-order control message arrived.
	// Policy: drop and continue, unless the session can no longer make
	// sense of subsequent messages, in which case escalate to KindState.
	KindProtocol
	// KindState: the client or socket observed an impossible state
	// transition. Policy: fatal, tear down the session.
	KindState
	// KindTransport: the underlying connection failed (read/write error,
	// unexpected close). Policy: triggers reconnection when the caller has
	// opted in.
	KindTransport
	// KindCryptographic: a MAC/AEAD check failed, or a key upgrade could
	// not be completed. Policy: fatal for the affected key; the caller
	// decides whether that is fatal for the whole session.
	KindCryptographic
	// KindBandwidth: a ticket was rejected, replayed, or exhausted.
	// Policy: surfaced to the caller, connection stays open.
	KindBandwidth
	// KindRegistration: authentication or registration failed. Policy:
	// fatal for the current connection attempt.
	KindRegistration
)

func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindTransport:
		return "transport"
	case KindCryptographic:
		return "cryptographic"
	case KindBandwidth:
		return "bandwidth"
	case KindRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// Error is a gateway-client error tagged with a Kind so it can be
// classified by errors.As without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// ShouldReconnect reports whether err's kind is one the reconnection
// supervisor is allowed to act on: a closed or broken transport. Protocol,
// state, cryptographic, bandwidth, and registration failures never trigger
// an automatic reconnect — they require the caller to decide.
func ShouldReconnect(err error) bool {
	return Is(err, KindTransport)
}

// ErrConnectionClosed names a socket closed by us or the peer. The
// transport paths in this module do not return it: a closed websocket
// surfaces as the library's own error, wrapped by callers in a
// KindTransport *Error.
var ErrConnectionClosed = errors.New("gateway: connection closed")

// ErrSocketNotConnected is returned by any operation attempted while the
// socket is in the NotConnected state.
var ErrSocketNotConnected = errors.New("gateway: socket not connected")

// ErrSocketDelegated is returned when an operation needs exclusive access
// to the socket but it is currently PartiallyDelegated to the background
// reader.
var ErrSocketDelegated = errors.New("gateway: socket is delegated to the background reader")

// ErrKeyUpgradeFailed is returned when a legacy-to-modern shared key
// upgrade could not be authenticated.
var ErrKeyUpgradeFailed = errors.New("gateway: key upgrade authentication failed")

// ErrKeyInUse is returned by TryUpgrade when the shared key has more than
// one outstanding reference and therefore cannot be swapped in place.
var ErrKeyInUse = errors.New("gateway: shared key has outstanding references")

// ErrTicketReplayed is returned when a bandwidth ticket has already been
// spent.
var ErrTicketReplayed = errors.New("gateway: bandwidth ticket already spent")

// ErrUnexpectedResponse is the fallback branch of an exhaustive
// control-message type switch.
var ErrUnexpectedResponse = errors.New("gateway: unexpected response message")
