// Package transport implements the per-subchannel transport: the
// component that opens TCP sockets, monitors them, and hands out byte
// streams for exactly one Subchannel (spec.md §4.3).
//
// Two variants are provided: Passive, for callers that manage their own
// sockets (e.g. a bundled HTTP stack dialing independently), and Socket,
// which supervises a list of addresses, caches an initial socket, and
// runs a self-rescheduling health ping — grounded in the mTLS dial/
// reconnect loop of the teacher's grpctransport.go, generalized from a
// single hard-coded address to the address-list failover spec.md requires.
package transport

import (
	"context"
	"time"

	"github.com/tripwire/chancore/internal/address"
)

// ConnectResult is the outcome of one TryConnect call.
type ConnectResult int

const (
	// ConnectSuccess means the subchannel is now Ready.
	ConnectSuccess ConnectResult = iota
	// ConnectFailure means every address failed; see the returned error.
	ConnectFailure
	// ConnectTimeout means the connect context's deadline fired without a
	// caller cancellation.
	ConnectTimeout
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectSuccess:
		return "Success"
	case ConnectFailure:
		return "Failure"
	case ConnectTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Status is the transport's coarse socket-lifecycle status (spec.md §3).
type Status int

const (
	NotConnected Status = iota
	Passive
	InitialSocket
	ActiveStream
)

func (s Status) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Passive:
		return "Passive"
	case InitialSocket:
		return "InitialSocket"
	case ActiveStream:
		return "ActiveStream"
	default:
		return "Unknown"
	}
}

// Stream is a byte stream handed to the caller by GetStream. Close invokes
// the transport's on-dispose hook so the transport can retire the
// underlying socket or retract it from ActiveStreams.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Transport is owned 1:1 by a Subchannel (spec.md §3).
type Transport interface {
	// TryConnect attempts to bring the transport to Ready. attempt is an
	// opaque, monotonically increasing counter used only for logging.
	TryConnect(ctx context.Context, attempt int) (ConnectResult, error)

	// GetStream hands out a byte stream to addr, consuming the cached
	// initial socket when possible. Passive transports do not support
	// this; it returns an error.
	GetStream(addr address.BalancerAddress) (Stream, error)

	// Disconnect tears down any held socket and returns the transport to
	// NotConnected. Idempotent.
	Disconnect()

	// CurrentAddress is the address currently connected, or the zero
	// value when not connected.
	CurrentAddress() (address.BalancerAddress, bool)

	// ConnectTimeout is the per-attempt connect deadline.
	ConnectTimeout() time.Duration

	// Status reports the transport's coarse lifecycle state.
	Status() Status
}
