// Package callattempt defines the seam RetryCall and HedgingCall use to
// drive one underlying RPC attempt: the actual wire call (HTTP/2 framing,
// protobuf codec, the gRPC length-prefixed message) is out of scope
// (spec.md §1), so this package only names the lifecycle spec.md §4.9/
// §4.10 require of it. Both call-resilience state machines share this
// contract so their attempt-handling logic stays structurally identical.
package callattempt

import (
	"context"

	"github.com/tripwire/chancore/internal/serviceconfig"
)

// Attempt is one try of a call: obtained from a Factory, started,
// observed for headers and a final status, written to, and ultimately
// canceled either because it failed or because a sibling attempt (retry's
// next try, or one of hedging's parallel tries) committed instead.
type Attempt interface {
	// Start begins the attempt: picks a subchannel, obtains a stream, and
	// sends the request. ctx carries the call's composite cancellation
	// token (caller ∪ deadline).
	Start(ctx context.Context) error

	// Headers blocks until response headers arrive or the attempt reaches
	// a terminal status before headers. A nil Status means headers
	// arrived with no terminal status yet (spec.md §4.9 step 2, "null =
	// headers returned").
	Headers(ctx context.Context) (HeadersResult, error)

	// FinalStatus blocks until the attempt's terminal status is known,
	// used to update the throttle after headers on a non-streaming call
	// (spec.md §4.9 step 3).
	FinalStatus(ctx context.Context) serviceconfig.Status

	// Trailers returns trailer metadata observed once the attempt's final
	// status is known (grpc-retry-pushback-ms, grpc-internal-drop-request).
	Trailers() map[string]string

	// Write sends one already-buffered, serialized message on this
	// attempt.
	Write(ctx context.Context, msg []byte) error

	// Cancel aborts the attempt immediately: used when it fails, when a
	// sibling attempt commits instead, or when the call itself is
	// canceled. Idempotent.
	Cancel()
}

// HeadersResult is the outcome of Attempt.Headers.
type HeadersResult struct {
	// Status is nil when headers arrived with no terminal status yet.
	// When non-nil, the attempt reached a terminal status at or before
	// headers (e.g. an immediate pick failure).
	Status *serviceconfig.Status

	// Streaming reports whether this is a server-streaming response
	// (spec.md §4.9 "OK on a streaming response").
	Streaming bool
}

// Factory creates a fresh Attempt for one try of a call.
type Factory func() Attempt
