// Package channel implements the ConnectionManager of spec.md §4.6: the
// front door that composes a Resolver and a LoadBalancer, publishes a
// (connectivity, picker) ChannelState, and serves Pick to the call layer
// (retry.Call / hedging.Call).
package channel

import (
	"log/slog"
	"time"

	"github.com/tripwire/chancore/internal/transport"
)

// Options configures a Manager. Zero-value fields are replaced with
// defaults by applyDefaults, following the teacher's config package's
// applyDefaults/Validate pattern (SPEC_FULL.md §2).
type Options struct {
	// DefaultConnectTimeout is the connect timeout given to every
	// subchannel's transport.
	DefaultConnectTimeout time.Duration

	// IdleTimeout bounds how long the socket-supervising transport reuses
	// the socket cached by a successful connect: GetStream dials a fresh
	// connection instead once the cached socket is older than this. The
	// stale cached socket is not closed by this timeout (SPEC_FULL.md §5).
	IdleTimeout time.Duration

	// PingInterval is the socket-supervising transport's health-ping
	// period.
	PingInterval time.Duration

	// ChannelBufferBytes bounds the shared per-channel retry/hedging
	// buffer budget (spec.md §4.8).
	ChannelBufferBytes int64

	// CallBufferBytes bounds each individual call's buffer.
	CallBufferBytes int64

	// ThrottleMaxTokens and ThrottleTokenRatio parameterize the channel's
	// retry throttle (spec.md §4.2).
	ThrottleMaxTokens  int
	ThrottleTokenRatio float64

	// DisableResolverServiceConfig makes the Manager ignore any service
	// config the resolver reports, always falling back to the empty
	// default (spec.md §4.7, last rule).
	DisableResolverServiceConfig bool

	// UsePassiveTransport, when set, creates transport.PassiveTransport
	// subchannels instead of socket-supervising ones, for channels whose
	// caller hands off to a bundled HTTP/2 stack that dials its own
	// sockets (spec.md §4.3 "Passive" variant).
	UsePassiveTransport bool

	// Dial overrides the socket-supervising transport's dialer; primarily
	// for tests.
	Dial transport.DialFunc

	// Logger receives structured state-transition and resolver logging.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.DefaultConnectTimeout <= 0 {
		o.DefaultConnectTimeout = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ChannelBufferBytes <= 0 {
		o.ChannelBufferBytes = 16 * 1024 * 1024
	}
	if o.CallBufferBytes <= 0 {
		o.CallBufferBytes = 1 * 1024 * 1024
	}
	if o.ThrottleMaxTokens <= 0 {
		o.ThrottleMaxTokens = 10
	}
	if o.ThrottleTokenRatio <= 0 {
		o.ThrottleTokenRatio = 0.1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
