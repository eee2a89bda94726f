package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/callctx"
	"github.com/tripwire/chancore/internal/serviceconfig"
)

// maxPreReadBytes bounds the health ping's pre-read buffer (spec.md §4.3).
const maxPreReadBytes = 16 * 1024

// defaultPingInterval is the period between health pings on a cached
// initial socket when Options.PingInterval is zero.
const defaultPingInterval = 30 * time.Second

// DialFunc opens a TCP connection to addr. Defaults to net.Dialer.DialContext;
// overridable in tests.
type DialFunc func(ctx context.Context, addr address.BalancerAddress) (net.Conn, error)

// UnhealthyNotifier receives asynchronous lifecycle events a Socket
// transport discovers outside of TryConnect (health ping failure), so the
// owning Subchannel can revert to Idle per spec.md §4.3.
type UnhealthyNotifier interface {
	OnTransportUnhealthy(status serviceconfig.Status)
}

// Options configures a Socket transport.
type Options struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration // how long a cached InitialSocket may sit unused before GetStream redials
	PingInterval   time.Duration
	Dial           DialFunc
	Notifier       UnhealthyNotifier
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = func(ctx context.Context, addr address.BalancerAddress) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr.Endpoint)
		}
	}
}

// Socket is the multi-address, socket-supervising Transport variant
// (spec.md §4.3). On TryConnect it iterates addresses starting from the
// last successful index (round-robining failover across reconnects),
// caches the first successful socket as an InitialSocket, and arms a
// self-rescheduling health ping. GetStream consumes the cached socket
// when its address matches and it has not gone idle, otherwise dials
// fresh. Socket state, the active-stream set, timer rescheduling, and
// index advancement are all mutated under mu, a single per-transport
// lock, per spec.md §4.3's ordering requirement.
type Socket struct {
	opts Options

	mu         sync.Mutex
	addrs      []address.BalancerAddress
	lastIndex  int
	status     Status
	conn       net.Conn
	connAddr   address.BalancerAddress
	cachedAt   time.Time
	preRead    []byte
	pingTimer  *time.Timer
	active     map[*wrappedStream]struct{}
	lastErr    error
}

// NewSocket creates a Socket transport over addrs (must be non-empty).
func NewSocket(addrs []address.BalancerAddress, opts Options) *Socket {
	opts.applyDefaults()
	return &Socket{
		opts:   opts,
		addrs:  append([]address.BalancerAddress(nil), addrs...),
		status: NotConnected,
		active: make(map[*wrappedStream]struct{}),
	}
}

// UpdateAddresses replaces the address list. lastIndex is clamped so the
// next TryConnect starts from a valid index.
func (s *Socket) UpdateAddresses(addrs []address.BalancerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = append([]address.BalancerAddress(nil), addrs...)
	if len(s.addrs) == 0 {
		s.lastIndex = 0
	} else {
		s.lastIndex %= len(s.addrs)
	}
}

// TryConnect iterates addresses from lastIndex (mod N) until one dials
// successfully, the connect context times out, or every address fails.
func (s *Socket) TryConnect(ctx context.Context, _ int) (ConnectResult, error) {
	s.mu.Lock()
	n := len(s.addrs)
	start := s.lastIndex
	addrs := append([]address.BalancerAddress(nil), s.addrs...)
	s.mu.Unlock()

	if n == 0 {
		return ConnectFailure, fmt.Errorf("transport: no addresses configured")
	}

	cc := callctx.NewConnectContext(ctx, s.opts.ConnectTimeout)
	defer cc.Dispose()

	var lastErr error
	for i := 0; i < n; i++ {
		select {
		case <-cc.Done():
			if cc.Reason() == callctx.Timeout {
				return ConnectTimeout, fmt.Errorf("transport: connect timeout: %w", lastErr)
			}
			return ConnectFailure, cc.Context().Err()
		default:
		}

		idx := (start + i) % n
		addr := addrs[idx]
		conn, err := s.opts.Dial(cc.Context(), addr)
		if err != nil {
			lastErr = err
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.connAddr = addr
		s.cachedAt = time.Now()
		s.status = InitialSocket
		if len(s.addrs) > 0 {
			s.lastIndex = (idx + 1) % len(s.addrs)
		}
		s.armPingLocked()
		s.mu.Unlock()
		return ConnectSuccess, nil
	}

	if cc.Reason() == callctx.Timeout {
		return ConnectTimeout, fmt.Errorf("transport: connect timeout: %w", lastErr)
	}
	s.mu.Lock()
	s.lastErr = lastErr
	s.mu.Unlock()
	return ConnectFailure, lastErr
}

// armPingLocked schedules the next health ping. Must be called with mu held.
func (s *Socket) armPingLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.opts.PingInterval, s.onPingFire)
}

// onPingFire runs the health probe described in spec.md §4.3: a zero-byte
// send followed by a poll of the socket: a read bounded by a 1ms deadline.
func (s *Socket) onPingFire() {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || s.status != InitialSocket {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_, _ = conn.Write(nil)
	// A deadline already in the past makes Read fail with a timeout before
	// it looks at the socket, so the poll gets a short future deadline.
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.rearmIfCurrent(conn)
			return
		}
		s.closeUnhealthy(conn, fmt.Errorf("Lost connection to socket: %w", err))
		return
	}

	if n > 0 {
		s.mu.Lock()
		overflow := int64(len(s.preRead)+n) > maxPreReadBytes
		if !overflow && s.conn == conn {
			s.preRead = append(s.preRead, buf[:n]...)
		}
		s.mu.Unlock()
		if overflow {
			s.closeUnhealthy(conn, fmt.Errorf("pre-read buffer exceeded %d bytes", maxPreReadBytes))
			return
		}
	}
	s.rearmIfCurrent(conn)
}

func (s *Socket) rearmIfCurrent(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn && s.status == InitialSocket {
		s.armPingLocked()
	}
}

func (s *Socket) closeUnhealthy(conn net.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		conn.Close()
		s.conn = nil
		s.preRead = nil
		s.status = NotConnected
	}
	s.mu.Unlock()
	if s.opts.Notifier != nil {
		s.opts.Notifier.OnTransportUnhealthy(serviceconfig.New(serviceconfig.Unavailable, cause.Error()))
	}
}

// GetStream consumes the cached InitialSocket when addr matches and it has
// not gone idle; otherwise it dials a fresh connection. The returned
// stream serves any pre-read bytes before reading the socket and notifies
// the transport when closed (spec.md §4.3).
func (s *Socket) GetStream(addr address.BalancerAddress) (Stream, error) {
	s.mu.Lock()
	var conn net.Conn
	var pre []byte
	if s.conn != nil && s.connAddr.Equal(addr) && time.Since(s.cachedAt) < s.opts.IdleTimeout {
		conn = s.conn
		pre = s.preRead
		s.conn = nil
		s.preRead = nil
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
	}
	s.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = s.opts.Dial(context.Background(), addr)
		if err != nil {
			return nil, fmt.Errorf("transport: get_stream dial %s: %w", addr.Endpoint, err)
		}
	}

	ws := &wrappedStream{conn: conn, preRead: pre, transport: s}

	s.mu.Lock()
	s.active[ws] = struct{}{}
	s.connAddr = addr
	s.status = ActiveStream
	s.mu.Unlock()

	return ws, nil
}

// onStreamDispose retires ws from the active set; when the last active
// stream closes, Disconnect is invoked (spec.md §4.3).
func (s *Socket) onStreamDispose(ws *wrappedStream) {
	s.mu.Lock()
	delete(s.active, ws)
	empty := len(s.active) == 0 && s.conn == nil
	s.mu.Unlock()
	if empty {
		s.Disconnect()
	}
}

// Disconnect tears down any cached socket and every active stream,
// returning the transport to NotConnected. Idempotent.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.preRead = nil
	streams := make([]*wrappedStream, 0, len(s.active))
	for ws := range s.active {
		streams = append(streams, ws)
	}
	s.active = make(map[*wrappedStream]struct{})
	s.status = NotConnected
	s.mu.Unlock()

	for _, ws := range streams {
		ws.forceClose()
	}
}

// CurrentAddress returns the address most recently connected, if any.
func (s *Socket) CurrentAddress() (address.BalancerAddress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == NotConnected {
		return address.BalancerAddress{}, false
	}
	return s.connAddr, true
}

// ConnectTimeout returns the configured per-attempt connect timeout.
func (s *Socket) ConnectTimeout() time.Duration { return s.opts.ConnectTimeout }

// Status reports the transport's coarse lifecycle state.
func (s *Socket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

var _ Transport = (*Socket)(nil)

// wrappedStream is the Stream handed out by GetStream: it serves buffered
// pre-read bytes before falling through to the socket, and notifies its
// owning transport on Close.
type wrappedStream struct {
	conn      net.Conn
	transport *Socket

	mu      sync.Mutex
	preRead []byte
	closed  bool
}

func (w *wrappedStream) Read(p []byte) (int, error) {
	w.mu.Lock()
	if len(w.preRead) > 0 {
		n := copy(p, w.preRead)
		w.preRead = w.preRead[n:]
		w.mu.Unlock()
		return n, nil
	}
	w.mu.Unlock()
	return w.conn.Read(p)
}

func (w *wrappedStream) Write(p []byte) (int, error) {
	return w.conn.Write(p)
}

func (w *wrappedStream) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.conn.Close()
	w.transport.onStreamDispose(w)
	return err
}

// forceClose is used by Disconnect to tear down active streams without
// re-entering onStreamDispose (the caller already cleared the active set).
func (w *wrappedStream) forceClose() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.conn.Close()
}
