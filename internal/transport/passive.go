package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tripwire/chancore/internal/address"
)

// PassiveTransport is a single-address transport with no socket
// supervision: TryConnect flips synchronously to Ready, and GetStream is
// unsupported because the caller hands off to a bundled stack (e.g. a
// full HTTP/2 client) that manages its own sockets independently
// (spec.md §4.3).
type PassiveTransport struct {
	mu      sync.Mutex
	addr    address.BalancerAddress
	status  Status
	timeout time.Duration
}

// NewPassive creates a PassiveTransport for addr.
func NewPassive(addr address.BalancerAddress, connectTimeout time.Duration) *PassiveTransport {
	return &PassiveTransport{addr: addr, status: NotConnected, timeout: connectTimeout}
}

// TryConnect flips Connecting->Ready synchronously and always succeeds;
// there is no socket to dial.
func (p *PassiveTransport) TryConnect(_ context.Context, _ int) (ConnectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Passive
	return ConnectSuccess, nil
}

// GetStream is unsupported on PassiveTransport.
func (p *PassiveTransport) GetStream(address.BalancerAddress) (Stream, error) {
	return nil, fmt.Errorf("transport: GetStream unsupported on a passive transport")
}

// Disconnect returns the transport to NotConnected.
func (p *PassiveTransport) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = NotConnected
}

// CurrentAddress returns the transport's single configured address
// whenever it is connected.
func (p *PassiveTransport) CurrentAddress() (address.BalancerAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Passive {
		return address.BalancerAddress{}, false
	}
	return p.addr, true
}

// ConnectTimeout returns the configured connect timeout.
func (p *PassiveTransport) ConnectTimeout() time.Duration { return p.timeout }

// Status reports NotConnected or Passive.
func (p *PassiveTransport) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

var _ Transport = (*PassiveTransport)(nil)
