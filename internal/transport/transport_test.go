package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/transport"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSocketTryConnectSuccess(t *testing.T) {
	l := listen(t)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() { <-time.After(time.Second); c.Close() }()
		}
	}()

	addr := address.BalancerAddress{Endpoint: l.Addr().String()}
	s := transport.NewSocket([]address.BalancerAddress{addr}, transport.Options{PingInterval: time.Hour})

	result, err := s.TryConnect(context.Background(), 1)
	if err != nil || result != transport.ConnectSuccess {
		t.Fatalf("TryConnect = %v, %v; want Success, nil", result, err)
	}
	if got := s.Status(); got != transport.InitialSocket {
		t.Fatalf("Status() = %v, want InitialSocket", got)
	}
	cur, ok := s.CurrentAddress()
	if !ok || !cur.Equal(addr) {
		t.Fatalf("CurrentAddress() = %v, %v; want %v, true", cur, ok, addr)
	}
}

func TestSocketTryConnectFailover(t *testing.T) {
	// A has nothing listening (connection refused); B does.
	bad := address.BalancerAddress{Endpoint: "127.0.0.1:1"} // reserved, refuses immediately on most systems
	l := listen(t)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() { <-time.After(time.Second); c.Close() }()
		}
	}()
	good := address.BalancerAddress{Endpoint: l.Addr().String()}

	s := transport.NewSocket([]address.BalancerAddress{bad, good}, transport.Options{
		ConnectTimeout: 2 * time.Second,
		PingInterval:   time.Hour,
	})

	result, err := s.TryConnect(context.Background(), 1)
	if err != nil || result != transport.ConnectSuccess {
		t.Fatalf("TryConnect = %v, %v; want Success, nil", result, err)
	}
	cur, _ := s.CurrentAddress()
	if !cur.Equal(good) {
		t.Fatalf("CurrentAddress() = %v, want %v", cur, good)
	}
}

func TestSocketGetStreamConsumesInitialSocket(t *testing.T) {
	l := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	addr := address.BalancerAddress{Endpoint: l.Addr().String()}
	s := transport.NewSocket([]address.BalancerAddress{addr}, transport.Options{PingInterval: time.Hour})

	if _, err := s.TryConnect(context.Background(), 1); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	<-accepted

	stream, err := s.GetStream(addr)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	defer stream.Close()

	if got := s.Status(); got != transport.ActiveStream {
		t.Fatalf("Status() after GetStream = %v, want ActiveStream", got)
	}
}

func TestSocketDisconnectClearsState(t *testing.T) {
	l := listen(t)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c
		}
	}()

	addr := address.BalancerAddress{Endpoint: l.Addr().String()}
	s := transport.NewSocket([]address.BalancerAddress{addr}, transport.Options{PingInterval: time.Hour})
	if _, err := s.TryConnect(context.Background(), 1); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}

	s.Disconnect()

	if _, ok := s.CurrentAddress(); ok {
		t.Fatalf("CurrentAddress() should be absent after Disconnect")
	}
	if got := s.Status(); got != transport.NotConnected {
		t.Fatalf("Status() after Disconnect = %v, want NotConnected", got)
	}
}

// unhealthyNotifier records OnTransportUnhealthy calls.
type unhealthyNotifier struct {
	ch chan serviceconfig.Status
}

func newUnhealthyNotifier() *unhealthyNotifier {
	return &unhealthyNotifier{ch: make(chan serviceconfig.Status, 1)}
}

func (u *unhealthyNotifier) OnTransportUnhealthy(status serviceconfig.Status) {
	u.ch <- status
}

func TestSocketHealthPingDetectsDeadSocket(t *testing.T) {
	l := listen(t)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		// Simulate the server closing the connection shortly after accept.
		time.AfterFunc(20*time.Millisecond, func() { c.Close() })
	}()

	notifier := newUnhealthyNotifier()
	addr := address.BalancerAddress{Endpoint: l.Addr().String()}
	s := transport.NewSocket([]address.BalancerAddress{addr}, transport.Options{
		PingInterval: 30 * time.Millisecond,
		Notifier:     notifier,
	})

	if _, err := s.TryConnect(context.Background(), 1); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}

	select {
	case st := <-notifier.ch:
		if st.Code != serviceconfig.Unavailable {
			t.Fatalf("status code = %v, want Unavailable", st.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("health ping never detected the dead socket within 2 intervals")
	}

	if got := s.Status(); got != transport.NotConnected {
		t.Fatalf("Status() after dead-socket detection = %v, want NotConnected", got)
	}
}

func TestPassiveTransport(t *testing.T) {
	addr := address.BalancerAddress{Endpoint: "example.com:443"}
	p := transport.NewPassive(addr, 5*time.Second)

	if got := p.Status(); got != transport.NotConnected {
		t.Fatalf("initial Status() = %v, want NotConnected", got)
	}

	result, err := p.TryConnect(context.Background(), 1)
	if err != nil || result != transport.ConnectSuccess {
		t.Fatalf("TryConnect = %v, %v; want Success, nil", result, err)
	}
	if got := p.Status(); got != transport.Passive {
		t.Fatalf("Status() after TryConnect = %v, want Passive", got)
	}
	cur, ok := p.CurrentAddress()
	if !ok || !cur.Equal(addr) {
		t.Fatalf("CurrentAddress() = %v, %v", cur, ok)
	}

	if _, err := p.GetStream(addr); err == nil {
		t.Fatalf("expected GetStream to be unsupported on PassiveTransport")
	}

	p.Disconnect()
	if got := p.Status(); got != transport.NotConnected {
		t.Fatalf("Status() after Disconnect = %v, want NotConnected", got)
	}
}
