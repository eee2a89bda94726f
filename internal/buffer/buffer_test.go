package buffer_test

import (
	"testing"

	"github.com/tripwire/chancore/internal/buffer"
)

func TestTryAddRespectsPerCallCap(t *testing.T) {
	ch := buffer.NewChannelBudget(1000)
	b := buffer.New(10, ch)

	if !b.TryAdd(make([]byte, 5)) {
		t.Fatalf("expected first add to succeed")
	}
	if b.TryAdd(make([]byte, 6)) {
		t.Fatalf("expected add exceeding per-call cap to fail")
	}
	if got, want := b.Size(), int64(5); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
}

func TestTryAddRespectsChannelBudget(t *testing.T) {
	ch := buffer.NewChannelBudget(8)
	a := buffer.New(100, ch)
	bb := buffer.New(100, ch)

	if !a.TryAdd(make([]byte, 5)) {
		t.Fatalf("expected a's add to succeed")
	}
	if bb.TryAdd(make([]byte, 5)) {
		t.Fatalf("expected b's add to fail: only 3 bytes left in channel budget")
	}
	if got, want := ch.Available(), int64(3); got != want {
		t.Fatalf("channel available = %d, want %d", got, want)
	}
}

func TestClearRefundsChannelBudget(t *testing.T) {
	ch := buffer.NewChannelBudget(10)
	b := buffer.New(10, ch)

	b.TryAdd(make([]byte, 7))
	if got, want := ch.Available(), int64(3); got != want {
		t.Fatalf("available after add = %d, want %d", got, want)
	}

	b.Clear()
	if got, want := ch.Available(), int64(10); got != want {
		t.Fatalf("available after Clear = %d, want %d (bytes not fully refunded)", got, want)
	}
	if got := b.Size(); got != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", got)
	}
	if len(b.Messages()) != 0 {
		t.Fatalf("expected empty message list after Clear")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	ch := buffer.NewChannelBudget(10)
	b := buffer.New(10, ch)
	b.TryAdd(make([]byte, 4))
	b.Clear()
	b.Clear() // must not double-refund
	if got, want := ch.Available(), int64(10); got != want {
		t.Fatalf("available after double Clear = %d, want %d", got, want)
	}
}

func TestMessagesPreservesFIFOOrder(t *testing.T) {
	ch := buffer.NewChannelBudget(100)
	b := buffer.New(100, ch)
	b.TryAdd([]byte("a"))
	b.TryAdd([]byte("b"))
	b.TryAdd([]byte("c"))

	msgs := b.Messages()
	if len(msgs) != 3 || string(msgs[0]) != "a" || string(msgs[1]) != "b" || string(msgs[2]) != "c" {
		t.Fatalf("Messages() = %v, want [a b c] in order", msgs)
	}
}
