// Package buffer implements the call buffer used by RetryCall and
// HedgingCall to replay outgoing stream messages to a new attempt: an
// ordered list of serialized messages bounded by both a per-call and a
// shared per-channel byte budget.
package buffer

import "sync"

// ChannelBudget is the shared per-channel byte budget that every call's
// Buffer draws from. It must be safe for concurrent use by many calls.
type ChannelBudget struct {
	mu        sync.Mutex
	max       int64
	available int64
}

// NewChannelBudget creates a budget with maxBytes of capacity.
func NewChannelBudget(maxBytes int64) *ChannelBudget {
	return &ChannelBudget{max: maxBytes, available: maxBytes}
}

// tryReserve attempts to deduct n bytes from the shared budget, returning
// false (and deducting nothing) if that would exceed the channel cap.
func (c *ChannelBudget) tryReserve(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.available {
		return false
	}
	c.available -= n
	return true
}

// release returns n bytes to the shared budget, never exceeding max.
func (c *ChannelBudget) release(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available += n
	if c.available > c.max {
		c.available = c.max
	}
}

// Available reports the bytes currently unreserved in the shared budget.
func (c *ChannelBudget) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Buffer is a single call's FIFO message buffer, bounded by a per-call cap
// and the shared ChannelBudget. All operations hold the call's own lock.
type Buffer struct {
	mu       sync.Mutex
	perCall  int64
	channel  *ChannelBudget
	messages [][]byte
	size     int64
}

// New creates a Buffer with a per-call byte cap perCallMax, drawing from
// the shared channel budget.
func New(perCallMax int64, channel *ChannelBudget) *Buffer {
	return &Buffer{perCall: perCallMax, channel: channel}
}

// TryAdd appends msg to the buffer if doing so would not exceed either the
// per-call cap or the shared per-channel budget. It returns false (and
// leaves both budgets untouched) on overflow.
func (b *Buffer) TryAdd(msg []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := int64(len(msg))
	if b.size+n > b.perCall {
		return false
	}
	if !b.channel.tryReserve(n) {
		return false
	}
	b.messages = append(b.messages, msg)
	b.size += n
	return true
}

// Messages returns the buffered messages in FIFO order. The returned slice
// is a copy, but the message byte slices in it are shared with the buffer
// and must not be mutated.
func (b *Buffer) Messages() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.messages))
	copy(out, b.messages)
	return out
}

// Size returns the total bytes currently buffered.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear empties the buffer and refunds its bytes to the shared channel
// budget. It is safe to call more than once; subsequent calls are no-ops.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 && len(b.messages) == 0 {
		return
	}
	b.channel.release(b.size)
	b.messages = nil
	b.size = 0
}
