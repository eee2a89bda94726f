package channel

import (
	"context"

	"github.com/tripwire/chancore/internal/subchannel"
)

// watchKey dedups concurrent WaitForStateChange calls registered for the
// same (cancel-token, last-seen state) pair (spec.md §4.6, §9 "Task
// synchronization"). ctxDone is the caller's ctx.Done() channel, which is
// stable and comparable for the lifetime of that context.
type watchKey struct {
	ctxDone  <-chan struct{}
	lastSeen subchannel.State
}

// watchEntry is the shared future every deduped caller of the same
// watchKey waits on.
type watchEntry struct {
	refs int
	done chan struct{}
}

// WaitForStateChange blocks until the Manager's connectivity differs from
// lastSeen or ctx is done. Concurrent callers sharing the same ctx and
// lastSeen share one underlying watcher goroutine (spec.md §4.6).
func (m *Manager) WaitForStateChange(ctx context.Context, lastSeen subchannel.State) error {
	if state, _ := m.snapshot(); state.Connectivity != lastSeen {
		return nil
	}

	key := watchKey{ctxDone: ctx.Done(), lastSeen: lastSeen}

	m.watchMu.Lock()
	entry, ok := m.watchers[key]
	if !ok {
		entry = &watchEntry{done: make(chan struct{})}
		m.watchers[key] = entry
		go m.runWatcher(key, entry, ctx, lastSeen)
	}
	entry.refs++
	m.watchMu.Unlock()

	select {
	case <-entry.done:
	case <-ctx.Done():
	}

	m.watchMu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(m.watchers, key)
	}
	m.watchMu.Unlock()

	return ctx.Err()
}

// runWatcher polls the Manager's published state on every notification
// until it differs from lastSeen, then resolves entry.done for every
// caller that deduped onto this key.
func (m *Manager) runWatcher(key watchKey, entry *watchEntry, ctx context.Context, lastSeen subchannel.State) {
	for {
		state, ch := m.snapshot()
		if state.Connectivity != lastSeen {
			close(entry.done)
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}
