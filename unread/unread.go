// Package unread counts messages that arrive for channels other than the active one.
//
// Counts live only for the lifetime of a Tracker. The first snapshot delivered by a source is a
// baseline: messages already present when tracking starts are never counted.
package unread

import (
	"context"
	"sync"
	"time"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/store"
)

// clockSkew widens the since bound of a StoreSource to tolerate drift between this process and
// the store's clock.
const clockSkew = time.Minute

// Source delivers message snapshots across every channel the tracker may care about.
type Source interface {
	Subscribe(ctx context.Context, fn func(store.Snapshot)) (store.Disposer, error)
}

// StoreSource subscribes to messages created at or after a point in time.
type StoreSource struct {
	store store.Store
	since time.Time
}

func NewStoreSource(st store.Store, since time.Time) *StoreSource {
	return &StoreSource{store: st, since: since.Add(-clockSkew)}
}

func (s *StoreSource) Subscribe(ctx context.Context, fn func(store.Snapshot)) (store.Disposer, error) {
	q := store.Query{Collection: contract.MessagesCollection}.Where("createdAt", store.OpGreaterOrEqual, s.since.UTC())
	return s.store.Subscribe(ctx, q, fn)
}

type Tracker struct {
	userID string

	mu      sync.Mutex
	active  string
	counts  map[string]int
	primed  bool
	dispose store.Disposer
}

func NewTracker(userID string) *Tracker {
	return &Tracker{
		userID: userID,
		counts: make(map[string]int),
	}
}

// Start subscribes to src and calls onChange, without holding any tracker lock, whenever a count
// goes up. A second Start replaces the first subscription.
func (t *Tracker) Start(ctx context.Context, src Source, onChange func()) error {
	t.Stop()
	t.mu.Lock()
	t.primed = false
	t.mu.Unlock()

	dispose, err := src.Subscribe(ctx, func(snap store.Snapshot) {
		if t.Apply(snap) && onChange != nil {
			onChange()
		}
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.dispose = dispose
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	dispose := t.dispose
	t.dispose = nil
	t.mu.Unlock()
	if dispose != nil {
		dispose()
	}
}

// Apply folds a snapshot into the counts and reports whether any count changed. Only additions
// count; modified and removed messages are ignored.
func (t *Tracker) Apply(snap store.Snapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.primed {
		t.primed = true
		return false
	}
	changed := false
	for _, c := range snap.Changes {
		if c.Kind != store.Added {
			continue
		}
		m := contract.MessageFromDocument(c.Doc)
		if m.ChannelID == "" || m.SenderID == t.userID || m.ChannelID == t.active {
			continue
		}
		t.counts[m.ChannelID]++
		changed = true
	}
	return changed
}

// Select makes channelID the active channel and clears its count.
func (t *Tracker) Select(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = channelID
	delete(t.counts, channelID)
}

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) Count(channelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[channelID]
}

// Counts returns a copy holding only non-zero counts.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		out[id] = n
	}
	return out
}
