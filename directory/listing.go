package directory

import (
	"context"
	"sync"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/store"
)

// Listing keeps the communities and direct messages of one user up to date. Watching another user
// drops the previous subscriptions first.
type Listing struct {
	dir      *Directory
	onChange func()

	mu          sync.Mutex
	gen         uint64
	userID      string
	communities []contract.Community
	dms         []contract.DirectMessage
	disposers   []store.Disposer
}

// NewListing returns an idle listing. onChange runs after every update, outside the listing's lock.
func (d *Directory) NewListing(onChange func()) *Listing {
	return &Listing{dir: d, onChange: onChange}
}

func (l *Listing) Watch(ctx context.Context, userID string) error {
	l.mu.Lock()
	if userID == l.userID && len(l.disposers) > 0 {
		l.mu.Unlock()
		return nil
	}
	l.gen++
	gen := l.gen
	old := l.disposers
	l.disposers = nil
	l.userID = userID
	l.communities = nil
	l.dms = nil
	l.mu.Unlock()

	for _, dispose := range old {
		dispose()
	}
	if userID == "" {
		return nil
	}

	disposeCommunities, err := l.dir.WatchCommunities(ctx, userID, func(c []contract.Community) {
		l.update(gen, func() { l.communities = c })
	})
	if err != nil {
		return err
	}
	disposeDMs, err := l.dir.WatchDirectMessages(ctx, userID, func(dms []contract.DirectMessage) {
		l.update(gen, func() { l.dms = dms })
	})
	if err != nil {
		disposeCommunities()
		return err
	}

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		disposeCommunities()
		disposeDMs()
		return nil
	}
	l.disposers = []store.Disposer{disposeCommunities, disposeDMs}
	l.mu.Unlock()
	return nil
}

func (l *Listing) update(gen uint64, apply func()) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	apply()
	l.mu.Unlock()
	if l.onChange != nil {
		l.onChange()
	}
}

func (l *Listing) UserID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}

func (l *Listing) Communities() []contract.Community {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]contract.Community(nil), l.communities...)
}

func (l *Listing) DirectMessages() []contract.DirectMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]contract.DirectMessage(nil), l.dms...)
}

// Has reports whether channelID is one of the watched user's communities or direct messages.
func (l *Listing) Has(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.communities {
		if c.ID == channelID {
			return true
		}
	}
	for _, dm := range l.dms {
		if dm.ID == channelID {
			return true
		}
	}
	return false
}

func (l *Listing) Close() {
	l.mu.Lock()
	l.gen++
	old := l.disposers
	l.disposers = nil
	l.userID = ""
	l.communities = nil
	l.dms = nil
	l.mu.Unlock()
	for _, dispose := range old {
		dispose()
	}
}
