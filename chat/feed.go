// Package chat holds the message feed of the selected channel and the send path.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/identity"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
)

const anonymousName = "Anonymous"

// Sender is the author of an outgoing message.
type Sender struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Feed keeps exactly one live subscription, to the channel most recently passed to Subscribe.
type Feed struct {
	store store.Store

	mu        sync.Mutex
	gen       uint64
	channelID string
	dispose   store.Disposer
}

func NewFeed(st store.Store) *Feed {
	return &Feed{store: st}
}

// Subscribe tears down the previous subscription and delivers the messages of channelID to fn,
// oldest first, now and after every change. Deliveries belonging to an earlier channel are dropped
// even if the store still has them in flight. fn must not call back into the Feed.
func (f *Feed) Subscribe(ctx context.Context, channelID string, fn func([]contract.Message)) error {
	f.mu.Lock()
	f.gen++
	gen := f.gen
	old := f.dispose
	f.dispose = nil
	f.channelID = channelID
	f.mu.Unlock()

	if old != nil {
		old()
	}
	if channelID == "" {
		return nil
	}

	dispose, err := f.store.Subscribe(ctx, channelQuery(channelID), func(snap store.Snapshot) {
		messages := messagesFromDocuments(snap.Docs)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.gen != gen {
			return
		}
		fn(messages)
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		dispose()
		return nil
	}
	f.dispose = dispose
	f.mu.Unlock()
	return nil
}

func (f *Feed) ChannelID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelID
}

func (f *Feed) Close() {
	f.mu.Lock()
	f.gen++
	old := f.dispose
	f.dispose = nil
	f.channelID = ""
	f.mu.Unlock()
	if old != nil {
		old()
	}
}

// Send appends a message with a server-assigned timestamp. The live subscription delivers it once
// committed; nothing is echoed locally.
func (f *Feed) Send(ctx context.Context, channelID string, sender Sender, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: message text is empty", contract.ErrInvalidInput)
	}
	if channelID == "" {
		return "", fmt.Errorf("%w: no channel selected", contract.ErrInvalidInput)
	}
	if sender.ID == "" {
		return "", fmt.Errorf("%w: sender is empty", contract.ErrInvalidInput)
	}
	name := sender.DisplayName
	if strings.TrimSpace(name) == "" {
		name = anonymousName
	}
	id, err := f.store.Add(ctx, contract.MessagesCollection, map[string]any{
		"channelId": channelID,
		"senderId":  sender.ID,
		"text":      text,
		"username":  name,
		"avatar":    identity.AvatarURL(sender.ID, sender.AvatarURL),
		"createdAt": store.ServerTimestamp,
	})
	if err != nil {
		return "", err
	}
	log.LoggerFromContext(ctx).Debug("message sent",
		slog.String(log.ChannelIDLogField, channelID),
		slog.String(log.UserIDLogField, sender.ID),
	)
	return id, nil
}
