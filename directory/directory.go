// Package directory keeps track of the communities and direct messages a user belongs to and owns
// every operation that creates or joins a channel.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/identity"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
)

const (
	UnknownChannel   = "Unknown"
	UnknownCommunity = "Unknown Community"
	UnknownUser      = "Unknown User"

	dmIDPrefix  = "dm_"
	usernameTTL = 5 * time.Minute
)

type Directory struct {
	store     store.Store
	usernames *usernameCache
}

func New(st store.Store) *Directory {
	return &Directory{
		store:     st,
		usernames: newUsernameCache(usernameTTL),
	}
}

// DirectMessageID derives the id of the direct message between two users from the sorted pair, so
// both sides of a conversation compute the same key. The first uid is length-prefixed since uids
// may contain the separator.
func DirectMessageID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return dmIDPrefix + strconv.Itoa(len(a)) + "_" + a + "_" + b
}

func (d *Directory) WatchCommunities(ctx context.Context, userID string, fn func([]contract.Community)) (store.Disposer, error) {
	q := store.QueryArrayContains(contract.CommunitiesCollection, "members", userID)
	return d.store.Subscribe(ctx, q, func(snap store.Snapshot) {
		communities := make([]contract.Community, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			communities = append(communities, contract.CommunityFromDocument(doc))
		}
		fn(communities)
	})
}

func (d *Directory) WatchDirectMessages(ctx context.Context, userID string, fn func([]contract.DirectMessage)) (store.Disposer, error) {
	q := store.QueryArrayContains(contract.DirectMessagesCollection, "members", userID)
	return d.store.Subscribe(ctx, q, func(snap store.Snapshot) {
		dms := make([]contract.DirectMessage, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			dms = append(dms, contract.DirectMessageFromDocument(doc))
		}
		fn(dms)
	})
}

// Resolve looks the id up as a community first and as a direct message second. An id matching
// neither resolves to a channel of KindUnknown.
func (d *Directory) Resolve(ctx context.Context, channelID string) (Channel, error) {
	ch := Channel{ID: channelID}
	if channelID == "" {
		return ch, nil
	}
	doc, err := d.store.Get(ctx, contract.CommunitiesCollection, channelID)
	if err != nil {
		return ch, err
	}
	if doc.Exists() {
		c := contract.CommunityFromDocument(doc)
		ch.Kind, ch.Community = KindCommunity, &c
		return ch, nil
	}
	doc, err = d.store.Get(ctx, contract.DirectMessagesCollection, channelID)
	if err != nil {
		return ch, err
	}
	if doc.Exists() {
		dm := contract.DirectMessageFromDocument(doc)
		ch.Kind, ch.DirectMessage = KindDirectMessage, &dm
	}
	return ch, nil
}

func (d *Directory) ChannelName(ctx context.Context, channelID, currentUserID string) (string, error) {
	ch, err := d.Resolve(ctx, channelID)
	if err != nil {
		return UnknownChannel, err
	}
	return d.DisplayName(ctx, ch, currentUserID)
}

// DisplayName is the community name, or for a direct message the other member's username.
func (d *Directory) DisplayName(ctx context.Context, ch Channel, currentUserID string) (string, error) {
	switch ch.Kind {
	case KindCommunity:
		if ch.Community.Name == "" {
			return UnknownCommunity, nil
		}
		return ch.Community.Name, nil
	case KindDirectMessage:
		other, ok := ch.DirectMessage.Other(currentUserID)
		if !ok {
			return UnknownUser, nil
		}
		names, err := d.Usernames(ctx, []string{other})
		if err != nil {
			return UnknownUser, err
		}
		if name, ok := names[other]; ok && name != "" {
			return name, nil
		}
		return UnknownUser, nil
	}
	return UnknownChannel, nil
}

func (d *Directory) CreateCommunity(ctx context.Context, name, ownerID string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: community name is empty", contract.ErrInvalidInput)
	}
	if ownerID == "" {
		return "", fmt.Errorf("%w: community owner is empty", contract.ErrInvalidInput)
	}
	existing, err := d.store.Query(ctx, store.QueryEquals(contract.CommunitiesCollection, "name", name))
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("%w: community %q already exists", contract.ErrConflict, name)
	}
	id, err := d.store.Add(ctx, contract.CommunitiesCollection, map[string]any{
		"name":      name,
		"createdBy": ownerID,
		"members":   []any{ownerID},
		"createdAt": store.ServerTimestamp,
	})
	if err != nil {
		return "", err
	}
	log.LoggerFromContext(ctx).Info("community created",
		slog.String(log.ChannelIDLogField, id),
		slog.String(log.UserIDLogField, ownerID),
	)
	return id, nil
}

// InviteMember adds the user with the given username to a community. Only the community's creator
// may invite.
func (d *Directory) InviteMember(ctx context.Context, communityID, inviterID, username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is empty", contract.ErrInvalidInput)
	}
	doc, err := d.store.Get(ctx, contract.CommunitiesCollection, communityID)
	if err != nil {
		return err
	}
	if !doc.Exists() {
		return fmt.Errorf("%w: community %s", contract.ErrNotFound, communityID)
	}
	if contract.CommunityFromDocument(doc).CreatedBy != inviterID {
		return fmt.Errorf("%w: only the community creator can invite", contract.ErrForbidden)
	}
	user, err := d.LookupUsername(ctx, username)
	if err != nil {
		return err
	}
	return d.store.Update(ctx, contract.CommunitiesCollection, communityID,
		store.Update{Path: "members", Value: store.ArrayUnion(user.ID)},
	)
}

// FindOrCreateDirectMessage returns the direct message shared with otherUsername, creating it when
// none exists. Existing conversations are found by scanning the current user's direct messages; new
// ones are created under DirectMessageID with create-if-absent, so concurrent starts between the
// same pair converge on one document.
func (d *Directory) FindOrCreateDirectMessage(ctx context.Context, currentUserID, otherUsername string) (string, error) {
	if strings.TrimSpace(otherUsername) == "" {
		return "", fmt.Errorf("%w: username is empty", contract.ErrInvalidInput)
	}
	other, err := d.LookupUsername(ctx, otherUsername)
	if err != nil {
		return "", err
	}
	if other.ID == currentUserID {
		return "", fmt.Errorf("%w: cannot start a direct message with yourself", contract.ErrInvalidInput)
	}

	docs, err := d.store.Query(ctx, store.QueryArrayContains(contract.DirectMessagesCollection, "members", currentUserID))
	if err != nil {
		return "", err
	}
	// prefer the deterministic id when several legacy duplicates exist
	sort.Slice(docs, func(i, j int) bool {
		return strings.HasPrefix(docs[i].ID, dmIDPrefix) && !strings.HasPrefix(docs[j].ID, dmIDPrefix)
	})
	for _, doc := range docs {
		dm := contract.DirectMessageFromDocument(doc)
		for _, m := range dm.Members {
			if m == other.ID {
				return dm.ID, nil
			}
		}
	}

	id := DirectMessageID(currentUserID, other.ID)
	err = d.store.Create(ctx, contract.DirectMessagesCollection, id, map[string]any{
		"members":   []any{currentUserID, other.ID},
		"createdAt": store.ServerTimestamp,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return "", err
	}
	return id, nil
}

// LookupUsername resolves a username to its account.
func (d *Directory) LookupUsername(ctx context.Context, username string) (contract.User, error) {
	normalized := identity.NormalizeUsername(username)
	if normalized == "" {
		return contract.User{}, fmt.Errorf("%w: user %q", contract.ErrNotFound, username)
	}
	docs, err := d.store.Query(ctx, store.QueryEquals(contract.UsersCollection, "username", normalized))
	if err != nil {
		return contract.User{}, err
	}
	if len(docs) == 0 {
		return contract.User{}, fmt.Errorf("%w: user %q", contract.ErrNotFound, username)
	}
	user := contract.UserFromDocument(docs[0])
	d.usernames.set(user.ID, user.Username)
	return user, nil
}

// Usernames maps user ids to usernames. Ids without a profile are left out.
func (d *Directory) Usernames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		if name, ok := d.usernames.get(id); ok {
			out[id] = name
			continue
		}
		doc, err := d.store.Get(ctx, contract.UsersCollection, id)
		if err != nil {
			return out, err
		}
		if !doc.Exists() {
			continue
		}
		user := contract.UserFromDocument(doc)
		d.usernames.set(id, user.Username)
		out[id] = user.Username
	}
	return out, nil
}

// Forget drops a cached username, e.g. after a profile edit.
func (d *Directory) Forget(userID string) {
	d.usernames.delete(userID)
}
