// Package identity makes sure a signed-in account has a profile and belongs to the default
// community before anything else touches the store on its behalf.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
)

const (
	anonymousName = "Anonymous"
	avatarBaseURL = "https://i.pravatar.cc/150?u="
	fallbackLen   = 5
)

// Identity is what the identity provider knows about an authenticated account.
type Identity struct {
	UID         string
	DisplayName string
	Email       string
	PhotoURL    string
}

func (i Identity) Name() string {
	if strings.TrimSpace(i.DisplayName) == "" {
		return anonymousName
	}
	return i.DisplayName
}

func (i Identity) Avatar() string {
	return AvatarURL(i.UID, i.PhotoURL)
}

func AvatarURL(uid, photoURL string) string {
	if photoURL != "" {
		return photoURL
	}
	return avatarBaseURL + uid
}

// Selector is the part of the session that tracks the active channel.
type Selector interface {
	ActiveChannel() string
	SelectChannel(ctx context.Context, channelID string) error
}

type Bootstrapper struct {
	store         store.Store
	communityID   string
	communityName string
}

type Option func(*Bootstrapper)

func WithDefaultCommunity(id, name string) Option {
	return func(b *Bootstrapper) {
		b.communityID = id
		b.communityName = name
	}
}

func New(st store.Store, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		store:         st,
		communityID:   contract.DefaultCommunityID,
		communityName: contract.DefaultCommunityName,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bootstrapper) DefaultCommunityID() string {
	return b.communityID
}

// Bootstrap is safe to repeat for the same account: an existing profile is left untouched and
// joining the default community is an array union.
func (b *Bootstrapper) Bootstrap(ctx context.Context, id Identity, sel Selector) (contract.User, error) {
	if id.UID == "" {
		return contract.User{}, fmt.Errorf("%w: empty uid", contract.ErrInvalidInput)
	}
	logger := log.LoggerFromContext(ctx).With(slog.String(log.UserIDLogField, id.UID))

	user, err := b.EnsureUser(ctx, id)
	if err != nil {
		return contract.User{}, err
	}
	if err := b.EnsureDefaultCommunity(ctx, id.UID); err != nil {
		return user, err
	}
	if sel != nil && sel.ActiveChannel() == "" {
		if err := sel.SelectChannel(ctx, b.communityID); err != nil {
			return user, err
		}
	}
	logger.Debug("identity bootstrapped", slog.String("username", user.Username))
	return user, nil
}

func (b *Bootstrapper) EnsureUser(ctx context.Context, id Identity) (contract.User, error) {
	doc, err := b.store.Get(ctx, contract.UsersCollection, id.UID)
	if err != nil {
		return contract.User{}, err
	}
	if doc.Exists() {
		return contract.UserFromDocument(doc), nil
	}

	username, err := b.uniqueUsername(ctx, id)
	if err != nil {
		return contract.User{}, err
	}
	user := contract.User{
		ID:       id.UID,
		Name:     id.Name(),
		Username: username,
		Email:    id.Email,
		PhotoURL: id.Avatar(),
	}
	err = b.store.Set(ctx, contract.UsersCollection, id.UID, map[string]any{
		"name":      user.Name,
		"username":  user.Username,
		"email":     user.Email,
		"photoURL":  user.PhotoURL,
		"createdAt": store.ServerTimestamp,
	})
	if err != nil {
		return contract.User{}, err
	}
	log.LoggerFromContext(ctx).Info("user profile created",
		slog.String(log.UserIDLogField, id.UID),
		slog.String("username", username),
	)
	return user, nil
}

func (b *Bootstrapper) EnsureDefaultCommunity(ctx context.Context, uid string) error {
	doc, err := b.store.Get(ctx, contract.CommunitiesCollection, b.communityID)
	if err != nil {
		return err
	}
	if !doc.Exists() {
		err := b.store.Create(ctx, contract.CommunitiesCollection, b.communityID, map[string]any{
			"name":      b.communityName,
			"createdBy": uid,
			"members":   []any{uid},
			"createdAt": store.ServerTimestamp,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
		// someone else created it in the meantime; join it below
	} else if contract.CommunityFromDocument(doc).HasMember(uid) {
		return nil
	}
	return b.store.Update(ctx, contract.CommunitiesCollection, b.communityID,
		store.Update{Path: "members", Value: store.ArrayUnion(uid)},
	)
}

// uniqueUsername picks the first derived candidate no other account holds. The check precedes the
// write, so two accounts created at the same instant may still end up sharing a name.
func (b *Bootstrapper) uniqueUsername(ctx context.Context, id Identity) (string, error) {
	for _, candidate := range Candidates(id) {
		docs, err := b.store.Query(ctx, store.QueryEquals(contract.UsersCollection, "username", candidate))
		if err != nil {
			return "", err
		}
		if takenByOther(docs, id.UID) {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: no free username for %s", contract.ErrConflict, id.UID)
}

func takenByOther(docs []*store.Document, uid string) bool {
	for _, d := range docs {
		if d.ID != uid {
			return true
		}
	}
	return false
}

// Candidates lists usernames derived from the identity in order of preference: the e-mail local
// part, the display name and finally "user" followed by the first characters of the uid.
func Candidates(id Identity) []string {
	var out []string
	add := func(s string) {
		s = NormalizeUsername(s)
		if s == "" {
			return
		}
		for _, c := range out {
			if c == s {
				return
			}
		}
		out = append(out, s)
	}
	if local, _, ok := strings.Cut(id.Email, "@"); ok {
		add(local)
	}
	add(id.DisplayName)
	uid := id.UID
	if len(uid) > fallbackLen {
		uid = uid[:fallbackLen]
	}
	add("user" + uid)
	return out
}

// NormalizeUsername lowercases and keeps letters, digits, dots, dashes and underscores.
func NormalizeUsername(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Profile carries the editable fields of a user. Empty Name and PhotoURL leave the stored values
// as they are.
type Profile struct {
	Name     string
	Username string
	PhotoURL string
}

// UpdateProfile changes the user's profile. The username is normalized and must not be held by
// another account.
func (b *Bootstrapper) UpdateProfile(ctx context.Context, uid string, p Profile) (contract.User, error) {
	username := NormalizeUsername(p.Username)
	if username == "" {
		return contract.User{}, fmt.Errorf("%w: username is empty", contract.ErrInvalidInput)
	}
	docs, err := b.store.Query(ctx, store.QueryEquals(contract.UsersCollection, "username", username))
	if err != nil {
		return contract.User{}, err
	}
	if takenByOther(docs, uid) {
		return contract.User{}, fmt.Errorf("%w: username %q is taken", contract.ErrConflict, username)
	}

	updates := []store.Update{{Path: "username", Value: username}}
	if name := strings.TrimSpace(p.Name); name != "" {
		updates = append(updates, store.Update{Path: "name", Value: name})
	}
	if photo := strings.TrimSpace(p.PhotoURL); photo != "" {
		updates = append(updates, store.Update{Path: "photoURL", Value: photo})
	}
	if err := b.store.Update(ctx, contract.UsersCollection, uid, updates...); err != nil {
		if errors.Is(err, store.ErrNoDocument) {
			return contract.User{}, fmt.Errorf("%w: user %s", contract.ErrNotFound, uid)
		}
		return contract.User{}, err
	}

	doc, err := b.store.Get(ctx, contract.UsersCollection, uid)
	if err != nil {
		return contract.User{}, err
	}
	return contract.UserFromDocument(doc), nil
}
