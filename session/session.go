// Package session composes identity bootstrap, the channel directory, the message feed and the
// unread tracker into the state one signed-in user sees.
//
// A Session never holds its own lock while talking to the store or to one of its components, and
// component callbacks only record state and signal Changes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klipach/devconnect/chat"
	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/directory"
	"github.com/klipach/devconnect/identity"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
	"github.com/klipach/devconnect/unread"
)

// State is a consistent copy of everything a client renders.
type State struct {
	User           contract.User
	ActiveChannel  string
	Messages       []contract.Message
	Unread         map[string]int
	Communities    []contract.Community
	DirectMessages []contract.DirectMessage
}

type Session struct {
	store     store.Store
	boot      *identity.Bootstrapper
	directory *directory.Directory
	feed      *chat.Feed
	tracker   *unread.Tracker
	listing   *directory.Listing
	source    unread.Source

	ctx     context.Context
	cancel  context.CancelFunc
	changes chan struct{}

	uid string

	mu       sync.Mutex
	identity identity.Identity
	user     contract.User
	active   string
	messages []contract.Message
	started  bool
}

type Option func(*Session)

// WithBootstrapper replaces the default bootstrapper, e.g. to use another default community.
func WithBootstrapper(b *identity.Bootstrapper) Option {
	return func(s *Session) {
		s.boot = b
	}
}

// WithDirectory shares a directory, and its username cache, between sessions.
func WithDirectory(d *directory.Directory) Option {
	return func(s *Session) {
		s.directory = d
	}
}

// WithUnreadSource replaces the message stream the unread tracker consumes.
func WithUnreadSource(src unread.Source) Option {
	return func(s *Session) {
		s.source = src
	}
}

// New prepares a session for id. Subscriptions live until Close is called or ctx is done.
func New(ctx context.Context, st store.Store, id identity.Identity, opts ...Option) *Session {
	s := &Session{
		store:    st,
		uid:      id.UID,
		identity: id,
		changes:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.boot == nil {
		s.boot = identity.New(st)
	}
	if s.directory == nil {
		s.directory = directory.New(st)
	}
	if s.source == nil {
		s.source = unread.NewStoreSource(st, time.Now())
	}
	s.feed = chat.NewFeed(st)
	s.tracker = unread.NewTracker(id.UID)
	s.listing = s.directory.NewListing(s.notify)
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *Session) logger(ctx context.Context) *slog.Logger {
	return log.LoggerFromContext(ctx).With(slog.String(log.UserIDLogField, s.uid))
}

// Start bootstraps the identity and then opens the directory and unread subscriptions. A failed
// bootstrap leaves the session without subscriptions; calling Start again retries.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.Bootstrap(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		return nil
	}

	if err := s.listing.Watch(s.ctx, s.uid); err != nil {
		return err
	}
	if err := s.tracker.Start(s.ctx, s.source, s.notify); err != nil {
		s.listing.Close()
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger(ctx).Info("session started")
	return nil
}

// Bootstrap runs identity bootstrap for the session's user and selects the default community when
// nothing is selected yet.
func (s *Session) Bootstrap(ctx context.Context) (contract.User, error) {
	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()

	user, err := s.boot.Bootstrap(ctx, id, s)
	if err != nil {
		s.logger(ctx).Error("error while bootstrapping identity", slog.String(log.ErrorMsgLogField, err.Error()))
		return user, err
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.notify()
	return user, nil
}

// Reauthenticate takes a refreshed identity for the same account and runs Start again, which also
// retries subscriptions a failed earlier Start never opened.
func (s *Session) Reauthenticate(ctx context.Context, id identity.Identity) (contract.User, error) {
	if id.UID != s.uid {
		return contract.User{}, fmt.Errorf("%w: token belongs to another account", contract.ErrForbidden)
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	if err := s.Start(ctx); err != nil {
		return contract.User{}, err
	}
	return s.User(), nil
}

func (s *Session) ActiveChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SelectChannel makes channelID active, clears its unread count and moves the feed to it. Only
// members may select a channel; a rejected selection leaves the session as it was.
func (s *Session) SelectChannel(ctx context.Context, channelID string) error {
	if err := s.authorize(ctx, channelID); err != nil {
		return err
	}
	s.tracker.Select(channelID)
	s.mu.Lock()
	s.active = channelID
	s.messages = nil
	s.mu.Unlock()

	err := s.feed.Subscribe(s.ctx, channelID, func(messages []contract.Message) {
		s.mu.Lock()
		s.messages = messages
		s.mu.Unlock()
		s.notify()
	})
	s.notify()
	if err != nil {
		s.logger(ctx).Error("error while subscribing to channel",
			slog.String(log.ChannelIDLogField, channelID),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
		return err
	}
	return nil
}

// authorize resolves channelID and checks that the session's user belongs to it.
func (s *Session) authorize(ctx context.Context, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("%w: no channel selected", contract.ErrInvalidInput)
	}
	ch, err := s.directory.Resolve(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Kind == directory.KindUnknown {
		return fmt.Errorf("%w: channel %s", contract.ErrNotFound, channelID)
	}
	if !ch.HasMember(s.uid) {
		s.logger(ctx).Warn("channel access denied", slog.String(log.ChannelIDLogField, channelID))
		return fmt.Errorf("%w: not a member of channel %s", contract.ErrForbidden, channelID)
	}
	return nil
}

func (s *Session) CurrentChannelName(ctx context.Context) (string, error) {
	return s.directory.ChannelName(ctx, s.ActiveChannel(), s.uid)
}

func (s *Session) Messages() []contract.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Message(nil), s.messages...)
}

// UnreadCounts holds counts for the user's own channels only.
func (s *Session) UnreadCounts() map[string]int {
	return s.visible(s.tracker.Counts())
}

// visible drops counts of channels missing from the user's listing. The tracker sees every new
// message, including those of channels the user does not belong to.
func (s *Session) visible(counts map[string]int) map[string]int {
	for id := range counts {
		if !s.listing.Has(id) {
			delete(counts, id)
		}
	}
	return counts
}

func (s *Session) Communities() []contract.Community {
	return s.listing.Communities()
}

func (s *Session) DirectMessages() []contract.DirectMessage {
	return s.listing.DirectMessages()
}

func (s *Session) User() contract.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Directory() *directory.Directory {
	return s.directory
}

func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		User:          s.user,
		ActiveChannel: s.active,
		Messages:      append([]contract.Message(nil), s.messages...),
	}
	s.mu.Unlock()
	st.Unread = s.visible(s.tracker.Counts())
	st.Communities = s.listing.Communities()
	st.DirectMessages = s.listing.DirectMessages()
	return st
}

// Changes signals after any part of State may have changed. Signals coalesce, so a receiver should
// read State again rather than count them.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) sender() chat.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.user.Name
	if name == "" {
		name = s.identity.Name()
	}
	avatar := s.user.PhotoURL
	if avatar == "" {
		avatar = s.identity.PhotoURL
	}
	return chat.Sender{ID: s.uid, DisplayName: name, AvatarURL: avatar}
}

// SendMessage posts text to the active channel. Membership is checked again since it may have been
// revoked after the channel was selected.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", contract.ErrInvalidInput)
	}
	channelID := s.ActiveChannel()
	if err := s.authorize(ctx, channelID); err != nil {
		return err
	}
	_, err := s.feed.Send(ctx, channelID, s.sender(), text)
	return err
}

// CreateCommunity creates a community owned by the user and selects it.
func (s *Session) CreateCommunity(ctx context.Context, name string) (string, error) {
	id, err := s.directory.CreateCommunity(ctx, name, s.uid)
	if err != nil {
		return "", err
	}
	return id, s.SelectChannel(ctx, id)
}

func (s *Session) InviteMember(ctx context.Context, communityID, username string) error {
	return s.directory.InviteMember(ctx, communityID, s.uid, username)
}

// StartDirectMessage finds or creates the direct message with username and selects it.
func (s *Session) StartDirectMessage(ctx context.Context, username string) (string, error) {
	id, err := s.directory.FindOrCreateDirectMessage(ctx, s.uid, username)
	if err != nil {
		return "", err
	}
	return id, s.SelectChannel(ctx, id)
}

func (s *Session) UpdateProfile(ctx context.Context, p identity.Profile) (contract.User, error) {
	user, err := s.boot.UpdateProfile(ctx, s.uid, p)
	if err != nil {
		return contract.User{}, err
	}
	s.directory.Forget(s.uid)
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.notify()
	return user, nil
}

func (s *Session) Close() {
	s.cancel()
	s.feed.Close()
	s.listing.Close()
	s.tracker.Stop()
}
