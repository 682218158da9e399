package session

import (
	"context"
	"errors"
	"testing"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/directory"
	"github.com/klipach/devconnect/identity"
	"github.com/klipach/devconnect/store"
	"github.com/klipach/devconnect/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = identity.Identity{UID: "u1", DisplayName: "Alice", Email: "alice@example.com"}
	bob   = identity.Identity{UID: "u2", DisplayName: "Bob", Email: "bob@example.com"}
	carol = identity.Identity{UID: "u3", DisplayName: "Carol", Email: "carol@example.com"}
)

func start(t *testing.T, st *memstore.Store, id identity.Identity, opts ...Option) *Session {
	t.Helper()
	s := New(context.Background(), st, id, opts...)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func texts(messages []contract.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}

func TestStartSelectsDefaultCommunity(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	s := start(t, st, alice)

	assert.Equal(t, contract.DefaultCommunityID, s.ActiveChannel())
	assert.Equal(t, "alice", s.User().Username)
	require.Len(t, s.Communities(), 1)
	assert.Equal(t, contract.DefaultCommunityName, s.Communities()[0].Name)

	name, err := s.CurrentChannelName(ctx)
	require.NoError(t, err)
	assert.Equal(t, contract.DefaultCommunityName, name)

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change signal")
	}
}

func TestStartTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	s := start(t, st, alice)
	require.NoError(t, s.Start(ctx))

	doc, err := st.Get(ctx, contract.CommunitiesCollection, contract.DefaultCommunityID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, contract.CommunityFromDocument(doc).Members)
}

func TestMessagesFlowBetweenSessions(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	a := start(t, st, alice)
	b := start(t, st, bob)

	require.NoError(t, a.SendMessage(ctx, "m1"))
	require.NoError(t, b.SendMessage(ctx, "m2"))

	assert.Equal(t, []string{"m1", "m2"}, texts(a.Messages()))
	assert.Equal(t, []string{"m1", "m2"}, texts(b.Messages()))
	assert.Equal(t, "Alice", a.Messages()[0].Username)

	assert.ErrorIs(t, a.SendMessage(ctx, "   "), contract.ErrInvalidInput)
}

func TestUnreadAcrossChannels(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	a := start(t, st, alice)
	b := start(t, st, bob)

	dm, err := a.StartDirectMessage(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, dm, a.ActiveChannel())
	require.Len(t, b.DirectMessages(), 1)

	// bob still looks at general while alice writes in the direct message
	require.NoError(t, a.SendMessage(ctx, "psst"))
	require.NoError(t, a.SendMessage(ctx, "are you there"))
	assert.Equal(t, 2, b.UnreadCounts()[dm])
	assert.Empty(t, a.UnreadCounts())

	require.NoError(t, b.SelectChannel(ctx, dm))
	assert.Equal(t, 0, b.UnreadCounts()[dm])
	assert.Equal(t, []string{"psst", "are you there"}, texts(b.Messages()))

	require.NoError(t, a.SelectChannel(ctx, contract.DefaultCommunityID))
	require.NoError(t, a.SendMessage(ctx, "back in general"))
	assert.Equal(t, 0, b.UnreadCounts()[dm])
	assert.Equal(t, 1, b.UnreadCounts()[contract.DefaultCommunityID])

	name, err := b.CurrentChannelName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestCreateCommunityAndInvite(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	dir := directory.New(st)
	a := start(t, st, alice, WithDirectory(dir))
	b := start(t, st, bob, WithDirectory(dir))

	id, err := a.CreateCommunity(ctx, "Gophers")
	require.NoError(t, err)
	assert.Equal(t, id, a.ActiveChannel())
	assert.Len(t, a.Communities(), 2)

	_, err = b.CreateCommunity(ctx, "Gophers")
	assert.ErrorIs(t, err, contract.ErrConflict)
	assert.Equal(t, contract.DefaultCommunityID, b.ActiveChannel())

	assert.ErrorIs(t, b.InviteMember(ctx, id, "alice"), contract.ErrForbidden)
	require.NoError(t, a.InviteMember(ctx, id, "bob"))
	require.NoError(t, a.InviteMember(ctx, id, "bob"))
	assert.Len(t, b.Communities(), 2)

	doc, err := st.Get(ctx, contract.CommunitiesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, contract.CommunityFromDocument(doc).Members)
}

func TestStartDirectMessageWithSelf(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	a := start(t, st, alice)

	_, err := a.StartDirectMessage(ctx, "alice")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Empty(t, a.DirectMessages())
	assert.Equal(t, contract.DefaultCommunityID, a.ActiveChannel())
}

func TestUpdateProfileRenamesDirectMessage(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	dir := directory.New(st)
	a := start(t, st, alice, WithDirectory(dir))
	b := start(t, st, bob, WithDirectory(dir))

	dm, err := b.StartDirectMessage(ctx, "alice")
	require.NoError(t, err)
	name, err := b.CurrentChannelName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = a.UpdateProfile(ctx, identity.Profile{Username: "bob"})
	assert.ErrorIs(t, err, contract.ErrConflict)

	user, err := a.UpdateProfile(ctx, identity.Profile{Name: "Alice Liddell", Username: "wonderland"})
	require.NoError(t, err)
	assert.Equal(t, "wonderland", a.User().Username)
	assert.Equal(t, user, a.User())

	name, err = dir.ChannelName(ctx, dm, "u2")
	require.NoError(t, err)
	assert.Equal(t, "wonderland", name)

	require.NoError(t, a.SelectChannel(ctx, dm))
	require.NoError(t, a.SendMessage(ctx, "hi"))
	assert.Equal(t, "Alice Liddell", a.Messages()[0].Username)
}

func TestReauthenticate(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	a := start(t, st, alice)

	_, err := a.Reauthenticate(ctx, bob)
	assert.ErrorIs(t, err, contract.ErrForbidden)

	refreshed := alice
	refreshed.PhotoURL = "https://example.com/alice.png"
	user, err := a.Reauthenticate(ctx, refreshed)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestStartFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.SetFailure(errors.New("offline"))

	s := New(ctx, st, alice)
	defer s.Close()
	assert.ErrorIs(t, s.Start(ctx), contract.ErrStoreUnavailable)
	assert.Empty(t, s.ActiveChannel())

	st.SetFailure(nil)
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, contract.DefaultCommunityID, s.ActiveChannel())
}

func TestCloseStopsUpdates(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	a := start(t, st, alice)
	b := start(t, st, bob)

	b.Close()
	require.NoError(t, a.SendMessage(ctx, "after close"))
	assert.Empty(t, b.Messages())
	assert.Empty(t, b.UnreadCounts())
}

func TestOutsiderCannotReachDirectMessage(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	dir := directory.New(st)
	a := start(t, st, alice, WithDirectory(dir))
	b := start(t, st, bob, WithDirectory(dir))
	c := start(t, st, carol, WithDirectory(dir))

	dm, err := a.StartDirectMessage(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(ctx, "private to bob"))
	assert.Equal(t, 1, b.UnreadCounts()[dm])

	assert.NotContains(t, c.UnreadCounts(), dm)
	assert.NotContains(t, c.State().Unread, dm)

	err = c.SelectChannel(ctx, directory.DirectMessageID("u1", "u2"))
	assert.ErrorIs(t, err, contract.ErrForbidden)
	assert.Equal(t, contract.DefaultCommunityID, c.ActiveChannel())
	assert.Empty(t, c.Messages())

	assert.ErrorIs(t, c.SelectChannel(ctx, "nowhere"), contract.ErrNotFound)
	assert.ErrorIs(t, c.SelectChannel(ctx, ""), contract.ErrInvalidInput)
	assert.Equal(t, contract.DefaultCommunityID, c.ActiveChannel())

	require.NoError(t, c.SendMessage(ctx, "hi all"))
	assert.Equal(t, []string{"private to bob"}, texts(a.Messages()))
}

func TestSendRequiresMembership(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	dir := directory.New(st)
	a := start(t, st, alice, WithDirectory(dir))
	c := start(t, st, carol, WithDirectory(dir))

	id, err := a.CreateCommunity(ctx, "Gophers")
	require.NoError(t, err)
	require.NoError(t, a.InviteMember(ctx, id, "carol"))
	require.NoError(t, c.SelectChannel(ctx, id))
	require.NoError(t, c.SendMessage(ctx, "hello"))

	require.NoError(t, st.Update(ctx, contract.CommunitiesCollection, id,
		store.Update{Path: "members", Value: store.ArrayRemove("u3")},
	))
	assert.ErrorIs(t, c.SendMessage(ctx, "still here?"), contract.ErrForbidden)
	assert.Equal(t, []string{"hello"}, texts(a.Messages()))
	assert.NotContains(t, c.UnreadCounts(), id)
}
