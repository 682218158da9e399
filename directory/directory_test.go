package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/store"
	"github.com/klipach/devconnect/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, st store.Store, id, username string) {
	t.Helper()
	err := st.Set(context.Background(), contract.UsersCollection, id, map[string]any{
		"name":      username,
		"username":  username,
		"createdAt": store.ServerTimestamp,
	})
	require.NoError(t, err)
}

func TestDirectMessageID(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected string
	}{
		{name: "sorted pair", a: "alice", b: "bob", expected: "dm_5_alice_bob"},
		{name: "reversed pair", a: "bob", b: "alice", expected: "dm_5_alice_bob"},
		{name: "separator in first uid", a: "a_b", b: "c", expected: "dm_3_a_b_c"},
		{name: "separator in second uid", a: "a", b: "b_c", expected: "dm_1_a_b_c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DirectMessageID(tt.a, tt.b))
		})
	}
	assert.NotEqual(t, DirectMessageID("a_b", "c"), DirectMessageID("a", "b_c"))
}

func TestFindOrCreateDirectMessageIsSymmetric(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	d := New(st)

	first, err := d.FindOrCreateDirectMessage(ctx, "u1", "bob")
	require.NoError(t, err)
	second, err := d.FindOrCreateDirectMessage(ctx, "u2", "alice")
	require.NoError(t, err)
	again, err := d.FindOrCreateDirectMessage(ctx, "u1", "Bob")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, again)

	docs, err := st.Query(ctx, store.Query{Collection: contract.DirectMessagesCollection})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.ElementsMatch(t, []string{"u1", "u2"}, contract.DirectMessageFromDocument(docs[0]).Members)
}

func TestFindOrCreateDirectMessageReusesLegacyDocument(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	legacy, err := st.Add(ctx, contract.DirectMessagesCollection, map[string]any{
		"members":   []any{"u2", "u1"},
		"createdAt": store.ServerTimestamp,
	})
	require.NoError(t, err)

	id, err := New(st).FindOrCreateDirectMessage(ctx, "u1", "bob")
	require.NoError(t, err)
	assert.Equal(t, legacy, id)
}

func TestFindOrCreateDirectMessageErrors(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	d := New(st)

	tests := []struct {
		name     string
		username string
		expected error
	}{
		{name: "self", username: "alice", expected: contract.ErrInvalidInput},
		{name: "empty", username: "  ", expected: contract.ErrInvalidInput},
		{name: "unknown", username: "nobody", expected: contract.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.FindOrCreateDirectMessage(ctx, "u1", tt.username)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	docs, err := st.Query(ctx, store.Query{Collection: contract.DirectMessagesCollection})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCreateCommunity(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	d := New(st)

	id, err := d.CreateCommunity(ctx, "  Gophers ", "u1")
	require.NoError(t, err)

	doc, err := st.Get(ctx, contract.CommunitiesCollection, id)
	require.NoError(t, err)
	c := contract.CommunityFromDocument(doc)
	assert.Equal(t, "Gophers", c.Name)
	assert.Equal(t, "u1", c.CreatedBy)
	assert.Equal(t, []string{"u1"}, c.Members)
	assert.False(t, c.CreatedAt.IsZero())

	_, err = d.CreateCommunity(ctx, "Gophers", "u2")
	assert.ErrorIs(t, err, contract.ErrConflict)

	doc, err = st.Get(ctx, contract.CommunitiesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, contract.CommunityFromDocument(doc).Members)

	_, err = d.CreateCommunity(ctx, " ", "u1")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestInviteMember(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	d := New(st)

	id, err := d.CreateCommunity(ctx, "Gophers", "u1")
	require.NoError(t, err)

	require.NoError(t, d.InviteMember(ctx, id, "u1", "bob"))
	require.NoError(t, d.InviteMember(ctx, id, "u1", "bob"))

	doc, err := st.Get(ctx, contract.CommunitiesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, contract.CommunityFromDocument(doc).Members)

	assert.ErrorIs(t, d.InviteMember(ctx, id, "u1", "carol"), contract.ErrNotFound)
	assert.ErrorIs(t, d.InviteMember(ctx, id, "u2", "alice"), contract.ErrForbidden)
	assert.ErrorIs(t, d.InviteMember(ctx, "missing", "u1", "bob"), contract.ErrNotFound)
}

func TestChannelName(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	d := New(st)

	community, err := d.CreateCommunity(ctx, "Gophers", "u1")
	require.NoError(t, err)
	dm, err := d.FindOrCreateDirectMessage(ctx, "u1", "bob")
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, contract.DirectMessagesCollection, "orphan", map[string]any{
		"members": []any{"u1", "ghost"},
	}))
	require.NoError(t, st.Set(ctx, contract.CommunitiesCollection, "nameless", map[string]any{
		"members": []any{"u1"},
	}))

	tests := []struct {
		name      string
		channelID string
		expected  string
	}{
		{name: "community", channelID: community, expected: "Gophers"},
		{name: "direct message", channelID: dm, expected: "bob"},
		{name: "direct message without profile", channelID: "orphan", expected: UnknownUser},
		{name: "community without name", channelID: "nameless", expected: UnknownCommunity},
		{name: "unknown", channelID: "nope", expected: UnknownChannel},
		{name: "empty", channelID: "", expected: UnknownChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, err := d.ChannelName(ctx, tt.channelID, "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, name)
		})
	}
}

func TestResolveStoreFailure(t *testing.T) {
	st := memstore.New()
	st.SetFailure(errors.New("offline"))

	name, err := New(st).ChannelName(context.Background(), "general", "u1")
	assert.ErrorIs(t, err, contract.ErrStoreUnavailable)
	assert.Equal(t, UnknownChannel, name)
}

func TestWatchCommunities(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	d := New(st)

	var got [][]contract.Community
	dispose, err := d.WatchCommunities(ctx, "u2", func(c []contract.Community) {
		got = append(got, c)
	})
	require.NoError(t, err)
	defer dispose()

	id, err := d.CreateCommunity(ctx, "Gophers", "u1")
	require.NoError(t, err)
	require.NoError(t, d.InviteMember(ctx, id, "u1", "bob"))

	require.Len(t, got, 2)
	assert.Empty(t, got[0])
	require.Len(t, got[1], 1)
	assert.Equal(t, "Gophers", got[1][0].Name)
}

func TestUsernamesCache(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	d := New(st)

	names, err := d.Usernames(ctx, []string{"u1", "ghost", "u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"u1": "alice"}, names)

	require.NoError(t, st.Update(ctx, contract.UsersCollection, "u1", store.Update{Path: "username", Value: "alicia"}))
	names, err = d.Usernames(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", names["u1"])

	d.Forget("u1")
	names, err = d.Usernames(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, "alicia", names["u1"])
}

func TestUsernameCacheExpires(t *testing.T) {
	c := newUsernameCache(20 * time.Millisecond)

	c.set("u1", "alice")
	name, ok := c.get("u1")
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.get("u1")
	assert.False(t, ok)
}

func TestListingResubscribesOnUserChange(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	d := New(st)

	gophers, err := d.CreateCommunity(ctx, "Gophers", "u1")
	require.NoError(t, err)
	_, err = d.CreateCommunity(ctx, "Rustaceans", "u2")
	require.NoError(t, err)
	dm, err := d.FindOrCreateDirectMessage(ctx, "u1", "bob")
	require.NoError(t, err)

	changes := 0
	l := d.NewListing(func() { changes++ })
	defer l.Close()

	require.NoError(t, l.Watch(ctx, "u1"))
	require.Len(t, l.Communities(), 1)
	assert.Equal(t, gophers, l.Communities()[0].ID)
	require.Len(t, l.DirectMessages(), 1)
	assert.Equal(t, dm, l.DirectMessages()[0].ID)
	assert.Equal(t, 2, changes)

	require.NoError(t, l.Watch(ctx, "u1"))
	assert.Equal(t, 2, changes)

	require.NoError(t, l.Watch(ctx, "u2"))
	assert.Equal(t, "u2", l.UserID())
	require.Len(t, l.Communities(), 1)
	assert.Equal(t, "Rustaceans", l.Communities()[0].Name)

	changes = 0
	_, err = d.CreateCommunity(ctx, "Alice only", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, changes)
	assert.Len(t, l.Communities(), 1)
}

func TestListingCloseForgetsChannels(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seedUser(t, st, "u1", "alice")
	seedUser(t, st, "u2", "bob")
	d := New(st)

	gophers, err := d.CreateCommunity(ctx, "Gophers", "u1")
	require.NoError(t, err)
	dm, err := d.FindOrCreateDirectMessage(ctx, "u1", "bob")
	require.NoError(t, err)

	l := d.NewListing(nil)
	require.NoError(t, l.Watch(ctx, "u1"))
	assert.True(t, l.Has(gophers))
	assert.True(t, l.Has(dm))
	assert.False(t, l.Has("elsewhere"))

	l.Close()
	assert.Empty(t, l.UserID())
	assert.Empty(t, l.Communities())
	assert.Empty(t, l.DirectMessages())
	assert.False(t, l.Has(gophers))
}
