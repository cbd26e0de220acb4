package memserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/grouptest"
	"go.uber.org/zap/zaptest"
)

func setup(t *testing.T) (*Server, *Client, group.Params) {
	t.Helper()
	s := New(zaptest.NewLogger(t).Sugar())
	s.Register(group.Profile{Identity: "bob", ProfileKey: grouptest.Key(2)})
	admin := s.ClientFor(group.Self{Identity: "admin", ProfileKey: grouptest.Key(1)})

	params := grouptest.MasterKey(7).Params()
	created, err := admin.CreateGroup(context.Background(), group.NewGroup{
		Params:  params,
		Title:   "crag",
		Members: []group.Candidate{{Identity: "bob", ProfileKey: grouptest.Key(2)}, {Identity: "carol"}},
	})
	require.NoError(t, err)
	require.Equal(t, group.Revision(0), created.Revision)
	return s, admin, params
}

func TestCreateGroup(t *testing.T) {
	s, admin, params := setup(t)
	ctx := context.Background()

	state, err := admin.CurrentState(ctx, params)
	require.NoError(t, err)
	assert.True(t, group.IsAdmin(state, "admin"))
	assert.True(t, group.IsMember(state, "bob"))
	assert.True(t, group.IsPending(state, "carol"))

	_, err = admin.CreateGroup(ctx, group.NewGroup{Params: params})
	assert.True(t, errors.Is(err, errors.ErrMalformedState))

	bad := params
	bad.ID = grouptest.MasterKey(8).Identifier()
	_, err = admin.CreateGroup(ctx, group.NewGroup{Params: bad})
	assert.True(t, errors.Is(err, errors.ErrVerificationFailure))

	rev, ok := s.Revision(params.ID)
	assert.True(t, ok)
	assert.Equal(t, group.Revision(0), rev)
}

func TestReadAccess(t *testing.T) {
	s, _, params := setup(t)
	ctx := context.Background()

	carol := s.ClientFor(group.Self{Identity: "carol", ProfileKey: grouptest.Key(3)})
	_, err := carol.CurrentState(ctx, params)
	assert.NoError(t, err, "pending members see the current state")

	_, err = carol.History(ctx, params, 0)
	assert.True(t, errors.Is(err, errors.ErrNotAMember), "pending members cannot read history")

	stranger := s.ClientFor(group.Self{Identity: "zed", ProfileKey: grouptest.Key(9)})
	_, err = stranger.CurrentState(ctx, params)
	assert.True(t, errors.IsTerminal(err))

	_, err = stranger.CurrentState(ctx, grouptest.MasterKey(99).Params())
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubmitOrderingAndRights(t *testing.T) {
	s, admin, params := setup(t)
	ctx := context.Background()
	title := "boulder"

	change, err := admin.SubmitChange(ctx, params, &group.Actions{Revision: 1, ModifyTitle: &title})
	require.NoError(t, err)
	assert.Equal(t, group.Revision(1), change.Revision())
	assert.Equal(t, group.Identity("admin"), change.Editor)

	_, err = admin.SubmitChange(ctx, params, &group.Actions{Revision: 1, ModifyTitle: &title})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	bob := s.ClientFor(group.Self{Identity: "bob", ProfileKey: grouptest.Key(2)})
	_, err = bob.SubmitChange(ctx, params, &group.Actions{Revision: 2, DeleteMembers: []group.Identity{"admin"}})
	assert.True(t, errors.Is(err, errors.ErrNoRights))

	history, err := bob.History(ctx, params, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].Change)
	assert.Equal(t, "boulder", history[1].Snapshot.Title)
}

func TestHistoryStartsAtJoin(t *testing.T) {
	s, admin, params := setup(t)
	ctx := context.Background()

	dave := s.ClientFor(group.Self{Identity: "dave", ProfileKey: grouptest.Key(4)})
	_, err := admin.SubmitChange(ctx, params, &group.Actions{
		Revision:   1,
		AddMembers: []group.Candidate{{Identity: "dave", ProfileKey: grouptest.Key(4)}},
	})
	require.NoError(t, err)

	history, err := dave.History(ctx, params, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, group.Revision(1), history[0].Snapshot.Revision)
}

func TestNotCapableMember(t *testing.T) {
	s, admin, params := setup(t)
	s.Register(group.Profile{Identity: "legacy", Capability: group.CapabilityNotSupported})

	_, err := admin.SubmitChange(context.Background(), params, &group.Actions{
		Revision:   1,
		AddMembers: []group.Candidate{{Identity: "legacy"}},
	})
	assert.True(t, errors.Is(err, errors.ErrNotCapable))
}

func TestAvatarRoundTrip(t *testing.T) {
	_, admin, params := setup(t)
	ctx := context.Background()

	ref, err := admin.UploadAvatar(ctx, params, []byte("png"))
	require.NoError(t, err)

	data, err := admin.DownloadAvatar(ctx, params, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.NoError(t, ref.Verify(data))

	_, err = admin.DownloadAvatar(ctx, params, "bafkmissing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFaultsAndCalls(t *testing.T) {
	s, admin, params := setup(t)
	s.SetFault(OpCurrentState, func(group.Identity, group.Identifier) error {
		return errors.Mark(errors.New("connection reset"), errors.ErrIO)
	})

	_, err := admin.CurrentState(context.Background(), params)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 1, s.Calls(OpCurrentState))

	s.SetFault(OpCurrentState, nil)
	_, err = admin.CurrentState(context.Background(), params)
	assert.NoError(t, err)
}
