package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/cache"
	"github.com/teranos/roster/group/grouptest"
	"github.com/teranos/roster/provider/memserver"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	server    *memserver.Server
	admin     *memserver.Client
	store     *grouptest.Store
	keys      *grouptest.ProfileKeys
	timeline  *grouptest.Timeline
	scheduler *grouptest.Scheduler
	processor *Processor
	self      group.Self
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	server := memserver.New(log)
	self := group.Self{Identity: "self", ProfileKey: grouptest.Key(50)}
	client := server.ClientFor(self)
	admin := server.ClientFor(group.Self{Identity: "admin", ProfileKey: grouptest.Key(1)})

	c, err := cache.New(client, cache.Config{}, log)
	require.NoError(t, err)

	f := &fixture{
		server:    server,
		admin:     admin,
		store:     grouptest.NewStore(),
		keys:      grouptest.NewProfileKeys(),
		timeline:  &grouptest.Timeline{},
		scheduler: &grouptest.Scheduler{},
		self:      self,
	}
	f.processor = NewProcessor(Deps{
		Cache:     c,
		Store:     f.store,
		Keys:      f.keys,
		Timeline:  f.timeline,
		Scheduler: f.scheduler,
		Self:      self,
		Logger:    log,
	})
	return f
}

// createGroup hosts a group where admin created it with self as a full member.
func (f *fixture) createGroup(t *testing.T, seed byte, selfKey group.ProfileKey) group.Params {
	t.Helper()
	params := grouptest.MasterKey(seed).Params()
	_, err := f.admin.CreateGroup(context.Background(), group.NewGroup{
		Params:  params,
		Title:   "crag",
		Members: []group.Candidate{{Identity: "self", ProfileKey: selfKey}},
	})
	require.NoError(t, err)
	return params
}

func (f *fixture) submit(t *testing.T, params group.Params, a group.Actions) {
	t.Helper()
	rev, _ := f.server.Revision(params.ID)
	a.Revision = rev + 1
	_, err := f.admin.SubmitChange(context.Background(), params, &a)
	require.NoError(t, err)
}

func TestUpdateUnknownGroupToLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)

	title := "boulder"
	timer := uint32(3600)
	f.submit(t, params, group.Actions{ModifyTitle: &title})
	f.submit(t, params, group.Actions{ModifyTimer: &timer})

	res, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	require.NotNil(t, res.Latest)
	assert.Equal(t, group.Revision(2), res.Latest.Revision)
	assert.Empty(t, res.Anomalies)

	rec, err := f.store.Require(ctx, params.ID)
	require.NoError(t, err)
	assert.Equal(t, "boulder", rec.Snapshot.Title)
	assert.Equal(t, uint32(3600), rec.Expiration)
	assert.True(t, rec.ProfileSharing)

	entries := f.timeline.All()
	require.Len(t, entries, 3, "one timeline entry per processed revision")
	assert.Equal(t, []string{group.FallbackDescription}, entries[0].Lines)
	assert.Equal(t, group.Identity("admin"), entries[1].Editor)
	assert.Equal(t, time.Unix(100, 0), entries[2].Timestamp)

	adminKey, ok, _ := f.keys.Get(ctx, "admin")
	require.True(t, ok)
	assert.Equal(t, grouptest.Key(1), adminKey)
	assert.Contains(t, f.scheduler.ProfileRefreshes(), group.Identity("admin"))
	assert.Empty(t, f.scheduler.SyncRequests())
}

func TestUpdatePreCheckSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)
	f.store.Seed(params, &group.Snapshot{Revision: 3})

	res, err := f.processor.UpdateToRevision(ctx, params, 3, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsistent, res.Outcome)

	res, err = f.processor.UpdateToRevision(ctx, params, 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAhead, res.Outcome)

	assert.Equal(t, 0, f.server.Calls(memserver.OpCurrentState))
}

func TestUpdateAlreadyLatestIsConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)

	_, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)

	res, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsistent, res.Outcome)
	assert.Len(t, f.timeline.All(), 1)
}

func TestUpdatePartialSchedulesRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)
	for i := 0; i < 4; i++ {
		title := string(rune('a' + i))
		f.submit(t, params, group.Actions{ModifyTitle: &title})
	}

	res, err := f.processor.UpdateToRevision(ctx, params, 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, group.Revision(2), res.Latest.Revision)

	assert.Equal(t, []grouptest.SyncRequest{{Group: params.ID, Revision: 4}}, f.scheduler.SyncRequests())
}

func TestUpdatePastServerIsInconsistent(t *testing.T) {
	f := newFixture(t)
	params := f.createGroup(t, 1, f.self.ProfileKey)

	res, err := f.processor.UpdateToRevision(context.Background(), params, 10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInconsistent, res.Outcome)

	unknown, _ := f.store.IsUnknown(context.Background(), params.ID)
	assert.True(t, unknown)
}

func TestUpdateAfterRemovalIsLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)

	_, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)

	f.submit(t, params, group.Actions{DeleteMembers: []group.Identity{"self"}})

	res, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLeft, res.Outcome)

	rec, _ := f.store.Require(ctx, params.ID)
	assert.False(t, rec.Active)
}

func TestUpdateAsPendingMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, group.ProfileKey{})

	res, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.True(t, group.IsPending(res.Latest, "self"))

	rec, _ := f.store.Require(ctx, params.ID)
	assert.False(t, rec.ProfileSharing)
	assert.Equal(t, 0, f.server.Calls(memserver.OpHistory), "pending members never read history")

	entries := f.timeline.All()
	require.Len(t, entries, 1)
	assert.Equal(t, []string{group.FallbackDescription}, entries[0].Lines)
}

func TestUpdateSchedulesAvatarFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)

	ref, err := f.admin.UploadAvatar(ctx, params, []byte("png"))
	require.NoError(t, err)
	f.submit(t, params, group.Actions{ModifyAvatar: &ref})

	_, err = f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)
	require.Len(t, f.scheduler.Avatars, 1)
	assert.Equal(t, ref, f.scheduler.Avatars[0].Ref)
}

func TestUpdateFlagsSelfKeyMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := f.createGroup(t, 1, f.self.ProfileKey)

	// self's own change, but the server reports a different key for self
	selfClient := f.server.ClientFor(group.Self{Identity: "self", ProfileKey: f.self.ProfileKey})
	_, err := selfClient.SubmitChange(ctx, params, &group.Actions{
		Revision:          1,
		ModifyProfileKeys: []group.Candidate{{Identity: "self", ProfileKey: grouptest.Key(77)}},
	})
	require.NoError(t, err)

	res, err := f.processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, grouptest.Key(77), res.Anomalies[0].Claimed)

	_, stored, _ := f.keys.Get(ctx, "self")
	assert.False(t, stored)
}

func TestUpdateTransportErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	params := f.createGroup(t, 1, f.self.ProfileKey)
	f.server.SetFault(memserver.OpHistory, func(group.Identity, group.Identifier) error {
		return errors.Mark(errors.New("timeout"), errors.ErrIO)
	})

	_, err := f.processor.UpdateToRevision(context.Background(), params, group.Latest, time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestUpdateAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createGroup(t, 1, f.self.ProfileKey)
	b := f.createGroup(t, 2, f.self.ProfileKey)
	orphan := grouptest.MasterKey(3).Params()

	f.processor.Concurrency = 2
	results, err := f.processor.UpdateAll(ctx, []group.Params{a, b, orphan}, group.Latest)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, OutcomeUpdated, results[0].Result.Outcome)
	assert.Equal(t, OutcomeUpdated, results[1].Result.Outcome)
	assert.True(t, errors.IsNotFoundError(results[2].Err))
}
