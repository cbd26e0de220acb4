package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/coordinator"
	"github.com/teranos/roster/group/grouptest"
	"github.com/teranos/roster/group/jobs"
	"github.com/teranos/roster/group/state"
	rostertest "github.com/teranos/roster/internal/testing"
	"github.com/teranos/roster/provider/memserver"
	"github.com/teranos/roster/pulse/async"
)

func newNode(t *testing.T, srv *memserver.Server, self group.Self) *Node {
	t.Helper()
	n, err := New(rostertest.CreateTestDB(t), self, srv.ClientFor(self), &am.Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return n
}

// drain runs every ready job to completion.
func drain(t *testing.T, n *Node) int {
	t.Helper()
	ran, err := n.RunQueued(context.Background(), 50)
	require.NoError(t, err)
	queued := async.JobStatusQueued
	waiting, err := n.Queue.ListJobs(&queued, 10)
	require.NoError(t, err)
	require.Empty(t, waiting, "queue did not drain")
	return ran
}

func TestTwoNodesShareAGroup(t *testing.T) {
	ctx := context.Background()
	srv := memserver.New(zaptest.NewLogger(t).Sugar())
	admin := newNode(t, srv, group.Self{Identity: "ada", ProfileKey: grouptest.Key(1)})
	bob := newNode(t, srv, group.Self{Identity: "bob", ProfileKey: grouptest.Key(2)})

	// nothing is known about either account yet
	_, err := admin.Coordinator.CreateGroup(ctx, coordinator.CreateRequest{Title: "kelp", Members: []group.Identity{"bob"}})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	assert.Equal(t, 2, drain(t, admin), "one profile refresh per account")

	rec, err := admin.Coordinator.CreateGroup(ctx, coordinator.CreateRequest{Title: "kelp", Members: []group.Identity{"bob"}})
	require.NoError(t, err)
	assert.True(t, group.IsMember(rec.Snapshot, "bob"), "bob's key was learned, so they join in full")

	// bob learns the master key out of band
	res, err := bob.Processor.UpdateToRevision(ctx, rec.Params, group.Latest, time.Now())
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeUpdated, res.Outcome)

	title := "kelp forest"
	updated, err := admin.Coordinator.UpdateGroup(ctx, rec.ID(), []group.Identity{"bob"}, &title, nil)
	require.NoError(t, err)
	require.True(t, updated.Applied())
	assert.Equal(t, group.Revision(1), updated.Snapshot.Revision)

	synced, err := bob.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	require.NoError(t, synced[0].Err)
	assert.Equal(t, state.OutcomeUpdated, synced[0].Result.Outcome)

	local, err := bob.Groups.Require(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "kelp forest", local.Snapshot.Title)

	key, ok, err := bob.Profiles.Get(ctx, "ada")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grouptest.Key(1), key)
}

func TestSyncAllSkipsInactiveGroups(t *testing.T) {
	ctx := context.Background()
	srv := memserver.New(zaptest.NewLogger(t).Sugar())
	n := newNode(t, srv, group.Self{Identity: "ada", ProfileKey: grouptest.Key(1)})

	params := grouptest.MasterKey(5).Params()
	require.NoError(t, n.Groups.Create(ctx, params, &group.Snapshot{Revision: 0}))
	require.NoError(t, n.Groups.SetActive(ctx, params.ID, false))

	synced, err := n.SyncAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, synced)
	assert.Zero(t, srv.Calls(memserver.OpHistory)+srv.Calls(memserver.OpCurrentState))
}

func TestWorkerPoolAndRetune(t *testing.T) {
	srv := memserver.New(zaptest.NewLogger(t).Sugar())
	n := newNode(t, srv, group.Self{Identity: "ada", ProfileKey: grouptest.Key(1)})

	cfg := &am.Config{Pulse: am.PulseConfig{Workers: 3}}
	pool := n.WorkerPool(context.Background(), cfg)
	assert.Equal(t, 3, pool.Workers())
	assert.Equal(t, []string{jobs.HandlerContinueSync, jobs.HandlerFetchAvatar, jobs.HandlerRefreshProfile}, pool.Registry().Names())

	require.NoError(t, n.Retune(&am.Config{Sync: am.SyncConfig{Concurrency: 7}}))
	assert.Equal(t, 7, n.Processor.Concurrency)

	// zero keeps the current value
	require.NoError(t, n.Retune(&am.Config{}))
	assert.Equal(t, 7, n.Processor.Concurrency)
}

func TestOpenRequiresIdentity(t *testing.T) {
	_, err := Open(&am.Config{Database: am.DatabaseConfig{Path: ":memory:"}}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no local identity")
}

func TestRunQueuedSortsOutcomes(t *testing.T) {
	ctx := context.Background()
	srv := memserver.New(zaptest.NewLogger(t).Sugar())
	n := newNode(t, srv, group.Self{Identity: "ada", ProfileKey: grouptest.Key(1)})

	srv.Register(group.Profile{Identity: "bob", ProfileKey: grouptest.Key(2)})
	srv.SetFault(memserver.OpProfile, func(caller group.Identity, _ group.Identifier) error {
		if caller == "carol" {
			return errors.Mark(errors.New("link down"), errors.ErrIO)
		}
		return nil
	})

	require.NoError(t, n.Scheduler.RefreshProfile(ctx, "bob"))
	require.NoError(t, n.Scheduler.RefreshProfile(ctx, "carol"))
	require.NoError(t, n.Scheduler.RefreshProfile(ctx, "zed"))

	ran, err := n.RunQueued(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, ran)

	stats, err := n.Queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed, "bob")
	assert.Equal(t, 1, stats.Queued, "carol waits for a retry")
	assert.Equal(t, 1, stats.Failed, "zed is not in the directory")

	// the retry is not ready yet
	ran, err = n.RunQueued(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, ran)

	capability, err := n.Profiles.Capability(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, group.CapabilitySupported, capability)
}

func TestRunQueuedHonoursLimit(t *testing.T) {
	ctx := context.Background()
	srv := memserver.New(zaptest.NewLogger(t).Sugar())
	n := newNode(t, srv, group.Self{Identity: "ada", ProfileKey: grouptest.Key(1)})

	for _, id := range []group.Identity{"b", "c", "d"} {
		srv.Register(group.Profile{Identity: id})
		require.NoError(t, n.Scheduler.RefreshProfile(ctx, id))
	}

	ran, err := n.RunQueued(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)

	ran, err = n.RunQueued(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
}
