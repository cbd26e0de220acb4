package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/grouptest"
	"go.uber.org/zap/zaptest"
)

// countingProvider serves a fixed log and records every call.
type countingProvider struct {
	group.StateProvider

	mu          sync.Mutex
	log         []group.LogEntry
	historyFrom []group.Revision
	currentHits int
	err         error
}

func (p *countingProvider) CurrentState(_ context.Context, _ group.Params) (*group.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentHits++
	if p.err != nil {
		return nil, p.err
	}
	return p.log[len(p.log)-1].Snapshot.Clone(), nil
}

func (p *countingProvider) History(_ context.Context, _ group.Params, from group.Revision) ([]group.LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyFrom = append(p.historyFrom, from)
	if p.err != nil {
		return nil, p.err
	}
	var out []group.LogEntry
	for _, e := range p.log {
		if e.Snapshot.Revision >= from {
			out = append(out, group.LogEntry{Snapshot: e.Snapshot.Clone(), Change: e.Change})
		}
	}
	return out, nil
}

func (p *countingProvider) calls() []group.Revision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]group.Revision(nil), p.historyFrom...)
}

func buildLog(upTo group.Revision) []group.LogEntry {
	var log []group.LogEntry
	for r := group.Revision(0); r <= upTo; r++ {
		e := group.LogEntry{Snapshot: &group.Snapshot{Revision: r, Title: "rev"}}
		if r > 0 {
			e.Change = &group.Change{Editor: "A", Actions: group.Actions{Revision: r}}
		}
		log = append(log, e)
	}
	return log
}

func newTestGroup(t *testing.T, p *countingProvider, window int) *Group {
	t.Helper()
	c, err := New(p, Config{RevisionWindow: window}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return c.ForGroup(grouptest.MasterKey(1).Params())
}

func TestSnapshotFetchOnMiss(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(2)}
	g := newTestGroup(t, p, 0)

	s1, err := g.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, s1)
	assert.Equal(t, group.Revision(1), s1.Revision)

	s2, err := g.Snapshot(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, s2)
	assert.Equal(t, []group.Revision{1}, p.calls(), "revision 2 came with the first fetch")

	// server advances
	p.mu.Lock()
	p.log = buildLog(3)
	p.mu.Unlock()

	s3, err := g.Snapshot(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, s3)
	assert.Equal(t, []group.Revision{1, 3}, p.calls())

	again1, err := g.Snapshot(ctx, 1)
	require.NoError(t, err)
	again2, err := g.Snapshot(ctx, 2)
	require.NoError(t, err)
	assert.Same(t, s1, again1)
	assert.Same(t, s2, again2)
	assert.Equal(t, []group.Revision{1, 3}, p.calls(), "hits make no further calls")
}

func TestSnapshotAbsent(t *testing.T) {
	p := &countingProvider{log: buildLog(2)}
	g := newTestGroup(t, p, 0)

	s, err := g.Snapshot(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = g.Snapshot(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []group.Revision{7, 7}, p.calls(), "absence is not remembered")

	_, err = g.Snapshot(context.Background(), -1)
	assert.True(t, errors.IsAssertionFailure(err))
}

func TestChange(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(3)}
	g := newTestGroup(t, p, 0)

	c, err := g.Change(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, p.calls(), "creation has no change and is never fetched")

	c, err = g.Change(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, group.Identity("A"), c.Editor)

	s3, err := g.Snapshot(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, s3)
	assert.Len(t, p.calls(), 1)
}

func TestChangeKnownAbsentNotRefetched(t *testing.T) {
	ctx := context.Background()
	log := buildLog(2)
	log[1].Change = nil
	p := &countingProvider{log: log}
	g := newTestGroup(t, p, 0)

	c, err := g.Change(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = g.Change(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, []group.Revision{1}, p.calls())
}

func TestLatestDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(2)}
	g := newTestGroup(t, p, 0)

	cached, err := g.Snapshot(ctx, 2)
	require.NoError(t, err)

	latest, err := g.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, group.Revision(2), latest.Revision)

	_, err = g.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.currentHits, "latest always bypasses the cache")

	resident, err := g.Snapshot(ctx, 2)
	require.NoError(t, err)
	assert.Same(t, cached, resident)
}

func TestLatestStoresWhenAbsent(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(4)}
	g := newTestGroup(t, p, 0)

	latest, err := g.Latest(ctx)
	require.NoError(t, err)

	s, err := g.Snapshot(ctx, 4)
	require.NoError(t, err)
	assert.Same(t, latest, s)
	assert.Empty(t, p.calls())
}

func TestHistoryFromReturnsResidentEntries(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(3)}
	g := newTestGroup(t, p, 0)

	s2, err := g.Snapshot(ctx, 2)
	require.NoError(t, err)

	entries, err := g.HistoryFrom(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Same(t, s2, entries[1].Snapshot)
}

func TestProviderErrorPropagates(t *testing.T) {
	p := &countingProvider{log: buildLog(1), err: errors.Mark(errors.New("connection refused"), errors.ErrIO)}
	g := newTestGroup(t, p, 0)

	_, err := g.Snapshot(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	_, err = g.Latest(context.Background())
	assert.True(t, errors.Is(err, errors.ErrIO))
}

func TestRevisionWindowEvicts(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(5)}
	g := newTestGroup(t, p, 2)

	_, err := g.HistoryFrom(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, g.snapshots.Len())

	// 4 and 5 are resident, 0 was evicted and is refetched on demand
	_, err = g.Snapshot(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, p.calls(), 1)

	s0, err := g.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, s0)
	assert.Len(t, p.calls(), 2)
}

func TestPartitionsAreIndependent(t *testing.T) {
	p := &countingProvider{log: buildLog(1)}
	c, err := New(p, Config{MaxGroups: 1}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	a := c.ForGroup(grouptest.MasterKey(1).Params())
	assert.Same(t, a, c.ForGroup(grouptest.MasterKey(1).Params()))

	b := c.ForGroup(grouptest.MasterKey(2).Params())
	assert.NotSame(t, a, b)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentMissesFetchOnce(t *testing.T) {
	ctx := context.Background()
	p := &countingProvider{log: buildLog(3)}
	g := newTestGroup(t, p, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Snapshot(ctx, 1)
		}()
	}
	wg.Wait()
	assert.Len(t, p.calls(), 1)
}
