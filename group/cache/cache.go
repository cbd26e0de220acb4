// Package cache holds known group snapshots and change deltas by revision,
// fetching missing ranges from the state provider on demand.
//
// Each group is an independent partition with its own lock. A stored
// (group, revision) entry is never overwritten; it can only be evicted when the
// partition grows past its revision window, after which a later miss refetches it.
//
// Absence is not remembered: asking for a revision past the server's latest
// misses every time and costs one History call per request.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
)

const (
	DefaultRevisionWindow = 256
	DefaultMaxGroups      = 1024
)

// Config bounds cache memory.
type Config struct {
	// RevisionWindow is the number of revisions kept per group (LRU).
	RevisionWindow int
	// MaxGroups is the number of group partitions kept (LRU).
	MaxGroups int
}

// Cache is the process-wide revision cache. Safe for concurrent use.
type Cache struct {
	provider group.StateProvider
	window   int
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	groups *lru.Cache[group.Identifier, *Group]
}

// New creates a cache backed by provider.
func New(provider group.StateProvider, cfg Config, log *zap.SugaredLogger) (*Cache, error) {
	if cfg.RevisionWindow <= 0 {
		cfg.RevisionWindow = DefaultRevisionWindow
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = DefaultMaxGroups
	}
	if log == nil {
		log = logger.ComponentLogger("group.cache")
	}

	groups, err := lru.NewWithEvict[group.Identifier, *Group](cfg.MaxGroups, func(id group.Identifier, _ *Group) {
		log.Debugw("Evicted group partition", logger.FieldGroupID, id.Short())
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create group partition cache")
	}

	return &Cache{
		provider: provider,
		window:   cfg.RevisionWindow,
		logger:   log,
		groups:   groups,
	}, nil
}

// ForGroup returns the partition for params, creating it if needed.
func (c *Cache) ForGroup(params group.Params) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups.Get(params.ID); ok {
		return g
	}
	g := newGroup(params, c.provider, c.window, c.logger)
	c.groups.Add(params.ID, g)
	return g
}

// Len is the number of resident group partitions.
func (c *Cache) Len() int {
	return c.groups.Len()
}

// Group is one group's partition.
type Group struct {
	params   group.Params
	provider group.StateProvider
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	snapshots *lru.Cache[group.Revision, *group.Snapshot]
	// A nil value records that the revision is known to have no visible change.
	changes *lru.Cache[group.Revision, *group.Change]
}

func newGroup(params group.Params, provider group.StateProvider, window int, log *zap.SugaredLogger) *Group {
	// lru.New only fails for a non-positive size, which New rules out
	snapshots, _ := lru.New[group.Revision, *group.Snapshot](window)
	changes, _ := lru.New[group.Revision, *group.Change](window)
	return &Group{
		params:    params,
		provider:  provider,
		logger:    log.With(logger.FieldGroupID, params.ID.Short()),
		snapshots: snapshots,
		changes:   changes,
	}
}

// Params of the cached group.
func (g *Group) Params() group.Params {
	return g.params
}

// Latest always asks the provider for the current state. The result is stored
// unless that revision is already cached.
func (g *Group) Latest(ctx context.Context) (*group.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	latest, err := g.provider.CurrentState(ctx, g.params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch current group state")
	}
	if latest == nil {
		return nil, errors.Wrap(errors.ErrMalformedState, "provider returned no current state")
	}
	g.snapshots.ContainsOrAdd(latest.Revision, latest)
	return latest, nil
}

// Snapshot returns the snapshot at revision, fetching history from revision on a miss.
// It returns nil without error when the provider never produced that revision.
func (g *Group) Snapshot(ctx context.Context, revision group.Revision) (*group.Snapshot, error) {
	if revision < 0 {
		return nil, errors.AssertionFailedf("negative revision %d", revision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.snapshots.Get(revision); ok {
		return s, nil
	}
	entries, err := g.fetchLocked(ctx, revision)
	if err != nil {
		return nil, err
	}
	// read from the fetched range: a small window may already have evicted it
	for _, e := range entries {
		if e.Snapshot.Revision == revision {
			return e.Snapshot, nil
		}
	}
	return nil, nil
}

// Change returns the change that produced revision. Revision 0 (creation) and
// revisions known to carry no change return nil without a fetch.
func (g *Group) Change(ctx context.Context, revision group.Revision) (*group.Change, error) {
	if revision < 0 {
		return nil, errors.AssertionFailedf("negative revision %d", revision)
	}
	if revision == 0 {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.changes.Get(revision); ok {
		return c, nil
	}
	entries, err := g.fetchLocked(ctx, revision)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Snapshot.Revision == revision {
			return e.Change, nil
		}
	}
	return nil, nil
}

// HistoryFrom fetches the log from revision onward, stores it, and returns it.
// Entries that were already cached are returned as the cached instances.
func (g *Group) HistoryFrom(ctx context.Context, from group.Revision) ([]group.LogEntry, error) {
	if from < 0 {
		return nil, errors.AssertionFailedf("negative revision %d", from)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.fetchLocked(ctx, from)
}

// Put stores an entry obtained outside the cache, such as the revision 0
// snapshot returned by group creation. Existing entries are kept.
func (g *Group) Put(entry group.LogEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.storeLocked(entry)
}

func (g *Group) fetchLocked(ctx context.Context, from group.Revision) ([]group.LogEntry, error) {
	entries, err := g.provider.History(ctx, g.params, from)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch group history from revision %d", from)
	}

	g.logger.Debugw("Fetched group history",
		logger.FieldRevision, from,
		logger.FieldCount, len(entries))

	out := make([]group.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Snapshot == nil {
			return nil, errors.Wrapf(errors.ErrMalformedState, "history entry without snapshot after revision %d", from)
		}
		out = append(out, g.storeLocked(e))
	}
	return out, nil
}

// storeLocked adds entry without overwriting and returns the resident version.
func (g *Group) storeLocked(e group.LogEntry) group.LogEntry {
	rev := e.Snapshot.Revision

	if existing, ok := g.snapshots.Peek(rev); ok {
		e.Snapshot = existing
	} else {
		g.snapshots.Add(rev, e.Snapshot)
	}

	if existing, ok := g.changes.Peek(rev); ok {
		e.Change = existing
	} else {
		g.changes.Add(rev, e.Change)
	}
	return e
}
