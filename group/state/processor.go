package state

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/cache"
	"github.com/teranos/roster/group/ledger"
	"github.com/teranos/roster/group/locks"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome of bringing a group up to a revision.
type Outcome string

const (
	// OutcomeInconsistent: the requested revision does not exist on the server.
	OutcomeInconsistent Outcome = "inconsistent"
	// OutcomeUpdated: the local group advanced.
	OutcomeUpdated Outcome = "updated"
	// OutcomeConsistent: the local group was already at the requested revision.
	OutcomeConsistent Outcome = "consistent"
	// OutcomeAhead: the local group is past the requested revision.
	OutcomeAhead Outcome = "ahead"
	// OutcomeLeft: the local user is no longer in the group.
	OutcomeLeft Outcome = "left"
)

// UpdateResult reports what UpdateToRevision did.
type UpdateResult struct {
	Outcome Outcome
	// Latest is the new local snapshot when Outcome is OutcomeUpdated.
	Latest    *group.Snapshot
	Anomalies []ledger.Anomaly
}

// Processor synchronizes local groups with the server.
type Processor struct {
	cache     *cache.Cache
	store     group.Store
	keys      group.ProfileKeyStore
	timeline  group.Timeline
	scheduler group.Scheduler
	self      group.Self
	locks     *locks.Arena
	logger    *zap.SugaredLogger

	// Concurrency bounds UpdateAll.
	Concurrency int
}

// Deps are the collaborators a Processor needs.
type Deps struct {
	Cache     *cache.Cache
	Store     group.Store
	Keys      group.ProfileKeyStore
	Timeline  group.Timeline
	Scheduler group.Scheduler
	Self      group.Self
	// Locks is shared with the coordinator. A nil Locks gets a private arena.
	Locks  *locks.Arena
	Logger *zap.SugaredLogger
}

// NewProcessor creates a processor.
func NewProcessor(d Deps) *Processor {
	log := d.Logger
	if log == nil {
		log = logger.ComponentLogger("group.state")
	}
	arena := d.Locks
	if arena == nil {
		arena = locks.New(locks.DefaultTimeout)
	}
	return &Processor{
		cache:       d.Cache,
		store:       d.Store,
		keys:        d.Keys,
		timeline:    d.Timeline,
		scheduler:   d.Scheduler,
		self:        d.Self,
		locks:       arena,
		logger:      log,
		Concurrency: 4,
	}
}

// UpdateToRevision brings the local copy of the group up to revision, using the
// network where required. Pass group.Latest to catch up fully. timestamp is used
// for the timeline entries produced by each applied revision.
//
// The group's lock is held throughout. A caller that already holds it (a
// conflicting update catching up) passes its lock context and does not block.
func (p *Processor) UpdateToRevision(ctx context.Context, params group.Params, revision group.Revision, timestamp time.Time) (UpdateResult, error) {
	log := p.logger.With(logger.FieldGroupID, params.ID.Short(), logger.FieldTarget, revision)

	ctx, release, err := p.locks.Acquire(ctx, params.ID)
	if err != nil {
		return UpdateResult{}, err
	}
	defer release()

	unknown, err := p.store.IsUnknown(ctx, params.ID)
	if err != nil {
		return UpdateResult{}, errors.Wrap(err, "failed to check local group")
	}

	var local *group.Record
	if !unknown {
		local, err = p.store.Require(ctx, params.ID)
		if err != nil {
			return UpdateResult{}, errors.Wrap(err, "failed to load local group")
		}
		// Pre-check saves a network round trip when a hint is already satisfied.
		if revision != group.Latest && local.Snapshot != nil {
			switch {
			case revision == local.Snapshot.Revision:
				return UpdateResult{Outcome: OutcomeConsistent}, nil
			case revision < local.Snapshot.Revision:
				return UpdateResult{Outcome: OutcomeAhead}, nil
			}
		}
	}

	var localSnapshot *group.Snapshot
	if local != nil {
		localSnapshot = local.Snapshot
	}

	input, err := p.queryServer(ctx, params, localSnapshot)
	if err != nil {
		if errors.IsTerminal(err) {
			log.Warnw("Not a member of this group")
			if local != nil && local.Active {
				if err := p.store.SetActive(ctx, params.ID, false); err != nil {
					return UpdateResult{}, errors.Wrap(err, "failed to mark group inactive")
				}
			}
			return UpdateResult{Outcome: OutcomeLeft}, nil
		}
		return UpdateResult{}, err
	}

	if revision != group.Latest && LatestRevision(input.History) < revision {
		log.Infow("Requested revision is past the server's latest",
			logger.FieldRevision, LatestRevision(input.History))
		return UpdateResult{Outcome: OutcomeInconsistent}, nil
	}

	advanced := Advance(input, revision)
	newLocal := advanced.NewState.Local

	if newLocal == nil || newLocal == input.Local {
		return UpdateResult{Outcome: OutcomeConsistent}, nil
	}

	written, err := p.persist(ctx, params, local, advanced, timestamp)
	if err != nil {
		return UpdateResult{}, err
	}
	if !written {
		log.Infow("Local group already past fetched revision", logger.FieldRevision, newLocal.Revision)
		return UpdateResult{Outcome: OutcomeAhead}, nil
	}
	result := UpdateResult{Outcome: OutcomeUpdated, Latest: newLocal}

	keys := ledger.New(p.logger.Named("ledger"))
	keys.AddEntries(input.History)
	report, err := keys.Persist(ctx, p.keys, p.scheduler, p.self)
	if err != nil {
		return UpdateResult{}, errors.Wrap(err, "failed to persist learned profile keys")
	}
	result.Anomalies = report.Anomalies

	if remaining := advanced.NewState.History; len(remaining) > 0 {
		next := LatestRevision(remaining)
		log.Infow("Scheduling processing of further revisions",
			logger.FieldRevision, newLocal.Revision+1,
			"through", next)
		if err := p.scheduler.ContinueSyncTo(ctx, params.ID, next); err != nil {
			log.Warnw("Failed to schedule continued sync", logger.FieldError, err)
		}
	}

	log.Infow("Group updated",
		logger.FieldRevision, newLocal.Revision,
		logger.FieldCount, len(advanced.Processed))
	return result, nil
}

// queryServer builds the global state: the local snapshot plus whatever history
// the local user may read. Pending members only get the latest snapshot.
func (p *Processor) queryServer(ctx context.Context, params group.Params, local *group.Snapshot) (group.GlobalState, error) {
	partition := p.cache.ForGroup(params)

	latest, err := partition.Latest(ctx)
	if err != nil {
		return group.GlobalState{}, err
	}

	if !group.IsMember(latest, p.self.Identity) {
		return group.GlobalState{
			Local:   local,
			History: []group.LogEntry{{Snapshot: latest}},
		}, nil
	}

	added, _ := group.RevisionAdded(latest, p.self.Identity)
	from := added
	if local != nil && local.Revision > from {
		from = local.Revision
	}

	history, err := partition.HistoryFrom(ctx, from)
	if err != nil {
		return group.GlobalState{}, err
	}
	return group.GlobalState{Local: local, History: history}, nil
}

// persist stores the advanced snapshot and records its effects. It reports false
// when the stored group is already at or past that snapshot, in which case
// nothing else is written.
func (p *Processor) persist(ctx context.Context, params group.Params, local *group.Record, advanced AdvanceResult, timestamp time.Time) (bool, error) {
	newLocal := advanced.NewState.Local

	if local == nil {
		if err := p.store.Create(ctx, params, newLocal); err != nil {
			return false, errors.Wrap(err, "failed to create local group")
		}
	} else {
		updated, err := p.store.Update(ctx, params.ID, newLocal)
		if err != nil {
			return false, errors.Wrap(err, "failed to update local group")
		}
		if !updated {
			return false, nil
		}
	}

	if !newLocal.Avatar.IsEmpty() {
		if err := p.scheduler.FetchAvatar(ctx, params.ID, newLocal.Avatar); err != nil {
			p.logger.Warnw("Failed to schedule avatar download",
				logger.FieldGroupID, params.ID.Short(),
				logger.FieldError, err)
		}
	}

	for _, entry := range advanced.Processed {
		var editor group.Identity
		if entry.Change != nil {
			editor = entry.Change.Editor
		}
		err := p.timeline.Append(ctx, group.TimelineEntry{
			Group:     params.ID,
			Revision:  entry.Snapshot.Revision,
			Editor:    editor,
			Lines:     group.Describe(entry.Change),
			Outgoing:  editor != "" && editor == p.self.Identity,
			Timestamp: timestamp,
		})
		if err != nil {
			return false, errors.Wrapf(err, "failed to record revision %d in timeline", entry.Snapshot.Revision)
		}
	}

	if local == nil || local.Expiration != newLocal.Timer {
		if err := p.store.SetExpiration(ctx, params.ID, newLocal.Timer); err != nil {
			return false, errors.Wrap(err, "failed to propagate disappearing message timer")
		}
	}

	if group.IsMember(newLocal, p.self.Identity) {
		if err := p.store.SetProfileSharing(ctx, params.ID, true); err != nil {
			return false, errors.Wrap(err, "failed to enable profile sharing")
		}
	}
	return true, nil
}

// GroupSync is the per-group result of UpdateAll.
type GroupSync struct {
	Params group.Params
	Result UpdateResult
	Err    error
}

// UpdateAll brings each group up to revision with at most Concurrency groups in flight.
// Per-group failures are reported in the results; only context cancellation aborts the batch.
func (p *Processor) UpdateAll(ctx context.Context, groups []group.Params, revision group.Revision) ([]GroupSync, error) {
	results := make([]GroupSync, len(groups))
	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}
	eg.SetLimit(limit)

	for i, params := range groups {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := p.UpdateToRevision(ctx, params, revision, time.Now())
			if err != nil {
				p.logger.Warnw("Group sync failed",
					logger.FieldGroupID, params.ID.Short(),
					logger.FieldError, err)
			}
			mu.Lock()
			results[i] = GroupSync{Params: params, Result: res, Err: err}
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return results, errors.Wrap(err, "group sync interrupted")
	}
	return results, nil
}
