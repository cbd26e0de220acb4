// Package coordinator applies local edits to groups: it builds a change from
// the current local state, submits it optimistically, recovers from conflicts,
// and carries out the post-commit effects (store, timeline, timer, profile
// sharing, learned profile keys, follow-up sync).
//
// Updates to the same group are serialized through the per-group lock arena,
// held for the whole attempt and shared with the state processor. Different
// groups proceed in parallel.
package coordinator

import (
	"context"
	"time"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/cache"
	"github.com/teranos/roster/group/conflict"
	"github.com/teranos/roster/group/ledger"
	"github.com/teranos/roster/group/locks"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
)

// ChangeConstructor builds the actions to submit from the current local group.
// Returning nil actions means there is nothing to do. The revision is filled in by the coordinator.
type ChangeConstructor func(current *group.Record) (*group.Actions, error)

// Result describes a completed update.
type Result struct {
	Outcome conflict.Outcome
	// Snapshot and Change are set when Outcome is conflict.OutcomeApplied.
	Snapshot  *group.Snapshot
	Change    *group.Change
	Attempts  int
	Anomalies []ledger.Anomaly
}

// Applied reports whether the server accepted a change.
func (r *Result) Applied() bool {
	return r != nil && r.Outcome == conflict.OutcomeApplied
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Provider     group.StateProvider
	Cache        *cache.Cache
	Store        group.Store
	Keys         group.ProfileKeyStore
	Timeline     group.Timeline
	Scheduler    group.Scheduler
	Synchronizer conflict.Synchronizer
	Capabilities CapabilitySource
	// Locks is shared with the state processor. A nil Locks gets a private arena.
	Locks  *locks.Arena
	Self   group.Self
	Logger *zap.SugaredLogger
}

// Coordinator implements Updater.
type Coordinator struct {
	provider  group.StateProvider
	cache     *cache.Cache
	store     group.Store
	keys      group.ProfileKeyStore
	timeline  group.Timeline
	scheduler group.Scheduler
	self      group.Self
	logger    *zap.SugaredLogger

	resolver     *conflict.Resolver
	capabilities *CapabilityChecker
	locks        *locks.Arena
	now          func() time.Time
}

// New creates a coordinator.
func New(d Deps) *Coordinator {
	log := d.Logger
	if log == nil {
		log = logger.ComponentLogger("group.coordinator")
	}
	arena := d.Locks
	if arena == nil {
		arena = locks.New(locks.DefaultTimeout)
	}
	return &Coordinator{
		provider:     d.Provider,
		cache:        d.Cache,
		store:        d.Store,
		keys:         d.Keys,
		timeline:     d.Timeline,
		scheduler:    d.Scheduler,
		self:         d.Self,
		logger:       log,
		resolver:     conflict.NewResolver(d.Provider, d.Synchronizer, log.Named("conflict")),
		capabilities: NewCapabilityChecker(d.Capabilities, d.Scheduler, log.Named("capability")),
		locks:        arena,
		now:          time.Now,
	}
}

// GenericUpdate runs one optimistic update of group id. A nil Result with a nil
// error means construct produced no change and nothing was sent.
//
// When avatar is non-nil it is uploaded first and the change sets it as the group avatar.
func (c *Coordinator) GenericUpdate(ctx context.Context, id group.Identifier, avatar []byte, construct ChangeConstructor) (*Result, error) {
	ctx, release, err := c.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	log := c.logger.With(logger.FieldGroupID, id.Short())

	current, err := c.store.Require(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load group")
	}
	if current.Snapshot == nil {
		return nil, errors.AssertionFailedf("stored group %s has no snapshot", id.Short())
	}

	actions, err := construct(current)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		log.Debugw("Nothing to change")
		return nil, nil
	}

	var avatarRef group.AvatarRef
	if avatar != nil {
		avatarRef, err = c.provider.UploadAvatar(ctx, current.Params, avatar)
		if err != nil {
			return nil, errors.Wrap(err, "failed to upload avatar")
		}
		actions.ModifyAvatar = &avatarRef
	}

	actions.Revision = current.Snapshot.Revision + 1

	submitted, err := c.resolver.Submit(ctx, current.Params, *actions)
	if err != nil {
		return nil, err
	}
	result := &Result{Outcome: submitted.Outcome, Attempts: submitted.Attempts}

	if submitted.Outcome == conflict.OutcomeApplied {
		if err := c.commit(ctx, current, submitted.Change, avatarRef, avatar, result); err != nil {
			return nil, err
		}
	}

	// A rebased result is not trusted as final; pull whatever else landed.
	if submitted.Conflicted && submitted.Outcome != conflict.OutcomeLeft {
		if err := c.scheduler.ContinueSyncTo(ctx, id, group.Latest); err != nil {
			log.Warnw("Failed to schedule catch-up after conflict", logger.FieldError, err)
		}
	}

	log.Infow("Group update finished",
		logger.FieldOutcome, result.Outcome,
		logger.FieldAttempt, result.Attempts)
	return result, nil
}

// commit performs the post-commit effects of an accepted change. When the local
// group already holds the committed revision or a later one, a catch-up sync got
// there first and has recorded it, so only the avatar bytes are kept.
func (c *Coordinator) commit(ctx context.Context, before *group.Record, accepted *group.Change, avatarRef group.AvatarRef, avatar []byte, result *Result) error {
	id := before.ID()
	params := before.Params
	if accepted == nil {
		return errors.AssertionFailedf("server accepted a change for %s without returning it", id.Short())
	}
	revision := accepted.Revision()

	snapshot, change, err := c.committedState(ctx, params, accepted)
	if err != nil {
		return err
	}

	stored, err := c.store.Require(ctx, id)
	if err != nil {
		return errors.Wrap(err, "failed to reload group")
	}
	updated, err := c.store.Update(ctx, id, snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to update local group")
	}
	if avatar != nil {
		if err := c.store.SaveAvatar(ctx, id, avatarRef, avatar); err != nil {
			return errors.Wrap(err, "failed to save avatar")
		}
	}
	result.Snapshot = snapshot
	result.Change = change
	if !updated {
		c.logger.Infow("Local group already past committed revision",
			logger.FieldGroupID, id.Short(),
			logger.FieldRevision, revision,
			"stored", stored.Snapshot.Revision)
		return nil
	}

	err = c.timeline.Append(ctx, group.TimelineEntry{
		Group:     id,
		Revision:  revision,
		Editor:    c.self.Identity,
		Lines:     group.Describe(change),
		Outgoing:  true,
		Timestamp: c.now(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to record change in timeline")
	}

	if snapshot.Timer != stored.Expiration {
		if err := c.store.SetExpiration(ctx, id, snapshot.Timer); err != nil {
			return errors.Wrap(err, "failed to propagate disappearing message timer")
		}
	}

	if group.IsMember(snapshot, c.self.Identity) {
		if err := c.store.SetProfileSharing(ctx, id, true); err != nil {
			return errors.Wrap(err, "failed to enable profile sharing")
		}
	}

	keys := ledger.New(c.logger.Named("ledger"))
	keys.AddFromSnapshot(snapshot, change.Editor)
	report, err := keys.Persist(ctx, c.keys, c.scheduler, c.self)
	if err != nil {
		return errors.Wrap(err, "failed to persist learned profile keys")
	}

	result.Anomalies = report.Anomalies
	return nil
}

// committedState reads the snapshot and change at the accepted revision through
// the revision cache. When the change removed the local user, the server will no
// longer serve history, so the snapshot is derived locally from the stored state.
func (c *Coordinator) committedState(ctx context.Context, params group.Params, accepted *group.Change) (*group.Snapshot, *group.Change, error) {
	revision := accepted.Revision()
	partition := c.cache.ForGroup(params)

	if removesSelf(accepted, c.self.Identity) {
		current, err := c.store.Require(ctx, params.ID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to reload group")
		}
		snapshot, change, err := group.Apply(current.Snapshot, accepted.Editor, &accepted.Actions)
		if err != nil {
			return nil, nil, errors.WithDetailf(
				errors.AssertionFailedf("accepted change does not apply to local revision %d: %v", current.Snapshot.Revision, err),
				"Group: %s", params.ID.Short())
		}
		partition.Put(group.LogEntry{Snapshot: snapshot, Change: change})
		return snapshot, change, nil
	}

	snapshot, err := partition.Snapshot(ctx, revision)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to fetch committed revision %d", revision)
	}
	if snapshot == nil {
		return nil, nil, errors.AssertionFailedf("server accepted revision %d of %s but does not serve it", revision, params.ID.Short())
	}

	change, err := partition.Change(ctx, revision)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to fetch committed change %d", revision)
	}
	if change == nil {
		change = accepted
	}
	return snapshot, change, nil
}

func removesSelf(c *group.Change, self group.Identity) bool {
	for _, id := range c.Actions.DeleteMembers {
		if id == self {
			return true
		}
	}
	for _, id := range c.Actions.DeletePending {
		if id == self {
			return true
		}
	}
	return false
}
