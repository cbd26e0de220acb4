// Package jobs runs the sync engine's follow-up work on the durable job queue:
// continuing a sync to a later revision, downloading group avatars, and
// refreshing account profiles.
package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/pulse/async"
)

// Handler names routed by the worker pool.
const (
	HandlerContinueSync   = "roster.continue-sync"
	HandlerFetchAvatar    = "roster.fetch-avatar"
	HandlerRefreshProfile = "roster.refresh-profile"
)

// ContinueSyncPayload asks for a group to be brought up to Revision.
type ContinueSyncPayload struct {
	Group    group.Identifier `json:"group"`
	Revision group.Revision   `json:"revision"`
}

// FetchAvatarPayload asks for the avatar Ref of Group to be downloaded.
type FetchAvatarPayload struct {
	Group group.Identifier `json:"group"`
	Ref   group.AvatarRef  `json:"ref"`
}

// RefreshProfilePayload asks for the directory entry of Identity.
type RefreshProfilePayload struct {
	Identity group.Identity `json:"identity"`
}

// Scheduler implements group.Scheduler on an async.Queue. Requests for work
// that is already waiting are merged into the waiting job.
type Scheduler struct {
	queue  *async.Queue
	logger *zap.SugaredLogger
}

var _ group.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler that enqueues onto queue.
func NewScheduler(queue *async.Queue, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.ComponentLogger("group.jobs")
	}
	return &Scheduler{queue: queue, logger: log}
}

func groupSource(id group.Identifier) string  { return "group:" + id.String() }
func avatarSource(ref group.AvatarRef) string { return "avatar:" + string(ref) }
func profileSource(id group.Identity) string  { return "profile:" + string(id) }

// ContinueSyncTo enqueues a sync of id up to revision. A waiting sync of the
// same group is raised to the higher target instead of adding a second job.
func (s *Scheduler) ContinueSyncTo(ctx context.Context, id group.Identifier, revision group.Revision) error {
	payload := ContinueSyncPayload{Group: id, Revision: revision}
	return s.enqueue(ctx, HandlerContinueSync, groupSource(id), payload, keepHigherRevision)
}

// FetchAvatar enqueues a download of ref for group id.
func (s *Scheduler) FetchAvatar(ctx context.Context, id group.Identifier, ref group.AvatarRef) error {
	if ref.IsEmpty() {
		return nil
	}
	payload := FetchAvatarPayload{Group: id, Ref: ref}
	return s.enqueue(ctx, HandlerFetchAvatar, avatarSource(ref), payload, nil)
}

// RefreshProfile enqueues a directory lookup of id.
func (s *Scheduler) RefreshProfile(ctx context.Context, id group.Identity) error {
	payload := RefreshProfilePayload{Identity: id}
	return s.enqueue(ctx, HandlerRefreshProfile, profileSource(id), payload, nil)
}

func (s *Scheduler) enqueue(ctx context.Context, handler, source string, payload interface{}, merge func(waiting, incoming *async.Job) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := async.NewJobWithPayload(handler, source, payload)
	if err != nil {
		return err
	}
	queued, created, err := s.queue.EnqueueUnique(job, merge)
	if err != nil {
		return errors.Wrapf(err, "failed to schedule %s", handler)
	}
	s.logger.Debugw("Scheduled job",
		logger.FieldHandler, handler,
		logger.FieldJobID, queued.ID,
		"source", source,
		"merged", !created)
	return nil
}

// keepHigherRevision folds incoming into waiting when it targets a later revision.
func keepHigherRevision(waiting, incoming *async.Job) bool {
	var w, in ContinueSyncPayload
	if err := waiting.DecodePayload(&w); err != nil {
		// Unreadable waiting job: let the newer request replace it.
		waiting.Payload = incoming.Payload
		return true
	}
	if err := incoming.DecodePayload(&in); err != nil {
		return false
	}
	if in.Revision <= w.Revision {
		return false
	}
	waiting.Payload = incoming.Payload
	return true
}
