package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/conflict"
	"github.com/teranos/roster/group/state"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/pulse/async"
)

// ProfileSaver records a directory lookup.
type ProfileSaver interface {
	SaveProfile(ctx context.Context, p group.Profile) error
}

// Deps are the collaborators of the job handlers.
type Deps struct {
	Store        group.Store
	Provider     group.StateProvider
	Directory    group.ProfileDirectory
	Profiles     ProfileSaver
	Synchronizer conflict.Synchronizer
	Logger       *zap.SugaredLogger
	Now          func() time.Time
}

// Register adds every roster job handler to registry.
func Register(registry *async.HandlerRegistry, d Deps) {
	log := d.Logger
	if log == nil {
		log = logger.ComponentLogger("group.jobs")
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	registry.Register(&ContinueSyncHandler{store: d.Store, sync: d.Synchronizer, now: now, logger: log.Named("sync")})
	registry.Register(&FetchAvatarHandler{store: d.Store, provider: d.Provider, logger: log.Named("avatar")})
	registry.Register(&RefreshProfileHandler{directory: d.Directory, profiles: d.Profiles, logger: log.Named("profile")})
}

// ContinueSyncHandler brings a stored group up to the payload revision.
type ContinueSyncHandler struct {
	store  group.Store
	sync   conflict.Synchronizer
	now    func() time.Time
	logger *zap.SugaredLogger
}

func (h *ContinueSyncHandler) Name() string { return HandlerContinueSync }

func (h *ContinueSyncHandler) Execute(ctx context.Context, job *async.Job) error {
	var p ContinueSyncPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	rec, err := h.store.Require(ctx, p.Group)
	if err != nil {
		return errors.Wrap(err, "failed to load group to sync")
	}

	result, err := h.sync.UpdateToRevision(ctx, rec.Params, p.Revision, h.now())
	if err != nil {
		return errors.Wrapf(err, "failed to sync group %s", p.Group.Short())
	}

	log := h.logger.With(
		logger.FieldGroupID, p.Group.Short(),
		logger.FieldTarget, p.Revision,
		logger.FieldOutcome, result.Outcome)
	if result.Outcome == state.OutcomeInconsistent {
		log.Warnw("Server does not have the requested revision")
	} else {
		log.Debugw("Continued sync finished")
	}
	return nil
}

// FetchAvatarHandler downloads a group avatar, checks it against its content
// address, and stores it.
type FetchAvatarHandler struct {
	store    group.Store
	provider group.StateProvider
	logger   *zap.SugaredLogger
}

func (h *FetchAvatarHandler) Name() string { return HandlerFetchAvatar }

func (h *FetchAvatarHandler) Execute(ctx context.Context, job *async.Job) error {
	var p FetchAvatarPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	log := h.logger.With(logger.FieldGroupID, p.Group.Short(), "ref", p.Ref)

	rec, err := h.store.Require(ctx, p.Group)
	if err != nil {
		return errors.Wrap(err, "failed to load group for avatar")
	}
	if rec.Snapshot != nil && rec.Snapshot.Avatar != p.Ref {
		log.Debugw("Avatar was replaced before download, skipping")
		return nil
	}

	data, err := h.provider.DownloadAvatar(ctx, rec.Params, p.Ref)
	if err != nil {
		return errors.Wrap(err, "failed to download avatar")
	}
	if err := p.Ref.Verify(data); err != nil {
		return err
	}
	if err := h.store.SaveAvatar(ctx, p.Group, p.Ref, data); err != nil {
		return errors.Wrap(err, "failed to save avatar")
	}

	log.Infow("Avatar stored", logger.FieldSize, len(data))
	return nil
}

// RefreshProfileHandler looks an account up in the directory and stores its
// capability and profile key.
type RefreshProfileHandler struct {
	directory group.ProfileDirectory
	profiles  ProfileSaver
	logger    *zap.SugaredLogger
}

func (h *RefreshProfileHandler) Name() string { return HandlerRefreshProfile }

func (h *RefreshProfileHandler) Execute(ctx context.Context, job *async.Job) error {
	var p RefreshProfilePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	profile, err := h.directory.FetchProfile(ctx, p.Identity)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch profile of %s", p.Identity)
	}
	if profile.Identity != p.Identity {
		return errors.Wrapf(errors.ErrVerificationFailure,
			"directory returned profile of %s for %s", profile.Identity, p.Identity)
	}
	if err := h.profiles.SaveProfile(ctx, profile); err != nil {
		return err
	}

	h.logger.Infow("Profile refreshed",
		logger.FieldIdentity, p.Identity,
		"capability", profile.Capability)
	return nil
}
