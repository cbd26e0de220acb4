package conflict

import (
	"context"
	"time"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/state"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
)

// MaxAttempts bounds submissions per change: the initial attempt plus two rebases.
const MaxAttempts = 3

// Synchronizer catches the local group up with the server. *state.Processor implements it.
type Synchronizer interface {
	UpdateToRevision(ctx context.Context, params group.Params, revision group.Revision, timestamp time.Time) (state.UpdateResult, error)
}

// Outcome of a Submit.
type Outcome string

const (
	// OutcomeApplied: the server accepted the change (possibly after rebasing).
	OutcomeApplied Outcome = "applied"
	// OutcomeEmpty: there was nothing left to submit, either initially or after rebasing.
	OutcomeEmpty Outcome = "empty"
	// OutcomeLeft: catching up showed the local user is no longer in the group.
	OutcomeLeft Outcome = "left"
	// OutcomeExhausted: every attempt conflicted. No result; the caller should schedule a catch-up.
	OutcomeExhausted Outcome = "exhausted"
)

// Result of a Submit.
type Result struct {
	Outcome Outcome
	// Change is the accepted delta when Outcome is OutcomeApplied.
	Change *group.Change
	// Actions is the last version of the change that was built (rebased if Conflicted).
	Actions  group.Actions
	Attempts int
	// Conflicted is set when at least one attempt was rejected with a conflict.
	Conflicted bool
}

// Resolver submits changes with bounded conflict recovery.
type Resolver struct {
	provider group.StateProvider
	sync     Synchronizer
	logger   *zap.SugaredLogger
	now      func() time.Time

	MaxAttempts int
}

// NewResolver creates a resolver.
func NewResolver(provider group.StateProvider, sync Synchronizer, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = logger.ComponentLogger("group.conflict")
	}
	return &Resolver{
		provider:    provider,
		sync:        sync,
		logger:      log,
		now:         time.Now,
		MaxAttempts: MaxAttempts,
	}
}

// Submit sends actions at actions.Revision. On conflict it catches up to the
// server's latest state, rebases and resubmits at latest.Revision+1, up to
// MaxAttempts submissions in total.
//
// Transport, verification and rights failures are returned as errors. A catch-up
// that does not yield an updated snapshot is ErrUnreconcilable.
func (r *Resolver) Submit(ctx context.Context, params group.Params, actions group.Actions) (Result, error) {
	log := r.logger.With(logger.FieldGroupID, params.ID.Short())
	result := Result{Actions: actions}

	limit := r.MaxAttempts
	if limit <= 0 {
		limit = MaxAttempts
	}

	for result.Attempts < limit {
		if result.Actions.IsEmpty() {
			log.Debugw("Change is empty", logger.FieldRevision, result.Actions.Revision)
			result.Outcome = OutcomeEmpty
			return result, nil
		}

		result.Attempts++
		change, err := r.provider.SubmitChange(ctx, params, &result.Actions)
		if err == nil {
			result.Outcome = OutcomeApplied
			result.Change = change
			return result, nil
		}
		if !errors.Is(err, errors.ErrConflict) {
			return result, errors.Wrapf(err, "failed to submit change at revision %d", result.Actions.Revision)
		}

		result.Conflicted = true
		log.Warnw("Conflict on revision",
			logger.FieldRevision, result.Actions.Revision,
			logger.FieldAttempt, result.Attempts)

		if result.Attempts >= limit {
			break
		}

		caughtUp, err := r.sync.UpdateToRevision(ctx, params, group.Latest, r.now())
		if err != nil {
			return result, errors.Wrap(err, "failed to catch up after conflict")
		}
		if caughtUp.Outcome == state.OutcomeLeft {
			log.Warnw("No longer in the group, or the invitation was revoked")
			result.Outcome = OutcomeLeft
			return result, nil
		}
		if caughtUp.Outcome != state.OutcomeUpdated || caughtUp.Latest == nil {
			return result, errors.WithDetailf(
				errors.Wrapf(errors.ErrUnreconcilable, "catch-up after conflict at revision %d", result.Actions.Revision),
				"Catch-up outcome: %s", caughtUp.Outcome)
		}

		result.Actions = Rebase(caughtUp.Latest, result.Actions, caughtUp.Latest.Revision+1)
	}

	log.Warnw("Giving up after repeated conflicts", logger.FieldAttempt, result.Attempts)
	result.Outcome = OutcomeExhausted
	return result, nil
}
