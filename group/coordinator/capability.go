package coordinator

import (
	"context"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
)

// CapabilitySource reports the last known group capability of an account.
type CapabilitySource interface {
	Capability(ctx context.Context, id group.Identity) (group.Capability, error)
}

// CapabilityChecker decides whether a set of accounts can share a group.
type CapabilityChecker struct {
	source    CapabilitySource
	scheduler group.Scheduler
	logger    *zap.SugaredLogger
}

// NewCapabilityChecker creates a checker.
func NewCapabilityChecker(source CapabilitySource, scheduler group.Scheduler, log *zap.SugaredLogger) *CapabilityChecker {
	if log == nil {
		log = logger.ComponentLogger("group.capability")
	}
	return &CapabilityChecker{source: source, scheduler: scheduler, logger: log}
}

// Check requires every identity to support groups.
// An unknown capability schedules a profile refresh and fails with a retryable error;
// an unsupported one fails with ErrNotCapable.
func (c *CapabilityChecker) Check(ctx context.Context, ids []group.Identity) error {
	var unknown []group.Identity

	for _, id := range ids {
		capability, err := c.source.Capability(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "failed to read capability of %s", id)
		}
		switch capability {
		case group.CapabilitySupported:
		case group.CapabilityNotSupported:
			c.logger.Infow("Member does not support groups", logger.FieldIdentity, id)
			return errors.Wrapf(errors.ErrNotCapable, "%s does not support groups", id)
		default:
			unknown = append(unknown, id)
		}
	}

	if len(unknown) == 0 {
		return nil
	}

	for _, id := range unknown {
		if err := c.scheduler.RefreshProfile(ctx, id); err != nil {
			c.logger.Warnw("Failed to schedule profile refresh",
				logger.FieldIdentity, id,
				logger.FieldError, err)
		}
	}
	return errors.WithDetailf(
		errors.Wrapf(errors.ErrIO, "capability of %d member(s) not yet known", len(unknown)),
		"Unknown: %v", unknown)
}

// FailureReason classifies why a group operation failed, for display.
type FailureReason string

const (
	FailureNoRights   FailureReason = "NO_RIGHTS"
	FailureNotCapable FailureReason = "NOT_CAPABLE"
	FailureNotAMember FailureReason = "NOT_A_MEMBER"
	FailureOther      FailureReason = "OTHER"
)

// FailureReasonFor maps an operation error to a FailureReason.
func FailureReasonFor(err error) FailureReason {
	switch {
	case errors.Is(err, errors.ErrNoRights):
		return FailureNoRights
	case errors.Is(err, errors.ErrNotCapable):
		return FailureNotCapable
	case errors.Is(err, errors.ErrNotAMember):
		return FailureNotAMember
	default:
		return FailureOther
	}
}
