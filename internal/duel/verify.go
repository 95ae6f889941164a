package duel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/obslog"
)

const verifyBackoffBase = 500 * time.Millisecond

// verify checks both participants' recent submissions for an accepted
// solve of the assigned problem made during the duel, and returns the
// handle with the earliest one. Transient platform errors are retried
// a bounded number of times with backoff; a permanent error or too
// many failed attempts leaves the duel in TESTING.
func (e *Engine) verify(ctx context.Context, d *Duel) (string, error) {
	challAt, err := e.earliestAccepted(ctx, d, d.Challenger)
	if err != nil {
		return "", err
	}
	oppAt, err := e.earliestAccepted(ctx, d, d.Opponent)
	if err != nil {
		return "", err
	}

	switch {
	case challAt == nil && oppAt == nil:
		return "", nil
	case oppAt == nil || (challAt != nil && !challAt.After(*oppAt)):
		return d.Challenger, nil
	default:
		return d.Opponent, nil
	}
}

func (e *Engine) earliestAccepted(ctx context.Context, d *Duel, handle string) (*time.Time, error) {
	var subs []cfapi.Submission
	var err error
	for attempt := 0; ; attempt++ {
		subs, err = e.subs.UserStatus(ctx, handle, d.Problem.ContestID, 0)
		if err == nil {
			break
		}
		if !cfapi.IsTransient(err) || attempt >= e.cfg.VerifyMaxRetries {
			obslog.L().Warn("claim_verification_failed",
				zap.String("duel_id", d.ID),
				zap.String("handle", handle),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, ctx.Err())
		case <-time.After(verifyBackoffBase << attempt):
		}
	}

	var earliest *time.Time
	for _, sub := range subs {
		if !sub.Accepted() || sub.Problem.ID() != d.Problem.ID() {
			continue
		}
		at := sub.CreationTime()
		if at.Before(d.StartedAt) || at.After(d.Deadline) {
			continue
		}
		if earliest == nil || at.Before(*earliest) {
			earliest = &at
		}
	}
	return earliest, nil
}
