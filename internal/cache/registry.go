package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/obslog"
)

// allKey addresses the single snapshot of a class-level cache.
const allKey = "all"

// TTLs groups the per-class freshness windows.
type TTLs struct {
	Contests    time.Duration
	Problems    time.Duration
	UserRatings time.Duration
}

// Registry bundles the three resource-class caches the bot reads from.
type Registry struct {
	problems    *Cache[[]cfapi.Problem]
	contests    *Cache[[]cfapi.Contest]
	userRatings *Cache[*cfapi.RatingSnapshot]
}

// PlatformSource is the slice of the platform client the registry needs.
type PlatformSource interface {
	Problems(ctx context.Context) ([]cfapi.Problem, error)
	Contests(ctx context.Context) ([]cfapi.Contest, error)
	UserRating(ctx context.Context, handle string) (*cfapi.RatingSnapshot, error)
}

func NewRegistry(src PlatformSource, ttls TTLs) *Registry {
	return &Registry{
		problems: New("problems", ttls.Problems, func(ctx context.Context, _ string) ([]cfapi.Problem, error) {
			return src.Problems(ctx)
		}),
		contests: New("contests", ttls.Contests, func(ctx context.Context, _ string) ([]cfapi.Contest, error) {
			return src.Contests(ctx)
		}),
		userRatings: New("user_ratings", ttls.UserRatings, func(ctx context.Context, handle string) (*cfapi.RatingSnapshot, error) {
			return src.UserRating(ctx, handle)
		}),
	}
}

// Problems returns the cached problemset snapshot.
func (r *Registry) Problems(ctx context.Context) ([]cfapi.Problem, error) {
	return r.problems.Get(ctx, allKey)
}

// Contests returns the cached contest list.
func (r *Registry) Contests(ctx context.Context) ([]cfapi.Contest, error) {
	return r.contests.Get(ctx, allKey)
}

// UserRating returns the cached rating snapshot for one handle.
func (r *Registry) UserRating(ctx context.Context, handle string) (*cfapi.RatingSnapshot, error) {
	return r.userRatings.Get(ctx, handle)
}

// InvalidateUserRating forces the next read for handle to hit the platform.
func (r *Registry) InvalidateUserRating(handle string) {
	r.userRatings.Invalidate(handle)
}

// InvalidateProblems forces the next problemset read to hit the platform.
func (r *Registry) InvalidateProblems() {
	r.problems.Invalidate(allKey)
}

// Warm proactively fills the class-level caches at startup. Failures are
// logged and skipped; the bot starts with a cold cache rather than not
// starting at all.
func (r *Registry) Warm(ctx context.Context) {
	if _, err := r.problems.Get(ctx, allKey); err != nil {
		obslog.L().Warn("cache_warm_failed", zap.String("cache", "problems"), zap.Error(err))
	}
	if _, err := r.contests.Get(ctx, allKey); err != nil {
		obslog.L().Warn("cache_warm_failed", zap.String("cache", "contests"), zap.Error(err))
	}
	obslog.L().Info("cache_warm_done")
}
