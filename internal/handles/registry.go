// Package handles tracks which platform handle belongs to which chat
// user. A registration is verified against the platform before it is
// stored, and stored snapshots are refreshed periodically so rank and
// rating stay roughly current.
package handles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hasnat0006/TLE/internal/cfapi"
	"github.com/hasnat0006/TLE/internal/obslog"
)

var (
	ErrNotRegistered        = errors.New("no handle registered for this user")
	ErrHandleTaken          = errors.New("handle already registered to another user")
	ErrSelfRegisterDisabled = errors.New("self-registration is disabled; ask an admin")
)

const (
	keyByUser   = "duel:handles:by_user"   // hash: userID -> JSON Registration
	keyByHandle = "duel:handles:by_handle" // hash: lowercased handle -> userID
)

// RatingSource resolves a handle to its current platform snapshot.
// Satisfied by both cache.Registry (cheap reads) and cfapi.Client.
type RatingSource interface {
	UserRating(ctx context.Context, handle string) (*cfapi.RatingSnapshot, error)
}

// Registration is the stored association plus the last seen snapshot.
type Registration struct {
	UserID       string    `json:"user_id"`
	Handle       string    `json:"handle"`
	Rating       int       `json:"rating"`
	MaxRating    int       `json:"max_rating"`
	Rank         string    `json:"rank"`
	RegisteredAt time.Time `json:"registered_at"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

type Registry struct {
	rdb       *redis.Client
	src       RatingSource
	allowSelf bool
}

func NewRegistry(rdb *redis.Client, src RatingSource, allowSelf bool) *Registry {
	return &Registry{rdb: rdb, src: src, allowSelf: allowSelf}
}

// Register verifies the handle against the platform and stores the
// association. Non-admin callers are rejected when self-registration is
// off. A handle can belong to at most one user.
func (r *Registry) Register(ctx context.Context, userID, handle string, isAdmin bool) (*Registration, error) {
	handle = strings.TrimSpace(handle)
	if userID == "" || handle == "" {
		return nil, fmt.Errorf("user id and handle are required")
	}
	if !isAdmin && !r.allowSelf {
		return nil, ErrSelfRegisterDisabled
	}

	owner, err := r.rdb.HGet(ctx, keyByHandle, strings.ToLower(handle)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == nil && owner != userID {
		return nil, ErrHandleTaken
	}

	// Verification doubles as canonicalization: the platform returns
	// the handle's true casing.
	snap, err := r.src.UserRating(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("handle verification: %w", err)
	}

	now := time.Now()
	reg := &Registration{
		UserID:       userID,
		Handle:       snap.Handle,
		Rating:       snap.Rating,
		MaxRating:    snap.MaxRating,
		Rank:         cfapi.RankOf(snap.Rating).Title,
		RegisteredAt: now,
		RefreshedAt:  now,
	}
	if err := r.save(ctx, reg); err != nil {
		return nil, err
	}
	obslog.L().Info("handle_registered",
		zap.String("user_id", userID),
		zap.String("handle", reg.Handle),
		zap.Int("rating", reg.Rating),
	)
	return reg, nil
}

// Resolve returns the registration for a chat user.
func (r *Registry) Resolve(ctx context.Context, userID string) (*Registration, error) {
	raw, err := r.rdb.HGet(ctx, keyByUser, userID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Unregister removes a user's handle association.
func (r *Registry) Unregister(ctx context.Context, userID string) error {
	reg, err := r.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, keyByUser, userID)
	pipe.HDel(ctx, keyByHandle, strings.ToLower(reg.Handle))
	_, err = pipe.Exec(ctx)
	return err
}

// List returns every registration, unordered.
func (r *Registry) List(ctx context.Context) ([]*Registration, error) {
	raw, err := r.rdb.HGetAll(ctx, keyByUser).Result()
	if err != nil {
		return nil, err
	}
	regs := make([]*Registration, 0, len(raw))
	for _, v := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(v), &reg); err != nil {
			return nil, err
		}
		regs = append(regs, &reg)
	}
	return regs, nil
}

// RefreshAll re-fetches the snapshot for every tracked handle. One
// failing handle never aborts the sweep; failures come back keyed by
// handle for the caller to log or report.
func (r *Registry) RefreshAll(ctx context.Context) (map[string]error, error) {
	regs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	failed := make(map[string]error)
	for _, reg := range regs {
		snap, err := r.src.UserRating(ctx, reg.Handle)
		if err != nil {
			failed[reg.Handle] = err
			continue
		}
		reg.Rating = snap.Rating
		reg.MaxRating = snap.MaxRating
		reg.Rank = cfapi.RankOf(snap.Rating).Title
		reg.RefreshedAt = time.Now()
		if err := r.save(ctx, reg); err != nil {
			failed[reg.Handle] = err
		}
	}
	if len(failed) > 0 {
		obslog.L().Warn("handle_refresh_partial",
			zap.Int("total", len(regs)),
			zap.Int("failed", len(failed)),
		)
	}
	return failed, nil
}

func (r *Registry) save(ctx context.Context, reg *Registration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyByUser, reg.UserID, raw)
	pipe.HSet(ctx, keyByHandle, strings.ToLower(reg.Handle), reg.UserID)
	_, err = pipe.Exec(ctx)
	return err
}
