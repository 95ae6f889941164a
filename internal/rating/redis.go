package rating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hasnat0006/TLE/internal/obslog"
)

const txRetries = 8

// RedisStore keeps rating records as JSON values and settlement flags as
// plain keys. Per-handle serialization comes from optimistic WATCH
// transactions over exactly the keys a settlement touches, so unrelated
// handles never contend.
type RedisStore struct {
	rdb      *redis.Client
	baseline int
}

func NewRedisStore(redisURL string, baseline int) (*RedisStore, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, baseline: baseline}, nil
}

// NewRedisStoreFromClient wires an existing client; used by tests and by
// components sharing one connection pool.
func NewRedisStoreFromClient(rdb *redis.Client, baseline int) *RedisStore {
	return &RedisStore{rdb: rdb, baseline: baseline}
}

// Client exposes the underlying connection for components sharing the
// same redis instance, such as the handle registry.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func ratingKey(handle string) string { return "duel:rating:" + strings.TrimSpace(handle) }
func settledKey(duelID string) string { return "duel:settled:" + strings.TrimSpace(duelID) }

func (s *RedisStore) defaultRecord(handle string) *Record {
	return &Record{Handle: handle, Rating: s.baseline, UpdatedAt: time.Now()}
}

// GetRating loads the record for handle, creating and persisting the
// baseline record on first access.
func (s *RedisStore) GetRating(ctx context.Context, handle string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, ratingKey(handle)).Bytes()
	if err == redis.Nil {
		rec := s.defaultRecord(handle)
		payload, merr := json.Marshal(rec)
		if merr != nil {
			return nil, merr
		}
		// SetNX so a concurrent first access keeps a single record.
		if err := s.rdb.SetNX(ctx, ratingKey(handle), payload, 0).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsSettled reports whether the duel id has a persisted settlement flag.
func (s *RedisStore) IsSettled(ctx context.Context, duelID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, settledKey(duelID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// ApplyOutcome writes every handle delta and the settlement flag in one
// transaction. A second call for the same duel id returns
// ErrAlreadySettled without touching any record.
func (s *RedisStore) ApplyOutcome(ctx context.Context, duelID string, deltas map[string]HandleDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	handles := make([]string, 0, len(deltas))
	for h := range deltas {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	watched := make([]string, 0, len(handles)+1)
	watched = append(watched, settledKey(duelID))
	for _, h := range handles {
		watched = append(watched, ratingKey(h))
	}

	txn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, settledKey(duelID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadySettled
		}

		records := make([]*Record, 0, len(handles))
		for _, h := range handles {
			rec := s.defaultRecord(h)
			raw, err := tx.Get(ctx, ratingKey(h)).Bytes()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				if jerr := json.Unmarshal(raw, rec); jerr != nil {
					return jerr
				}
			}
			rec.apply(duelID, deltas[h])
			records = append(records, rec)
		}

		pipe := tx.TxPipeline()
		for _, rec := range records {
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.Set(ctx, ratingKey(rec.Handle), payload, 0)
		}
		pipe.Set(ctx, settledKey(duelID), "1", 0)
		_, err = pipe.Exec(ctx)
		return err
	}

	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, watched...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrAlreadySettled):
			return ErrAlreadySettled
		case errors.Is(err, redis.TxFailedErr):
			// A concurrent write to one of the handles; reload and retry.
			continue
		default:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	obslog.L().Error("rating_settlement_contention",
		zap.String("duel_id", duelID),
		zap.Int("attempts", txRetries),
	)
	return fmt.Errorf("%w: transaction contention on duel %s", ErrStoreUnavailable, duelID)
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
