package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tokenKeyPrefix  = "refresh:token:"
	familyKeyPrefix = "refresh:family:"
	userKeyPrefix   = "refresh:user:"

	maxUpdateAttempts = 3
)

type redisRepo struct {
	client redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisRepo keeps each record under its hash with a TTL matching the
// record's expiry, so expired tokens disappear on their own.
func NewRedisRepo(client redis.UniversalClient, logger *zap.Logger) Repo {
	return &redisRepo{client: client, logger: logger, now: time.Now}
}

func tokenKey(hash string) string         { return tokenKeyPrefix + hash }
func familyKey(familyID uuid.UUID) string { return familyKeyPrefix + familyID.String() }
func userKey(userID uuid.UUID) string     { return userKeyPrefix + userID.String() }

func (r *redisRepo) ttl(rec *Record) time.Duration {
	d := rec.ExpiresAt.Sub(r.now())
	if d < time.Second {
		return time.Second
	}
	return d
}

func (r *redisRepo) Create(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := r.ttl(rec)

	ok, err := r.client.SetNX(ctx, tokenKey(rec.TokenHash), payload, ttl).Result()
	if err != nil {
		r.logger.Error("failed to store refresh token", zap.Error(err))
		return err
	}
	if !ok {
		r.logger.Warn("refresh token hash collision")
		return ErrDuplicateHash
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.index(ctx, pipe, rec, ttl)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to index refresh token", zap.Error(err))
	}
	return err
}

func (r *redisRepo) index(ctx context.Context, pipe redis.Pipeliner, rec *Record, ttl time.Duration) {
	pipe.SAdd(ctx, familyKey(rec.FamilyID), rec.TokenHash)
	pipe.Expire(ctx, familyKey(rec.FamilyID), ttl)
	pipe.SAdd(ctx, userKey(rec.UserID), rec.FamilyID.String())
	pipe.Expire(ctx, userKey(rec.UserID), ttl)
}

func (r *redisRepo) FindByHash(ctx context.Context, tokenHash string) (*Record, error) {
	return r.get(ctx, r.client, tokenHash)
}

func (r *redisRepo) get(ctx context.Context, c redis.Cmdable, tokenHash string) (*Record, error) {
	payload, err := c.Get(ctx, tokenKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to lookup refresh token by hash", zap.Error(err))
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		r.logger.Error("corrupt refresh token record", zap.Error(err))
		return nil, err
	}
	return &rec, nil
}

func (r *redisRepo) Rotate(ctx context.Context, old *Record, next *Record) error {
	oldKey := tokenKey(old.TokenHash)
	nextPayload, err := json.Marshal(next)
	if err != nil {
		return err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, old.TokenHash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrAlreadyUsed
			}
			return err
		}
		if cur.RotatedAt != nil || cur.RevokedAt != nil {
			return ErrAlreadyUsed
		}

		rotatedAt := next.CreatedAt
		nextID := next.ID
		cur.RotatedAt = &rotatedAt
		cur.ReplacedBy = &nextID
		curPayload, err := json.Marshal(cur)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, oldKey, curPayload, r.ttl(cur))
			pipe.Set(ctx, tokenKey(next.TokenHash), nextPayload, r.ttl(next))
			r.index(ctx, pipe, next, r.ttl(next))
			return nil
		})
		return err
	}, oldKey)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrAlreadyUsed
	}
	if err != nil && !errors.Is(err, ErrAlreadyUsed) {
		r.logger.Error("failed to rotate refresh token", zap.Error(err))
	}
	return err
}

func (r *redisRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	hashes, err := r.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil {
		r.logger.Error("failed to list refresh token family", zap.String("family_id", familyID.String()), zap.Error(err))
		return err
	}
	for _, hash := range hashes {
		if err := r.revoke(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

func (r *redisRepo) RevokeUser(ctx context.Context, userID uuid.UUID) error {
	families, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		r.logger.Error("failed to list refresh token families", zap.String("user_id", userID.String()), zap.Error(err))
		return err
	}
	if len(families) == 0 {
		r.logger.Debug("no refresh token revoked (none active)", zap.String("user_id", userID.String()))
	}
	for _, f := range families {
		familyID, err := uuid.Parse(f)
		if err != nil {
			r.logger.Warn("skipping malformed family id", zap.String("family_id", f))
			continue
		}
		if err := r.RevokeFamily(ctx, familyID); err != nil {
			return err
		}
	}
	return nil
}

// revoke sets revoked_at on one record under WATCH, retrying when a
// concurrent rotation touches the same key.
func (r *redisRepo) revoke(ctx context.Context, hash string) error {
	key := tokenKey(hash)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := r.get(ctx, tx, hash)
			if err != nil {
				return err
			}
			if rec.RevokedAt != nil {
				return nil
			}
			now := r.now().UTC()
			rec.RevokedAt = &now
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, r.ttl(rec))
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil, errors.Is(err, ErrNotFound):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			r.logger.Error("failed to revoke refresh token", zap.Error(err))
			return err
		}
	}
	return redis.TxFailedErr
}

// DeleteExpired is a no-op: Redis evicts records when their TTL runs out.
func (r *redisRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
