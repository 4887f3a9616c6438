package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationStore shares revocations between gateway replicas. Each
// revoked jti is a key that expires with the token itself.
type RedisRevocationStore struct {
	client    redis.Cmdable
	prefix    string
	cutoffTTL time.Duration
	now       func() time.Time
}

// NewRedisRevocationStore creates a store using keys under prefix.
func NewRedisRevocationStore(client redis.Cmdable, prefix string) *RedisRevocationStore {
	if prefix == "" {
		prefix = "gateway:revoked:"
	}
	return &RedisRevocationStore{
		client:    client,
		prefix:    prefix,
		cutoffTTL: DefaultUserCutoffTTL,
		now:       time.Now,
	}
}

func (s *RedisRevocationStore) jtiKey(jti string) string { return s.prefix + "jti:" + jti }

func (s *RedisRevocationStore) userJTIsKey(userID string) string {
	return s.prefix + "user:" + userID + ":jtis"
}

func (s *RedisRevocationStore) cutoffKey(userID string) string {
	return s.prefix + "user:" + userID + ":cutoff"
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jtiKey(jti), userID, ttl)
	if userID != "" {
		pipe.SAdd(ctx, s.userJTIsKey(userID), jti)
		pipe.Expire(ctx, s.userJTIsKey(userID), s.cutoffTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke token %s: %w", jti, err)
	}
	return nil
}

func (s *RedisRevocationStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	cutoff := strconv.FormatInt(s.now().UnixNano(), 10)
	if err := s.client.Set(ctx, s.cutoffKey(userID), cutoff, s.cutoffTTL).Err(); err != nil {
		return 0, fmt.Errorf("failed to store revocation cutoff for %s: %w", userID, err)
	}

	jtis, err := s.client.SMembers(ctx, s.userJTIsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list revoked tokens for %s: %w", userID, err)
	}
	if len(jtis) == 0 {
		return 0, nil
	}

	keys := make([]string, len(jtis))
	for i, jti := range jtis {
		keys[i] = s.jtiKey(jti)
	}
	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count revoked tokens for %s: %w", userID, err)
	}
	return int(n), nil
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, ref TokenRef) (bool, error) {
	if ref.JTI != "" {
		n, err := s.client.Exists(ctx, s.jtiKey(ref.JTI)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check revocation: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	if ref.Subject == "" {
		return false, nil
	}

	cutoff, err := s.client.Get(ctx, s.cutoffKey(ref.Subject)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read revocation cutoff: %w", err)
	}
	return !ref.IssuedAt.After(time.Unix(0, cutoff)), nil
}

// Entries scans the individually revoked tokens. Intended for the admin
// listing endpoint, not the request path.
func (s *RedisRevocationStore) Entries(ctx context.Context) ([]RevocationInfo, error) {
	result := []RevocationInfo{}
	match := s.jtiKey("*")

	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		ttl, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read ttl of %s: %w", key, err)
		}
		result = append(result, RevocationInfo{
			JTI:       strings.TrimPrefix(key, s.jtiKey("")),
			UserID:    userID,
			ExpiresAt: s.now().Add(ttl).Truncate(time.Second),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan revocations: %w", err)
	}
	return result, nil
}
