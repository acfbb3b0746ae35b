package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/useraccounts/backend/internal/errors"
)

const maxTxAttempts = 5

// RedisOptions configures OpenRedis
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects to Redis and waits for it to answer
func OpenRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	err := apperrors.Retry(ctx, apperrors.StoreRetryConfig(), func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisStore keeps each user as a JSON document with secondary index keys for
// username and email. Writes go through WATCH/MULTI so uniqueness and the refresh
// token compare-and-swap hold under concurrent requests.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "accounts"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) userKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, id)
}

func (s *RedisStore) emailKey(email string) string {
	return fmt.Sprintf("%s:user:email:%s", s.prefix, email)
}

func (s *RedisStore) usernameKey(username string) string {
	return fmt.Sprintf("%s:user:username:%s", s.prefix, username)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) load(ctx context.Context, c getter, id uuid.UUID) (*User, error) {
	data, err := c.Get(ctx, s.userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, unavailable(fmt.Errorf("decode user %s: %w", id, err))
	}
	return &u, nil
}

func (s *RedisStore) FindByIdentity(ctx context.Context, identity Identity) (*User, error) {
	var keys []string
	if identity.Email != "" {
		keys = append(keys, s.emailKey(identity.Email))
	}
	if identity.Username != "" {
		keys = append(keys, s.usernameKey(identity.Username))
	}

	for _, key := range keys {
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, unavailable(fmt.Errorf("bad index entry %s: %w", key, err))
		}
		return s.FindByID(ctx, id)
	}
	return nil, ErrUserNotFound
}

func (s *RedisStore) Create(ctx context.Context, user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return unavailable(err)
	}

	docKey := s.userKey(user.ID)
	emailKey := s.emailKey(user.Email)
	usernameKey := s.usernameKey(user.Username)

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, docKey, emailKey, usernameKey).Result()
		if err != nil {
			return unavailable(err)
		}
		if n > 0 {
			return ErrDuplicateUser
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, data, 0)
			pipe.Set(ctx, emailKey, user.ID.String(), 0)
			pipe.Set(ctx, usernameKey, user.ID.String(), 0)
			return nil
		})
		return err
	}, docKey, emailKey, usernameKey)
}

func (s *RedisStore) Update(ctx context.Context, id uuid.UUID, patch Patch) (*User, error) {
	docKey := s.userKey(id)

	var updated *User
	err := s.watch(ctx, func(tx *redis.Tx) error {
		u, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.IfRefreshToken != nil && u.RefreshToken != *patch.IfRefreshToken {
			return ErrTokenMismatch
		}

		patch.apply(u, s.now().UTC())
		data, err := json.Marshal(u)
		if err != nil {
			return unavailable(err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, data, 0)
			return nil
		})
		if err == nil {
			updated = u
		}
		return err
	}, docKey)

	return updated, err
}

// watch runs fn in an optimistic transaction, retrying when a watched key changed.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !isStoreSentinel(err) {
			return unavailable(err)
		}
		return err
	}
	return unavailable(errors.New("transaction aborted by concurrent writers"))
}

func isStoreSentinel(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrDuplicateUser) ||
		errors.Is(err, ErrTokenMismatch) || errors.Is(err, ErrStoreUnavailable)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
