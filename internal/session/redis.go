package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ismaeldosil/valerie-gateway/internal/crypto"
	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

const DefaultPrefix = "valerie:session:"

// Redis stores each session as one JSON document under a prefixed key with a
// native TTL. An optional sealer encrypts the document at rest.
type Redis struct {
	client *redis.Client
	prefix string
	sealer *crypto.Sealer
}

// NewRedis connects to redisURL and verifies the connection. sealer may be
// nil, in which case documents are stored as plain JSON.
func NewRedis(redisURL, prefix string, sealer *crypto.Sealer) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, sealer: sealer}, nil
}

func (r *Redis) Save(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var value string
	if r.sealer != nil {
		sealed, err := r.sealer.Seal(s)
		if err != nil {
			return fmt.Errorf("seal session: %w", err)
		}
		value = sealed
	} else {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		value = string(data)
	}

	return r.client.Set(ctx, r.prefix+s.ID, value, ttl).Err()
}

func (r *Redis) Load(ctx context.Context, id string) (*domain.Session, error) {
	value, err := r.client.Get(ctx, r.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if r.sealer != nil {
		return r.sealer.Open(value)
	}

	var s domain.Session
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
