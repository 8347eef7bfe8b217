package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	idspkg "github.com/drblury/fanout/internal/runtime/ids"
)

// KeyPrefix namespaces lock keys in Redis.
const KeyPrefix = "fanout:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Provider with SET NX PX.
type Redis struct {
	client redis.UniversalClient

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, tokens: map[string]string{}}
}

// NewRedisFromURL parses a redis:// URL.
func NewRedisFromURL(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts)), nil
}

func (r *Redis) TryAcquire(ctx context.Context, name string, lease time.Duration) (bool, error) {
	token := idspkg.CreateULID()
	ok, err := r.client.SetNX(ctx, KeyPrefix+name, token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.tokens[name] = token
	r.mu.Unlock()
	return true, nil
}

func (r *Redis) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	token, ok := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{KeyPrefix + name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
