// Package lock provides a Redis lease that keeps deployments single-writer
// across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNotAcquired is returned when another holder owns the lease
var ErrNotAcquired = errors.New("lock held by another process")

// ErrLost is returned when the lease expired or changed hands before release
var ErrLost = errors.New("lock lost")

// release and refresh only act when the token still matches
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Config configures the deployment lease
type Config struct {
	Key string        `yaml:"key" json:"key" default:"retune:deploy-lock"`
	TTL time.Duration `yaml:"ttl" json:"ttl" default:"2m"`
}

// Locker hands out leases on one key
type Locker struct {
	client redis.Cmdable
	config Config
	token  func() string
}

// New creates a locker over client
func New(client redis.Cmdable, config Config) *Locker {
	if config.TTL <= 0 {
		config.TTL = 2 * time.Minute
	}
	return &Locker{client: client, config: config, token: uuid.NewString}
}

// Lease is a held lock
type Lease struct {
	locker *Locker
	token  string
}

// Acquire takes the lease or returns ErrNotAcquired
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	token := l.token()
	ok, err := l.client.SetNX(ctx, l.config.Key, token, l.config.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.config.Key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	log.Debug().Str("key", l.config.Key).Dur("ttl", l.config.TTL).Msg("Deployment lock acquired")
	return &Lease{locker: l, token: token}, nil
}

// Refresh extends the lease by the configured TTL
func (le *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, le.locker.client, []string{le.locker.config.Key}, le.token, le.locker.config.TTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", le.locker.config.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release gives the lease back. Releasing an expired lease returns ErrLost.
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.locker.config.Key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", le.locker.config.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	log.Debug().Str("key", le.locker.config.Key).Msg("Deployment lock released")
	return nil
}

// WithLock runs fn while holding the lease
func (l *Locker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn().Err(rerr).Str("key", l.config.Key).Msg("Failed to release deployment lock")
		}
	}()
	return fn(ctx)
}
