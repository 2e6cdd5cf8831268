// Package lock serialises work on a single event, order or subject across
// processes using Redis. A nil *Locker grants every lock, leaving the
// database constraints as the only guard.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	keyEvent   = "revshare:lock:event:%s"
	keyOrder   = "revshare:lock:order:%s"
	keySubject = "revshare:lock:subject:%s"
)

var ErrNotAcquired = errors.New("lock_not_acquired")

type Locker struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    ttl,
	}
}

// TryLock attempts to take key and returns the token needed to release it.
func (l *Locker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if l == nil {
		return "", true, nil
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes key only if it still holds token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// With runs fn while holding key. It returns ErrNotAcquired when another
// holder has the key.
func (l *Locker) With(ctx context.Context, key string, fn func(context.Context) error) error {
	token, ok, err := l.TryLock(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		// the caller's context may already be done; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}

func EventKey(id fmt.Stringer) string   { return fmt.Sprintf(keyEvent, id) }
func OrderKey(ref string) string        { return fmt.Sprintf(keyOrder, ref) }
func SubjectKey(id fmt.Stringer) string { return fmt.Sprintf(keySubject, id) }
