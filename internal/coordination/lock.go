package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, the
// standard Redis compare-and-delete pattern for a refreshable lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// refreshScript extends the TTL only if we still hold the key.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Lock grants single-holder leases over string keys.
type Lock struct {
	rdb *redis.Client
}

func NewLock(rdb *redis.Client) *Lock {
	return &Lock{rdb: rdb}
}

// Lease is a held, refreshable, time-bounded exclusive claim on a key.
type Lease struct {
	lock  *Lock
	key   string
	token string
	ttl   time.Duration
	owned bool
}

// AcquireLock attempts to grant a lease over key for ttl. Returns nil,nil
// if the key is already held by someone else.
func (l *Lock) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{lock: l, key: key, token: token, ttl: ttl, owned: true}, nil
}

// IsOwned reports whether this lease still believes it holds the key.
// It does not re-check Redis; call Refresh for that.
func (l *Lease) IsOwned() bool { return l.owned }

// Refresh extends the lease's TTL iff the key still carries our token.
// A false return means the lease has been lost (expired or stolen); the
// holder must cancel its operation within one heartbeat period.
func (l *Lease) Refresh(ctx context.Context) (bool, error) {
	res, err := refreshScript.Run(ctx, l.lock.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refreshing lock %s: %w", l.key, err)
	}
	l.owned = res == 1
	return l.owned, nil
}

// Release deletes the key iff we still hold it. Errors are not fatal to
// callers since the TTL will reclaim an unreleased lease eventually.
func (l *Lease) Release(ctx context.Context) error {
	if !l.owned {
		return nil
	}
	_, err := releaseScript.Run(ctx, l.lock.rdb, []string{l.key}, l.token).Int()
	l.owned = false
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	return nil
}

// GDriveLockKey and S3LockKey build the lease keys per §3's naming scheme.
func GDriveLockKey(jobID uint) string { return fmt.Sprintf("gdrive:lock:%d", jobID) }
func S3LockKey(jobID uint) string     { return fmt.Sprintf("s3:lock:%d", jobID) }
