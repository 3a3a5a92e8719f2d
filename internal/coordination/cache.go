package coordination

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ResumeTTL    = 7 * 24 * time.Hour
	CompletedTTL = 30 * 24 * time.Hour
	RootFolderTTL = 30 * 24 * time.Hour
	LockTTL      = 2 * time.Hour
)

// Cache is a thin string KV-with-TTL wrapper over Redis, used for resume
// URIs, completed-file markers and root-folder ids.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the value and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes key=value with a mandatory TTL; every write in this system
// sets one, per §6.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// SanitizePath normalizes separators to '/' and, for paths over 100
// characters, substitutes the first 20 base64 characters of the SHA-256
// digest, per §4.2/§9's wire-contract sanitization rule.
func SanitizePath(path string) string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	if len(normalized) <= 100 {
		return normalized
	}
	sum := sha256.Sum256([]byte(normalized))
	return base64.URLEncoding.EncodeToString(sum[:])[:20]
}

func ResumeKey(jobID uint, relativePath string) string {
	return fmt.Sprintf("gdrive:resume:%d:%s", jobID, SanitizePath(relativePath))
}

func CompletedKey(jobID uint, relativePath string) string {
	return fmt.Sprintf("gdrive:completed:%d:%s", jobID, SanitizePath(relativePath))
}

func RootFolderKey(jobID uint) string {
	return fmt.Sprintf("gdrive:rootfolder:%d", jobID)
}
