package security

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// BlockStore holds auto-block decisions. Blocks carry their own TTL and
// expire without intervention.
type BlockStore interface {
	BlockIP(ctx context.Context, ip string, ttl time.Duration) error
	BlockUser(ctx context.Context, userID string, ttl time.Duration) error
	IsIPBlocked(ctx context.Context, ip string) bool
	IsUserBlocked(ctx context.Context, userID string) bool
}

// Blocklist is the Redis-backed BlockStore. A nil client degrades open:
// nothing is ever blocked and writes are dropped with a log line.
type Blocklist struct {
	client *redis.Client
}

// NewBlocklist wraps a Redis client; client may be nil.
func NewBlocklist(client *redis.Client) *Blocklist {
	return &Blocklist{client: client}
}

// NewRedisClient connects to Redis with a short timeout. Returns nil on
// failure so callers can degrade gracefully.
func NewRedisClient(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("blocklist: redis unavailable at %s: %v", addr, err)
		return nil
	}
	return client
}

func ipKey(ip string) string       { return "block:ip:" + ip }
func userKey(userID string) string { return "block:user:" + userID }

// BlockIP blocks an IP address for the given duration.
func (b *Blocklist) BlockIP(ctx context.Context, ip string, ttl time.Duration) error {
	return b.set(ctx, ipKey(ip), ttl)
}

// BlockUser blocks a user account for the given duration.
func (b *Blocklist) BlockUser(ctx context.Context, userID string, ttl time.Duration) error {
	return b.set(ctx, userKey(userID), ttl)
}

func (b *Blocklist) set(ctx context.Context, key string, ttl time.Duration) error {
	if b.client == nil {
		log.Printf("blocklist: no redis client, dropping block for %s", key)
		return nil
	}
	if err := b.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blocklist set %s: %w", key, err)
	}
	return nil
}

// IsIPBlocked reports whether the IP is currently blocked. Lookup errors
// degrade open.
func (b *Blocklist) IsIPBlocked(ctx context.Context, ip string) bool {
	return b.exists(ctx, ipKey(ip))
}

// IsUserBlocked reports whether the user is currently blocked.
func (b *Blocklist) IsUserBlocked(ctx context.Context, userID string) bool {
	return b.exists(ctx, userKey(userID))
}

func (b *Blocklist) exists(ctx context.Context, key string) bool {
	if b.client == nil {
		return false
	}
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		log.Printf("blocklist: lookup %s failed: %v", key, err)
		return false
	}
	return n > 0
}
