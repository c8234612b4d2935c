package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atomize-dev/atomize/config"
)

const verdictKeyPrefix = "verdict:"

// VerdictCache memoizes atomicity verdicts in redis, keyed by a hash of the
// node context. Identical work items inside and across sessions reuse the
// cached judgement instead of re-consulting the model. Cache failures are
// logged and treated as misses.
type VerdictCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewVerdictCache connects to redis and pings it. Returns nil (no cache)
// when cfg.Addr is empty.
func NewVerdictCache(ctx context.Context, cfg config.RedisConfig, logger *log.Logger) (*VerdictCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr, err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &VerdictCache{client: client, ttl: ttl, logger: logger}, nil
}

// Get returns the cached verdict for the node context, if any.
func (c *VerdictCache) Get(ctx context.Context, nc NodeContext) (AtomicityVerdict, bool) {
	val, err := c.client.Get(ctx, c.key(nc)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Printf("warning: cache get failed: %v", err)
		}
		return AtomicityVerdict{}, false
	}
	var v AtomicityVerdict
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		c.logger.Printf("warning: cache entry corrupt, dropping: %v", err)
		_ = c.client.Del(ctx, c.key(nc)).Err()
		return AtomicityVerdict{}, false
	}
	return v, true
}

// Put stores a verdict for the node context.
func (c *VerdictCache) Put(ctx context.Context, nc NodeContext, v AtomicityVerdict) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(nc), data, c.ttl).Err(); err != nil {
		c.logger.Printf("warning: cache put failed: %v", err)
	}
}

// Close releases the redis connection.
func (c *VerdictCache) Close() error { return c.client.Close() }

// key hashes the judgement-relevant parts of the node context. Depth and
// ancestry are included: the same name at a different tree position is a
// different judgement.
func (c *VerdictCache) key(nc NodeContext) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s", nc.Name, nc.Description, nc.Type, nc.Depth, strings.Join(nc.Ancestors, "\x00"))
	return verdictKeyPrefix + hex.EncodeToString(h.Sum(nil))
}
