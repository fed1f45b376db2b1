package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix namespaces every per-session hash key.
	SessionPrefix = "desto:session:"
	// UpdatesChannel carries JSON status-change events for subscribers.
	UpdatesChannel = "desto:session_updates"
)

// Config describes the Redis connection used for session tracking.
type Config struct {
	Addr        string        `toml:"addr" mapstructure:"addr"`
	Password    string        `toml:"password" mapstructure:"password"`
	DB          int           `toml:"db" mapstructure:"db"`
	DialTimeout time.Duration `toml:"dial_timeout" mapstructure:"dial_timeout"`
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns the connection defaults (local Redis, db 0).
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		DB:          0,
		DialTimeout: 5 * time.Second,
		Enabled:     true,
	}
}

// Client wraps the Redis connection shared by the tracker, registry and
// notifier. A Client is always usable: when Redis is disabled or unreachable
// it reports Connected()==false and every dependent component degrades to its
// documented fallback instead of failing.
type Client struct {
	rdb *redis.Client
	cfg Config
}

// NewClient builds a Client from cfg. No connection attempt is made when
// tracking is disabled; an unreachable server is logged, not returned as an
// error, so a dashboard without Redis still starts.
func NewClient(cfg Config) *Client {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c := &Client{cfg: cfg}
	if !cfg.Enabled {
		return c
	}
	c.rdb = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.DialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, session tracking degraded", "addr", cfg.Addr, "error", err)
	}
	return c
}

// NewClientFromRedis wraps an existing go-redis client (used by tests with
// miniredis and by embedders that manage their own connection).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, cfg: Config{Enabled: true, DialTimeout: 5 * time.Second}}
}

// Enabled reports whether tracking was configured at all.
func (c *Client) Enabled() bool { return c.rdb != nil }

// Connected probes the server with a ping round-trip.
func (c *Client) Connected(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.rdb.Ping(cctx).Err() == nil
}

// SessionKey returns the hash key for a session name.
func (c *Client) SessionKey(name string) string { return SessionPrefix + name }

// Redis exposes the underlying connection for passthrough operations
// (publish, subscribe, scans). Nil when tracking is disabled.
func (c *Client) Redis() *redis.Client { return c.rdb }

func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
