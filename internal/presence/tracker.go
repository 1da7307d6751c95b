// Package presence tracks recently-active users in a Redis sorted set so
// heartbeat ticks only fan out to users who are actually around. Scores are
// last-seen unix timestamps; entries age out of the window naturally.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKey    = "castellan:presence"
	defaultWindow = 10 * time.Minute
)

// Config holds the tracker's Redis connection and window settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Key is the sorted-set key. Defaults to "castellan:presence".
	Key string

	// Window is how long after their last touch users count as active.
	// Defaults to 10 minutes.
	Window time.Duration
}

// Tracker records user activity and snapshots the active set.
type Tracker struct {
	rdb    *redis.Client
	key    string
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("presence tracker connected",
		zap.String("addr", cfg.Addr),
		zap.Duration("window", cfg.Window))
	return &Tracker{
		rdb:    rdb,
		key:    cfg.Key,
		window: cfg.Window,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Touch marks userID active now. Called on every authenticated dispatch.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	err := t.rdb.ZAdd(ctx, t.key, redis.Z{
		Score:  float64(t.now().Unix()),
		Member: userID,
	}).Err()
	if err != nil {
		return fmt.Errorf("touch presence for %s: %w", userID, err)
	}
	return nil
}

// Snapshot returns the users seen within window, sorted for deterministic
// fan-out, and prunes entries that have aged out.
func (t *Tracker) Snapshot(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := t.now().Add(-window).Unix()

	if err := t.rdb.ZRemRangeByScore(ctx, t.key, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("prune presence set: %w", err)
	}

	users, err := t.rdb.ZRangeByScore(ctx, t.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence set: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// ActiveUsers snapshots with the configured window. This is the hook the
// heartbeat scheduler consumes.
func (t *Tracker) ActiveUsers(ctx context.Context) ([]string, error) {
	return t.Snapshot(ctx, t.window)
}

// Close releases the Redis connection pool.
func (t *Tracker) Close() error {
	return t.rdb.Close()
}
