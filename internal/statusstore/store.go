// Package statusstore shares consolidated traffic reports between instances
// through Redis. Each instance writes one key that expires unless refreshed.
package statusstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"github.com/wudi/checkoutguard/internal/optimizer"
	"go.uber.org/zap"
)

// Store publishes and lists traffic reports.
type Store struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	instance string
	tier     string
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store on an existing client.
func New(client *redis.Client, cfg config.RedisConfig, instance, tier string, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   cfg.KeyPrefix,
		ttl:      cfg.TTL,
		instance: instance,
		tier:     tier,
	}
	if s.ttl <= 0 {
		s.ttl = 2 * time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Named(s.logger, "statusstore")
	return s
}

// NewClient creates a client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Publish writes r under this instance's key, stamping the instance and tier.
func (s *Store) Publish(ctx context.Context, r optimizer.Report) error {
	r.Instance = s.instance
	r.Tier = s.tier
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+s.instance, data, s.ttl).Err(); err != nil {
		return err
	}
	s.logger.Debug("traffic report published", zap.String("instance", s.instance))
	return nil
}

// List returns the live reports of all instances sorted by instance name.
// Entries that fail to decode are skipped.
func (s *Store) List(ctx context.Context) ([]optimizer.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	reports := make([]optimizer.Report, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var r optimizer.Report
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("skipping undecodable traffic report", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Instance < reports[j].Instance })
	return reports, nil
}

// Remove deletes this instance's key, typically on shutdown.
func (s *Store) Remove(ctx context.Context) error {
	return s.client.Del(ctx, s.prefix+s.instance).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
