// Package redis persists usage records in Redis sorted sets so several
// gateway instances can share one cost ceiling.
//
// Each record is stored once as JSON in a per-workspace sorted set scored by
// its creation time in microseconds, and mirrored into a global set for
// queries that span workspaces. Identical JSON members make retried inserts
// idempotent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

const (
	defaultKeyPrefix = "quillgate:usage"
	pingTimeout      = 5 * time.Second
)

// Store implements domain.UsageStore on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewStore connects to the Redis URL and verifies the connection.
// A positive retention bounds how long records are kept.
func NewStore(ctx context.Context, url string, retention time.Duration) (*Store, error) {
	if url == "" {
		return nil, errors.New("redis url cannot be empty")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	observability.FromContext(ctx).Info("redis usage store connected",
		observability.String("addr", opts.Addr),
		observability.Int("db", opts.DB))

	return NewStoreFromClient(client, defaultKeyPrefix, retention), nil
}

// NewStoreFromClient wraps an existing client under the given key prefix.
func NewStoreFromClient(client *redis.Client, keyPrefix string, retention time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (s *Store) workspaceKey(workspaceID string) string {
	return fmt.Sprintf("%s:ws:%s", s.keyPrefix, workspaceID)
}

func (s *Store) allKey() string {
	return s.keyPrefix + ":all"
}

// score encodes a timestamp in microseconds, which a float64 holds exactly.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Insert adds the record to its workspace set and the global set.
func (s *Store) Insert(ctx context.Context, rec *domain.UsageRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	if rec.ID == "" {
		return errors.New("record id cannot be empty")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	member := redis.Z{Score: score(rec.CreatedAt), Member: string(data)}
	wsKey := s.workspaceKey(rec.Tenant.WorkspaceID)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, wsKey, member)
	pipe.ZAdd(ctx, s.allKey(), member)
	if s.retention > 0 {
		cutoff := strconv.FormatInt(time.Now().Add(-s.retention).UnixMicro(), 10)
		pipe.ZRemRangeByScore(ctx, wsKey, "-inf", "("+cutoff)
		pipe.ZRemRangeByScore(ctx, s.allKey(), "-inf", "("+cutoff)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// SumCost totals a workspace's cost at or after since.
func (s *Store) SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error) {
	records, err := s.rangeByScore(ctx, s.workspaceKey(workspaceID), since, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}

	var total float64
	for _, rec := range records {
		total += rec.Cost
	}

	return domain.RoundCost(total), nil
}

// Query returns matching records, oldest first.
func (s *Store) Query(ctx context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error) {
	key := s.allKey()
	if filter.WorkspaceID != "" {
		key = s.workspaceKey(filter.WorkspaceID)
	}

	records, err := s.rangeByScore(ctx, key, filter.Since, filter.Until)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}

	if filter.UserID == "" {
		return records, nil
	}

	filtered := make([]*domain.UsageRecord, 0, len(records))
	for _, rec := range records {
		if rec.Tenant.UserID == filter.UserID {
			filtered = append(filtered, rec)
		}
	}

	return filtered, nil
}

func (s *Store) rangeByScore(ctx context.Context, key string, since, until time.Time) ([]*domain.UsageRecord, error) {
	minScore, maxScore := "-inf", "+inf"
	if !since.IsZero() {
		minScore = strconv.FormatInt(since.UnixMicro(), 10)
	}
	if !until.IsZero() {
		maxScore = strconv.FormatInt(until.UnixMicro(), 10)
	}

	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: minScore, Max: maxScore}).Result()
	if err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	records := make([]*domain.UsageRecord, 0, len(members))
	for _, member := range members {
		var rec domain.UsageRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			logger.Warn("skipping undecodable usage record",
				observability.String("key", key),
				observability.Error(err))
			continue
		}
		records = append(records, &rec)
	}

	return records, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
