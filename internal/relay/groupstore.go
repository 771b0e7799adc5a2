package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GroupStore mirrors group membership and feed metadata into shared storage
// so that a multi-process deployment can address channels on other gateway
// instances. All calls are best-effort from the caller's point of view: a
// store failure is logged, never propagated into the relay path.
type GroupStore interface {
	AddChannel(ctx context.Context, id FeedID, channel string) error
	RemoveChannel(ctx context.Context, id FeedID, channel string) error
	StoreFeedInfo(ctx context.Context, info FeedInfo) error
	SetFeedStatus(ctx context.Context, id FeedID, status Status, message string) error
	RemoveFeedInfo(ctx context.Context, id FeedID) error
	Ping(ctx context.Context) error
}

// NopGroupStore is the GroupStore used when no shared store is configured.
type NopGroupStore struct{}

func (NopGroupStore) AddChannel(context.Context, FeedID, string) error    { return nil }
func (NopGroupStore) RemoveChannel(context.Context, FeedID, string) error { return nil }
func (NopGroupStore) StoreFeedInfo(context.Context, FeedInfo) error       { return nil }
func (NopGroupStore) SetFeedStatus(context.Context, FeedID, Status, string) error {
	return nil
}
func (NopGroupStore) RemoveFeedInfo(context.Context, FeedID) error { return nil }
func (NopGroupStore) Ping(context.Context) error                   { return nil }

// RedisGroupStore keeps group membership sets and feed info hashes in Redis.
type RedisGroupStore struct {
	client *redis.Client
}

// NewRedisGroupStore connects to the Redis instance at addr.
func NewRedisGroupStore(addr string) *RedisGroupStore {
	return &RedisGroupStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func groupKey(id FeedID) string { return "stream_group:" + string(id) }
func infoKey(id FeedID) string  { return "stream:" + string(id) }

// AddChannel implements GroupStore.AddChannel.
func (s *RedisGroupStore) AddChannel(ctx context.Context, id FeedID, channel string) error {
	return s.client.SAdd(ctx, groupKey(id), channel).Err()
}

// RemoveChannel implements GroupStore.RemoveChannel.
func (s *RedisGroupStore) RemoveChannel(ctx context.Context, id FeedID, channel string) error {
	return s.client.SRem(ctx, groupKey(id), channel).Err()
}

// StoreFeedInfo implements GroupStore.StoreFeedInfo.
func (s *RedisGroupStore) StoreFeedInfo(ctx context.Context, info FeedInfo) error {
	return s.client.HSet(ctx, infoKey(info.ID), map[string]any{
		"id":           string(info.ID),
		"url":          info.SourceAddress,
		"title":        info.Title,
		"status":       string(info.Status),
		"created_at":   info.CreatedAt.Format(time.RFC3339Nano),
		"viewer_count": strconv.Itoa(info.ViewerCount),
	}).Err()
}

// SetFeedStatus implements GroupStore.SetFeedStatus.
func (s *RedisGroupStore) SetFeedStatus(ctx context.Context, id FeedID, status Status, message string) error {
	fields := map[string]any{"status": string(status)}
	if message != "" {
		fields["last_message"] = message
	}
	return s.client.HSet(ctx, infoKey(id), fields).Err()
}

// RemoveFeedInfo implements GroupStore.RemoveFeedInfo.
func (s *RedisGroupStore) RemoveFeedInfo(ctx context.Context, id FeedID) error {
	return s.client.Del(ctx, infoKey(id), groupKey(id)).Err()
}

// Ping implements GroupStore.Ping.
func (s *RedisGroupStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
