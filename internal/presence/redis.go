// Package presence keeps a cross-node directory of who has a document open.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 30 * time.Second

// Member is one user with the document open on some relay node.
type Member struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RedisStore keeps one sorted set per document, scored by the expiry of each
// member, plus a hash of display names. Members that stop refreshing are
// swept lazily on read.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store from a redis URL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "collab:presence:", ttl: ttl, now: time.Now}
}

func (s *RedisStore) roomKey(documentID string) string {
	return s.prefix + "room:" + documentID
}

func (s *RedisStore) namesKey(documentID string) string {
	return s.prefix + "names:" + documentID
}

// Join adds or refreshes a member. Calling it again extends the expiry.
func (s *RedisStore) Join(ctx context.Context, documentID, userID, name string) error {
	expiresAt := s.now().Add(s.ttl)
	tx := s.client.TxPipeline()
	tx.ZAdd(ctx, s.roomKey(documentID), redis.Z{Score: float64(expiresAt.UnixMilli()), Member: userID})
	tx.HSet(ctx, s.namesKey(documentID), userID, name)
	tx.Expire(ctx, s.roomKey(documentID), 2*s.ttl)
	tx.Expire(ctx, s.namesKey(documentID), 2*s.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Leave(ctx context.Context, documentID, userID string) error {
	tx := s.client.TxPipeline()
	tx.ZRem(ctx, s.roomKey(documentID), userID)
	tx.HDel(ctx, s.namesKey(documentID), userID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Members sweeps expired members and returns the live ones sorted by user id.
func (s *RedisStore) Members(ctx context.Context, documentID string) ([]Member, error) {
	now := s.now().UnixMilli()
	keys := []string{s.roomKey(documentID), s.namesKey(documentID)}
	if err := sweepScript.Run(ctx, s.client, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("sweep presence: %w", err)
	}

	alive, err := s.client.ZRangeByScoreWithScores(ctx, s.roomKey(documentID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(alive) == 0 {
		return []Member{}, nil
	}

	ids := make([]string, len(alive))
	for i, z := range alive {
		ids[i], _ = z.Member.(string)
	}
	names, err := s.client.HMGet(ctx, s.namesKey(documentID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence names: %w", err)
	}

	members := make([]Member, len(alive))
	for i, z := range alive {
		name, _ := names[i].(string)
		members[i] = Member{
			UserID:    ids[i],
			Name:      name,
			ExpiresAt: time.UnixMilli(int64(z.Score)).UTC(),
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
