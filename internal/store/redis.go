// Package store keeps room history and membership in Redis so several
// server instances can share them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

// RedisStore handles Redis operations for room history and presence.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomMessagesKey is the sorted set of a room's messages, scored by creation time.
func roomMessagesKey(room string) string {
	return fmt.Sprintf("room:%s:messages", room)
}

// roomIndexKey maps message id to its encoded form for reply lookups.
func roomIndexKey(room string) string {
	return fmt.Sprintf("room:%s:index", room)
}

func roomMembersKey(room string) string {
	return fmt.Sprintf("room:%s:members", room)
}

// roomStampKey holds the last creation stamp handed out for a room, in
// unix microseconds. It outlives Clear so stamps never go backwards.
func roomStampKey(room string) string {
	return fmt.Sprintf("room:%s:stamp", room)
}

// Takes the largest of the floor, last stamp + 1 and newest stored score + 1.
var nextStampScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local newest = redis.call('ZREVRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if newest[2] then
	local score = tonumber(newest[2])
	if score > last then last = score end
end
local next = tonumber(ARGV[1])
if next <= last then next = last + 1 end
redis.call('SET', KEYS[1], string.format('%d', next))
return next
`)

// NextStamp allocates a creation time for room atomically across every
// instance using this Redis.
func (s *RedisStore) NextStamp(ctx context.Context, room string, floor time.Time) (time.Time, error) {
	keys := []string{roomStampKey(room), roomMessagesKey(room)}
	micros, err := nextStampScript.Run(ctx, s.client, keys, floor.UnixMicro()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("next stamp for %s: %w", room, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

// History

func (s *RedisStore) Append(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, roomMessagesKey(msg.Room), redis.Z{
			Score:  float64(msg.CreatedAt.UnixMicro()),
			Member: string(data),
		})
		pipe.HSet(ctx, roomIndexKey(msg.Room), msg.ID, string(data))
		return nil
	})
	return err
}

// Recent returns the last limit messages of room, oldest first.
func (s *RedisStore) Recent(ctx context.Context, room string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		return []protocol.Message{}, nil
	}
	members, err := s.client.ZRange(ctx, roomMessagesKey(room), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeMessages(members), nil
}

func (s *RedisStore) Get(ctx context.Context, room, id string) (protocol.Message, bool, error) {
	data, err := s.client.HGet(ctx, roomIndexKey(room), id).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.Message{}, false, nil
	}
	if err != nil {
		return protocol.Message{}, false, err
	}

	var msg protocol.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return protocol.Message{}, false, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, true, nil
}

func (s *RedisStore) Clear(ctx context.Context, room string) error {
	return s.client.Del(ctx, roomMessagesKey(room), roomIndexKey(room)).Err()
}

// Trim deletes all but the keep most recent messages of room.
func (s *RedisStore) Trim(ctx context.Context, room string, keep int) (int64, error) {
	key := roomMessagesKey(room)
	stale, err := s.client.ZRange(ctx, key, 0, int64(-keep-1)).Result()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stale))
	for _, m := range decodeMessages(stale) {
		ids = append(ids, m.ID)
	}
	members := make([]interface{}, len(stale))
	for i, m := range stale {
		members[i] = m
	}

	var removed *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, key, members...)
		if len(ids) > 0 {
			pipe.HDel(ctx, roomIndexKey(room), ids...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed.Val(), nil
}

func (s *RedisStore) Count(ctx context.Context, room string) (int, error) {
	n, err := s.client.ZCard(ctx, roomMessagesKey(room)).Result()
	return int(n), err
}

func (s *RedisStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"backend":   "redis",
		"key_count": keys,
	}, nil
}

// Presence

// Join adds connID to the members of room and returns the new count.
func (s *RedisStore) Join(ctx context.Context, room, connID string) (int, error) {
	return s.updateMembers(ctx, room, func(pipe redis.Pipeliner, key string) {
		pipe.SAdd(ctx, key, connID)
	})
}

// Leave removes connID from the members of room and returns the new count.
func (s *RedisStore) Leave(ctx context.Context, room, connID string) (int, error) {
	return s.updateMembers(ctx, room, func(pipe redis.Pipeliner, key string) {
		pipe.SRem(ctx, key, connID)
	})
}

func (s *RedisStore) updateMembers(ctx context.Context, room string, op func(redis.Pipeliner, string)) (int, error) {
	key := roomMembersKey(room)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(pipe, key)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func decodeMessages(members []string) []protocol.Message {
	messages := make([]protocol.Message, 0, len(members))
	for _, m := range members {
		var msg protocol.Message
		if err := json.Unmarshal([]byte(m), &msg); err != nil {
			continue // Skip invalid entries
		}
		messages = append(messages, msg)
	}
	return messages
}
