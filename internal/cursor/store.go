package cursor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store 投递游标存储
// 记录每个用户在每个会话中已确认送达的最大序号。
// 游标只是投递起点的提示：丢失后会话会退回到持久化日志重新对齐，
// 所以放在 Redis 而不是主存储里。
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStore 创建游标存储
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
		logger: slog.Default(),
	}
}

// Save 记录确认序号
// ZADD GT 保证游标只前进：并发确认中较小的序号不会回退已保存的值
func (s *Store) Save(ctx context.Context, userID, conversationID string, seq int64) error {
	cursorKey := BuildCursorKey(userID)
	recentKey := BuildRecentKey(userID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddGT(ctx, cursorKey, redis.Z{
			Score:  float64(seq),
			Member: conversationID,
		})
		pipe.Expire(ctx, cursorKey, CursorTTL)
		pipe.ZAdd(ctx, recentKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: conversationID,
		})
		pipe.Expire(ctx, recentKey, CursorTTL)
		return nil
	})
	return err
}

// Load 读取确认序号，没有记录时返回 0
func (s *Store) Load(ctx context.Context, userID, conversationID string) (int64, error) {
	score, err := s.client.ZScore(ctx, BuildCursorKey(userID), conversationID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return int64(score), nil
}

// LoadAll 读取用户全部会话的确认序号
func (s *Store) LoadAll(ctx context.Context, userID string) (map[string]int64, error) {
	entries, err := s.client.ZRangeWithScores(ctx, BuildCursorKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	cursors := make(map[string]int64, len(entries))
	for _, entry := range entries {
		conversationID, ok := entry.Member.(string)
		if !ok {
			continue
		}
		cursors[conversationID] = int64(entry.Score)
	}
	return cursors, nil
}

// Forget 删除某个会话的游标（退出会话时调用）
func (s *Store) Forget(ctx context.Context, userID, conversationID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, BuildCursorKey(userID), conversationID)
		pipe.ZRem(ctx, BuildRecentKey(userID), conversationID)
		return nil
	})
	return err
}

// Recent 返回用户最近有确认动作的会话，按时间倒序
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.client.ZRevRange(ctx, BuildRecentKey(userID), 0, int64(limit-1)).Result()
}
