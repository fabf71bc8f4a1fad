package cursor

import "time"

const (
	// CursorKeyPrefix 投递游标 Key 前缀
	// ZSet，member 为会话 ID，score 为已确认的最大序号
	CursorKeyPrefix = "chat:cursor:"

	// RecentKeyPrefix 最近确认会话 Key 前缀
	// ZSet，member 为会话 ID，score 为最近一次确认的毫秒时间戳
	RecentKeyPrefix = "chat:recent:"

	// CursorTTL 游标保留时长，每次确认刷新
	CursorTTL = 30 * 24 * time.Hour
)

// BuildCursorKey 构建用户游标 Key
// Key: chat:cursor:{userId}
func BuildCursorKey(userID string) string {
	return CursorKeyPrefix + userID
}

// BuildRecentKey 构建用户最近会话 Key
// Key: chat:recent:{userId}
func BuildRecentKey(userID string) string {
	return RecentKeyPrefix + userID
}
