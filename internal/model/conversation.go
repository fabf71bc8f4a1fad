package model

import "time"

// ConversationType 会话类型
type ConversationType int

const (
	ConversationTypePrivate ConversationType = 1 // 单聊（固定两名成员）
	ConversationTypeGroup   ConversationType = 2 // 群聊
)

// Conversation 会话实体
type Conversation struct {
	ID        string           `json:"id" db:"id"`
	Name      string           `json:"name" db:"name"`
	Type      ConversationType `json:"type" db:"conv_type"`
	Members   []string         `json:"members"`
	LastSeq   int64            `json:"lastSeq" db:"last_seq"` // 最新消息序号，0 表示尚无消息
	CreatedAt time.Time        `json:"createdAt" db:"created_at"`
}
