package model

import "time"

// Message 已持久化的消息实体
// Seq 由存储层条件追加分配，在单个会话内严格递增且无空洞。
// 持久化成功后不再变更，JSON 编码即消息总线上的投递格式。
type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	Seq            int64     `json:"seq" db:"seq"`
	SenderID       string    `json:"senderId" db:"sender_id"`
	Content        []byte    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
