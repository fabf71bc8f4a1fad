package broker

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.chat.core/internal/model"
)

// MessagePublisher 消息发布器
// 发布是尽力而为的实时推送：失败由调用方记录，绝不回滚已持久化的消息
type MessagePublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewMessagePublisher 创建消息发布器
func NewMessagePublisher(nc *nats.Conn) *MessagePublisher {
	return &MessagePublisher{
		nc:     nc,
		logger: slog.Default(),
	}
}

// PublishMessage 将已持久化的消息发布到所属会话主题
func (p *MessagePublisher) PublishMessage(msg *model.Message) error {
	subject := BuildConversationSubject(msg.ConversationID)
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal message", "error", err)
		return err
	}

	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish message",
			"conversationId", msg.ConversationID,
			"seq", msg.Seq,
			"error", err)
		return err
	}

	p.logger.Debug("Published message",
		"conversationId", msg.ConversationID,
		"seq", msg.Seq,
		"subject", subject)
	return nil
}
