package broker

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
)

// Deliverer 本地投递端点，由会话注册表实现
// Deliver 必须是非阻塞的：慢接收方的背压在会话队列处理，不允许传导回总线回调。
type Deliverer interface {
	// Deliver 将消息投递给本实例上该会话的订阅者，返回实际投递的会话数
	Deliver(conversationID string, msg *model.Message) int
	// MarkAllDegraded 总线断连时调用，所有在线会话转入降级态
	MarkAllDegraded(reason error)
	// RecoverAll 总线恢复后调用，触发降级会话从存储补齐缺口
	RecoverAll()
}

// convSub 单个会话主题的订阅与引用计数
type convSub struct {
	sub  *nats.Subscription
	refs int
}

// ConversationSubscriber 会话主题订阅器
// 每个存在本地订阅者的会话持有一个总线订阅，按引用计数创建和释放。
// 断线后 nats.go 会自动恢复保留中的订阅，这里只负责降级与恢复的联动。
type ConversationSubscriber struct {
	nc        *nats.Conn
	deliverer Deliverer
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]*convSub
}

// NewConversationSubscriber 创建会话订阅器
func NewConversationSubscriber(nc *nats.Conn) *ConversationSubscriber {
	return &ConversationSubscriber{
		nc:     nc,
		logger: slog.Default(),
		subs:   make(map[string]*convSub),
	}
}

// Start 绑定投递端点并接管连接状态事件
// 此后断连和重连会联动会话注册表的降级与恢复
func (s *ConversationSubscriber) Start(deliverer Deliverer) {
	s.deliverer = deliverer

	s.nc.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		s.logger.Warn("Disconnected from NATS, marking sessions degraded", "error", err)
		deliverer.MarkAllDegraded(err)
	})
	s.nc.SetReconnectHandler(func(nc *nats.Conn) {
		s.logger.Info("Reconnected to NATS, recovering sessions", "url", nc.ConnectedUrl())
		deliverer.RecoverAll()
	})

	s.logger.Info("Conversation subscriber started")
}

// EnsureSubscription 确保会话主题已订阅
// 首个本地订阅者触发创建，后续只增加引用计数
func (s *ConversationSubscriber) EnsureSubscription(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs, ok := s.subs[conversationID]; ok {
		cs.refs++
		return nil
	}

	sub, err := s.nc.Subscribe(BuildConversationSubject(conversationID), s.handleMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe conversation topic",
			"conversationId", conversationID,
			"error", err)
		return coreErrors.ErrBrokerUnavailable.Wrap(err)
	}

	s.subs[conversationID] = &convSub{sub: sub, refs: 1}
	s.logger.Info("Conversation subscription created", "conversationId", conversationID)
	return nil
}

// ReleaseSubscription 释放一个订阅引用
// 最后一个本地订阅者离开时退订并删除
func (s *ConversationSubscriber) ReleaseSubscription(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.subs[conversationID]
	if !ok {
		return
	}

	cs.refs--
	if cs.refs > 0 {
		return
	}

	if err := cs.sub.Unsubscribe(); err != nil {
		s.logger.Error("Failed to unsubscribe conversation topic",
			"conversationId", conversationID,
			"error", err)
	}
	delete(s.subs, conversationID)
	s.logger.Info("Conversation subscription released", "conversationId", conversationID)
}

// handleMessage 总线消息回调
func (s *ConversationSubscriber) handleMessage(m *nats.Msg) {
	var msg model.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		s.logger.Error("Failed to unmarshal broker message",
			"subject", m.Subject,
			"error", err)
		return
	}

	delivered := s.deliverer.Deliver(msg.ConversationID, &msg)
	s.logger.Debug("Dispatched broker message",
		"conversationId", msg.ConversationID,
		"seq", msg.Seq,
		"sessions", delivered)
}

// ActiveSubscriptions 当前持有的会话订阅数（用于监控）
func (s *ConversationSubscriber) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Stop 退订全部会话主题
func (s *ConversationSubscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conversationID, cs := range s.subs {
		if err := cs.sub.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe conversation topic",
				"conversationId", conversationID,
				"error", err)
		}
		delete(s.subs, conversationID)
	}

	s.logger.Info("Conversation subscriber stopped")
}
