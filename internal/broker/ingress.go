package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
	"sudooom.chat.core/internal/proto"
	"sudooom.chat.core/internal/workerpool"
)

// CoreAPI 入口依赖的核心操作，由消息路由器实现
type CoreAPI interface {
	Submit(ctx context.Context, conversationID, senderID string, payload []byte) (*model.Message, error)
	History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]*model.Message, bool, error)
	RegisterUser(ctx context.Context, userID, name string) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	UserConversations(ctx context.Context, userID string) ([]string, error)
	CreateConversation(ctx context.Context, creatorID, name string, convType model.ConversationType, memberIDs []string) (*model.Conversation, error)
	ConversationInfo(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	JoinConversation(ctx context.Context, inviterID, userID, conversationID string) error
	LeaveConversation(ctx context.Context, userID, conversationID string) error
}

// IngressConfig 入口配置
type IngressConfig struct {
	RequestTimeout time.Duration // 单个请求的处理超时
}

// Ingress 接入层请求入口
// 以队列组订阅 RPC 主题：接入节点将已认证的请求发到总线，
// 同组多个核心实例间负载均衡。处理跑在共享工作池上，池满即快速拒绝。
type Ingress struct {
	nc     *nats.Conn
	api    CoreAPI
	pool   *workerpool.Pool
	logger *slog.Logger
	config IngressConfig
	subs   []*nats.Subscription
}

// NewIngress 创建请求入口
func NewIngress(nc *nats.Conn, api CoreAPI, pool *workerpool.Pool, cfg IngressConfig) *Ingress {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Ingress{
		nc:     nc,
		api:    api,
		pool:   pool,
		logger: slog.Default(),
		config: cfg,
	}
}

// Start 订阅 RPC 主题
func (i *Ingress) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, *nats.Msg){
		SubjectRPCSubmit:    i.handleSubmit,
		SubjectRPCHistory:   i.handleHistory,
		SubjectRPCDirectory: i.handleDirectory,
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := i.nc.QueueSubscribe(subject, QueueGroupCore, func(m *nats.Msg) {
			ok := i.pool.TrySubmit(func() {
				reqCtx, cancel := context.WithTimeout(ctx, i.config.RequestTimeout)
				defer cancel()
				handler(reqCtx, m)
			})
			if !ok {
				i.logger.Warn("Worker pool saturated, rejecting request", "subject", m.Subject)
				i.respond(m, &proto.SubmitReply{Error: errorBody(coreErrors.ErrTooManyRequests)})
			}
		})
		if err != nil {
			i.Stop()
			return err
		}
		i.subs = append(i.subs, sub)
	}

	i.logger.Info("Ingress started",
		"subjects", []string{SubjectRPCSubmit, SubjectRPCHistory, SubjectRPCDirectory},
		"queueGroup", QueueGroupCore)
	return nil
}

// handleSubmit 处理消息提交
func (i *Ingress) handleSubmit(ctx context.Context, m *nats.Msg) {
	var req proto.SubmitRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		i.logger.Error("Failed to unmarshal submit request", "error", err)
		i.respond(m, &proto.SubmitReply{Error: errorBody(coreErrors.ErrInvalidSubmission.Wrap(err))})
		return
	}

	msg, err := i.api.Submit(ctx, req.ConversationID, req.SenderID, req.Content)
	if err != nil {
		i.respond(m, &proto.SubmitReply{Error: errorBody(err)})
		return
	}
	i.respond(m, &proto.SubmitReply{Message: msg})
}

// handleHistory 处理历史读取
func (i *Ingress) handleHistory(ctx context.Context, m *nats.Msg) {
	var req proto.HistoryRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		i.logger.Error("Failed to unmarshal history request", "error", err)
		i.respond(m, &proto.HistoryReply{Error: errorBody(coreErrors.ErrInvalidSubmission.Wrap(err))})
		return
	}

	msgs, partial, err := i.api.History(ctx, req.UserID, req.ConversationID, req.AfterSeq, req.Limit)
	if err != nil {
		i.respond(m, &proto.HistoryReply{Error: errorBody(err)})
		return
	}
	i.respond(m, &proto.HistoryReply{Messages: msgs, Partial: partial})
}

// handleDirectory 处理目录操作
func (i *Ingress) handleDirectory(ctx context.Context, m *nats.Msg) {
	var req proto.DirectoryRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		i.logger.Error("Failed to unmarshal directory request", "error", err)
		i.respond(m, &proto.DirectoryReply{Error: errorBody(coreErrors.ErrInvalidSubmission.Wrap(err))})
		return
	}

	switch {
	case req.RegisterUser != nil:
		user, err := i.api.RegisterUser(ctx, req.RegisterUser.UserID, req.RegisterUser.Name)
		i.respondDirectory(m, &proto.DirectoryReply{User: user}, err)
	case req.GetUser != nil:
		user, err := i.api.GetUser(ctx, req.GetUser.UserID)
		i.respondDirectory(m, &proto.DirectoryReply{User: user}, err)
	case req.UserConversations != nil:
		ids, err := i.api.UserConversations(ctx, req.UserConversations.UserID)
		i.respondDirectory(m, &proto.DirectoryReply{ConversationIDs: ids}, err)
	case req.CreateConversation != nil:
		r := req.CreateConversation
		conv, err := i.api.CreateConversation(ctx, r.CreatorID, r.Name, r.Type, r.MemberIDs)
		i.respondDirectory(m, &proto.DirectoryReply{Conversation: conv}, err)
	case req.ConversationInfo != nil:
		conv, err := i.api.ConversationInfo(ctx, req.ConversationInfo.UserID, req.ConversationInfo.ConversationID)
		i.respondDirectory(m, &proto.DirectoryReply{Conversation: conv}, err)
	case req.JoinConversation != nil:
		r := req.JoinConversation
		err := i.api.JoinConversation(ctx, r.InviterID, r.UserID, r.ConversationID)
		i.respondDirectory(m, &proto.DirectoryReply{}, err)
	case req.LeaveConversation != nil:
		err := i.api.LeaveConversation(ctx, req.LeaveConversation.UserID, req.LeaveConversation.ConversationID)
		i.respondDirectory(m, &proto.DirectoryReply{}, err)
	default:
		i.respond(m, &proto.DirectoryReply{Error: errorBody(coreErrors.ErrInvalidSubmission)})
	}
}

// respondDirectory 统一目录应答，出错时改写为错误载荷
func (i *Ingress) respondDirectory(m *nats.Msg, reply *proto.DirectoryReply, err error) {
	if err != nil {
		i.respond(m, &proto.DirectoryReply{Error: errorBody(err)})
		return
	}
	i.respond(m, reply)
}

// respond 序列化并回复请求方，无应答主题的请求直接丢弃结果
func (i *Ingress) respond(m *nats.Msg, reply any) {
	if m.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		i.logger.Error("Failed to marshal reply", "subject", m.Subject, "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		i.logger.Error("Failed to respond", "subject", m.Subject, "error", err)
	}
}

// Stop 退订全部 RPC 主题
func (i *Ingress) Stop() {
	for _, sub := range i.subs {
		if err := sub.Unsubscribe(); err != nil {
			i.logger.Error("Failed to unsubscribe", "error", err)
		}
	}
	i.subs = nil
	i.logger.Info("Ingress stopped")
}

// errorBody 将错误映射为 RPC 错误载荷
func errorBody(err error) *proto.ErrorBody {
	return &proto.ErrorBody{
		Code:    coreErrors.GetCode(err),
		Message: coreErrors.GetMessage(err),
	}
}
