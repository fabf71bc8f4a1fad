package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
	"sudooom.chat.core/internal/workerpool"
)

// TopicControl 总线订阅控制，由会话订阅器实现
// 每次 Ensure/Release 配对计数，由实现方维护引用计数
type TopicControl interface {
	EnsureSubscription(conversationID string) error
	ReleaseSubscription(conversationID string)
}

// Resyncer 存储补偿，由消息路由器实现
// 从会话的已入队水位之后读取持久化日志并回放到会话队列
type Resyncer interface {
	Resync(ctx context.Context, sess *Session, conversationID string) error
}

// AckStore 投递游标持久化，由游标存储实现
type AckStore interface {
	Save(ctx context.Context, userID, conversationID string, seq int64) error
	Load(ctx context.Context, userID, conversationID string) (int64, error)
}

// Config 注册表配置
type Config struct {
	QueueCapacity    int           // 每个会话的出站队列容量
	ResyncTimeout    time.Duration // 单次补偿的超时
	ResyncRetryDelay time.Duration // 补偿失败后的重试间隔
}

// Registry 会话注册表与投递扇出
// 维护 sessionID 到会话、会话 ID 到订阅者集合的双向索引，
// 实时消息按会话 ID 扇出，补偿任务投递到工作池执行。
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	byConv   map[string]map[int64]*Session

	topics   TopicControl
	resyncer Resyncer
	acks     AckStore
	pool     *workerpool.Pool
	logger   *slog.Logger
	config   Config
}

// NewRegistry 创建会话注册表
func NewRegistry(topics TopicControl, resyncer Resyncer, acks AckStore, pool *workerpool.Pool, config Config) *Registry {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 256
	}
	if config.ResyncTimeout <= 0 {
		config.ResyncTimeout = 30 * time.Second
	}
	if config.ResyncRetryDelay <= 0 {
		config.ResyncRetryDelay = 2 * time.Second
	}
	return &Registry{
		sessions: make(map[int64]*Session),
		byConv:   make(map[string]map[int64]*Session),
		topics:   topics,
		resyncer: resyncer,
		acks:     acks,
		pool:     pool,
		logger:   slog.Default(),
		config:   config,
	}
}

// SetResyncer 注入补偿器（路由器在注册表之后构造时使用）
func (r *Registry) SetResyncer(resyncer Resyncer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resyncer = resyncer
}

// Register 创建并登记一个新会话
func (r *Registry) Register(userID string, sink Sink) *Session {
	sess := newSession(userID, sink, r.config.QueueCapacity)

	r.mu.Lock()
	r.sessions[sess.id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	sess.activate()
	r.logger.Info("Session registered",
		"sessionId", sess.id,
		"userId", userID,
		"totalSessions", count)
	return sess
}

// Get 按会话标识查找
func (r *Registry) Get(sessionID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Count 当前会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions 当前全部会话的快照
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Subscribe 订阅会话的实时推送
// afterSeq 是客户端已经拿到的最大序号，负数表示未知，
// 未知时先查投递游标，仍未知则由首次补偿解析起点。
// 登记后立即调度一次补偿，把 afterSeq 之后的存量消息补齐。
// 重复订阅幂等，不会累积总线引用。
func (r *Registry) Subscribe(ctx context.Context, sessionID int64, conversationID string, afterSeq int64) error {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return coreErrors.ErrSessionNotFound
	}
	if sess.State() == StateClosed {
		return coreErrors.ErrSessionClosed
	}

	if afterSeq < 0 && r.acks != nil {
		cursor, err := r.acks.Load(ctx, sess.userID, conversationID)
		if err != nil {
			r.logger.Warn("Failed to load delivery cursor",
				"userId", sess.userID,
				"conversationId", conversationID,
				"error", err)
		} else if cursor > 0 {
			afterSeq = cursor
		}
	}
	if afterSeq < 0 {
		afterSeq = seqUnresolved
	}

	if err := r.topics.EnsureSubscription(conversationID); err != nil {
		return err
	}

	r.mu.Lock()
	if _, live := r.sessions[sessionID]; !live {
		// 并发注销已经完成，退还刚取得的总线引用
		r.mu.Unlock()
		r.topics.ReleaseSubscription(conversationID)
		return coreErrors.ErrSessionClosed
	}
	subs, ok := r.byConv[conversationID]
	if !ok {
		subs = make(map[int64]*Session)
		r.byConv[conversationID] = subs
	}
	if _, dup := subs[sess.id]; dup {
		// 重复订阅只退还多余的总线引用，原订阅状态不动
		r.mu.Unlock()
		r.topics.ReleaseSubscription(conversationID)
		return nil
	}
	subs[sess.id] = sess
	r.mu.Unlock()

	sess.trackConv(conversationID, afterSeq)
	r.scheduleResync(sess, conversationID)

	r.logger.Info("Session subscribed",
		"sessionId", sess.id,
		"userId", sess.userID,
		"conversationId", conversationID,
		"afterSeq", afterSeq)
	return nil
}

// Unsubscribe 取消订阅并释放对应的总线订阅
func (r *Registry) Unsubscribe(sessionID int64, conversationID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		if subs, exists := r.byConv[conversationID]; exists {
			if _, subscribed := subs[sessionID]; subscribed {
				delete(subs, sessionID)
				if len(subs) == 0 {
					delete(r.byConv, conversationID)
				}
			} else {
				ok = false
			}
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.dropConv(conversationID)
	r.topics.ReleaseSubscription(conversationID)
}

// Unregister 注销会话，释放其全部订阅并关闭会话
func (r *Registry) Unregister(sessionID int64) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	convs := sess.Subscriptions()
	for _, conversationID := range convs {
		if subs, exists := r.byConv[conversationID]; exists {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(r.byConv, conversationID)
			}
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	for _, conversationID := range convs {
		r.topics.ReleaseSubscription(conversationID)
	}
	sess.Close()

	r.logger.Info("Session unregistered",
		"sessionId", sessionID,
		"userId", sess.userID,
		"totalSessions", count)
}

// Deliver 把一条实时消息扇出给该会话的全部本地订阅者
// 返回成功入队的会话数；检测到缺口或溢出的会话转入补偿
func (r *Registry) Deliver(conversationID string, msg *model.Message) int {
	r.mu.RLock()
	subs := r.byConv[conversationID]
	targets := make([]*Session, 0, len(subs))
	for _, sess := range subs {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		switch sess.Enqueue(msg) {
		case Enqueued:
			delivered++
		case NeedsResync:
			r.scheduleResync(sess, conversationID)
		}
	}
	return delivered
}

// Ack 记录客户端确认并持久化投递游标
func (r *Registry) Ack(ctx context.Context, sessionID int64, conversationID string, seq int64) error {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return coreErrors.ErrSessionNotFound
	}

	sess.Touch()
	advanced := sess.Ack(conversationID, seq)
	if !advanced || r.acks == nil {
		return nil
	}

	if err := r.acks.Save(ctx, sess.userID, conversationID, sess.Cursor(conversationID)); err != nil {
		r.logger.Warn("Failed to persist delivery cursor",
			"sessionId", sessionID,
			"userId", sess.userID,
			"conversationId", conversationID,
			"error", err)
	}
	return nil
}

// MarkAllDegraded 总线断连时调用：全部会话降级并标记待补偿
func (r *Registry) MarkAllDegraded(reason error) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		sess.degradeAll()
	}
	r.logger.Warn("All sessions degraded",
		"sessions", len(targets),
		"error", reason)
}

// RecoverAll 总线重连后调用：为每个待补偿的订阅调度补偿任务
func (r *Registry) RecoverAll() {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	scheduled := 0
	for _, sess := range targets {
		for _, conversationID := range sess.gappedConvs() {
			r.scheduleResync(sess, conversationID)
			scheduled++
		}
	}
	r.logger.Info("Recovery resync scheduled",
		"sessions", len(targets),
		"resyncs", scheduled)
}

// CloseAll 关闭全部会话（进程退出时调用）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		targets = append(targets, sess)
	}
	r.sessions = make(map[int64]*Session)
	r.byConv = make(map[string]map[int64]*Session)
	r.mu.Unlock()

	for _, sess := range targets {
		sess.Close()
	}
	r.logger.Info("All sessions closed", "sessions", len(targets))
}

// scheduleResync 调度一次补偿，同一会话同一订阅只保留一个在途任务
func (r *Registry) scheduleResync(sess *Session, conversationID string) {
	r.mu.RLock()
	resyncer := r.resyncer
	r.mu.RUnlock()
	if resyncer == nil {
		return
	}
	if !sess.beginResync(conversationID) {
		return
	}

	submitted := r.pool.TrySubmit(func() {
		r.runResync(resyncer, sess, conversationID)
	})
	if !submitted {
		sess.finishResync(conversationID, false)
		r.logger.Warn("Resync deferred, worker pool saturated",
			"sessionId", sess.id,
			"conversationId", conversationID)
		time.AfterFunc(r.config.ResyncRetryDelay, func() {
			r.scheduleResync(sess, conversationID)
		})
	}
}

// runResync 执行补偿：失败则延迟重试，成功且无剩余缺口则恢复实时推送
func (r *Registry) runResync(resyncer Resyncer, sess *Session, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ResyncTimeout)
	defer cancel()

	err := resyncer.Resync(ctx, sess, conversationID)
	sess.finishResync(conversationID, err == nil)

	if err != nil {
		if sess.State() == StateClosed {
			return
		}
		r.logger.Warn("Resync failed, will retry",
			"sessionId", sess.id,
			"conversationId", conversationID,
			"error", err)
		time.AfterFunc(r.config.ResyncRetryDelay, func() {
			r.scheduleResync(sess, conversationID)
		})
		return
	}

	if sess.readyForLive() && sess.activateFromDegraded() {
		r.logger.Info("Session recovered",
			"sessionId", sess.id,
			"userId", sess.userID)
	}
}
