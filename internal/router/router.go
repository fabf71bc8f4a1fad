package router

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"sudooom.chat.core/internal/config"
	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
	"sudooom.chat.core/internal/session"
	"sudooom.chat.core/internal/snowflake"
	"sudooom.chat.core/internal/storage"
)

// seqLockShards 会话锁分片数
const seqLockShards = 128

// Publisher 实时路径发布接口，由总线发布器实现
type Publisher interface {
	PublishMessage(msg *model.Message) error
}

// CursorStore 投递游标清理接口，由游标存储实现
type CursorStore interface {
	Forget(ctx context.Context, userID, conversationID string) error
}

// Router 消息路由器
// 写路径的唯一入口：校验、成员检查、按会话串行预留序号并条件追加。
// 持久化是投递的唯一裁决：落库成功即提交成功，
// 总线发布只服务实时路径，失败由订阅端从存储补偿。
type Router struct {
	store   storage.Store
	dir     storage.Directory
	pub     Publisher
	cursors CursorStore
	node    *snowflake.Node
	logger  *slog.Logger
	config  config.RouterConfig
	locks   [seqLockShards]sync.Mutex
}

// New 创建消息路由器
func New(store storage.Store, dir storage.Directory, pub Publisher, cursors CursorStore, node *snowflake.Node, cfg config.RouterConfig) *Router {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 64 * 1024
	}
	if cfg.SeqRetryBudget <= 0 {
		cfg.SeqRetryBudget = 3
	}
	if cfg.StorageRetryBudget <= 0 {
		cfg.StorageRetryBudget = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.ResyncBatch <= 0 {
		cfg.ResyncBatch = 100
	}
	return &Router{
		store:   store,
		dir:     dir,
		pub:     pub,
		cursors: cursors,
		node:    node,
		logger:  slog.Default(),
		config:  cfg,
	}
}

// lockFor 返回会话对应的分片锁
// 同会话的本地提交串行化，减少条件追加在存储上的冲突
func (r *Router) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &r.locks[h.Sum32()%seqLockShards]
}

// Submit 提交一条消息
// 1. 校验载荷与发送者资格
// 2. 按会话加锁，读取头序号后条件追加，冲突与瞬时错误在预算内重试
// 3. 落库成功后尽力发布到总线，发布失败不影响提交结果
func (r *Router) Submit(ctx context.Context, conversationID, senderID string, payload []byte) (*model.Message, error) {
	if conversationID == "" || senderID == "" {
		return nil, coreErrors.ErrInvalidSubmission
	}
	if len(payload) > r.config.MaxPayloadBytes {
		return nil, coreErrors.ErrPayloadTooLarge
	}

	if err := r.requireMember(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             int64(r.node.Generate()),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        payload,
		CreatedAt:      time.Now(),
	}

	lock := r.lockFor(conversationID)
	lock.Lock()
	err := r.appendWithRetry(ctx, msg)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	if r.pub != nil {
		if err := r.pub.PublishMessage(msg); err != nil {
			r.logger.Warn("Failed to publish message to broker",
				"conversationId", conversationID,
				"seq", msg.Seq,
				"error", err)
		}
	}

	r.logger.Debug("Message submitted",
		"conversationId", conversationID,
		"seq", msg.Seq,
		"messageId", msg.ID)
	return msg, nil
}

// appendWithRetry 读取头序号后条件追加
// 序号冲突以存储返回的头序号为基准立即重试；
// 瞬时存储错误指数退避后保持原序号重试：结果未知的写若已提交，
// 下一轮会表现为冲突并通过消息 ID 确认归属，同一条消息不会落库两次。
// 两类重试各有独立预算，超出预算统一返回繁忙，由客户端稍后重试。
func (r *Router) appendWithRetry(ctx context.Context, msg *model.Message) error {
	head := int64(-1)
	seqAttempts := 0
	storageAttempts := 0
	ambiguous := false

	for {
		if head < 0 {
			h, err := r.store.Head(ctx, msg.ConversationID)
			if err != nil {
				if coreErrors.Is(err, coreErrors.ErrConversationNotFound) {
					return err
				}
				if storage.IsTransient(err) {
					storageAttempts++
					if storageAttempts > r.config.StorageRetryBudget {
						r.logger.Warn("Storage retry budget exhausted on head read",
							"conversationId", msg.ConversationID,
							"error", err)
						return coreErrors.ErrBusy.Wrap(err)
					}
					if werr := r.backoff(ctx, storageAttempts); werr != nil {
						return coreErrors.ErrStorageUnavailable.Wrap(werr)
					}
					continue
				}
				return coreErrors.ErrStorageFailed.Wrap(err)
			}
			head = h
		}

		if !ambiguous {
			msg.Seq = head + 1
		}
		err := r.store.Append(ctx, msg)
		if err == nil {
			return nil
		}

		var conflict *storage.SeqConflict
		switch {
		case errors.As(err, &conflict):
			if ambiguous {
				owned, oerr := r.ownsSeq(ctx, msg)
				if oerr != nil {
					if !storage.IsTransient(oerr) {
						return coreErrors.ErrStorageFailed.Wrap(oerr)
					}
					storageAttempts++
					if storageAttempts > r.config.StorageRetryBudget {
						r.logger.Warn("Storage retry budget exhausted on ownership check",
							"conversationId", msg.ConversationID,
							"seq", msg.Seq,
							"error", oerr)
						return coreErrors.ErrBusy.Wrap(oerr)
					}
					if werr := r.backoff(ctx, storageAttempts); werr != nil {
						return coreErrors.ErrStorageUnavailable.Wrap(werr)
					}
					continue
				}
				if owned {
					// 上一轮结果未知的写实际已提交
					return nil
				}
				ambiguous = false
			}
			seqAttempts++
			if seqAttempts > r.config.SeqRetryBudget {
				r.logger.Warn("Sequence contention exceeded retry budget",
					"conversationId", msg.ConversationID,
					"attempted", msg.Seq,
					"head", conflict.Head)
				return coreErrors.ErrBusy.Wrap(err)
			}
			head = conflict.Head
		case coreErrors.Is(err, coreErrors.ErrConversationNotFound):
			return err
		case storage.IsTransient(err):
			storageAttempts++
			if storageAttempts > r.config.StorageRetryBudget {
				r.logger.Warn("Storage retry budget exhausted on append",
					"conversationId", msg.ConversationID,
					"seq", msg.Seq,
					"error", err)
				return coreErrors.ErrBusy.Wrap(err)
			}
			if werr := r.backoff(ctx, storageAttempts); werr != nil {
				return coreErrors.ErrStorageUnavailable.Wrap(werr)
			}
			ambiguous = true
		default:
			return coreErrors.ErrStorageFailed.Wrap(err)
		}
	}
}

// ownsSeq 检查已占用该序号的是否就是本条消息
// 条件追加保证每个序号只有一个赢家，ID 相同即本条消息已持久化
func (r *Router) ownsSeq(ctx context.Context, msg *model.Message) (bool, error) {
	msgs, err := r.store.ReadRange(ctx, msg.ConversationID, msg.Seq, 1)
	if err != nil && !coreErrors.Is(err, coreErrors.ErrPartialHistory) {
		return false, err
	}
	return len(msgs) > 0 && msgs[0].Seq == msg.Seq && msgs[0].ID == msg.ID, nil
}

// backoff 第 attempt 次重试前按指数退避等待
func (r *Router) backoff(ctx context.Context, attempt int) error {
	delay := r.config.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// History 读取会话历史
// 返回 afterSeq 之后按序号升序、连续无空洞的消息，最多 limit 条；
// 第二个返回值标记低序号段已被清理导致的截断。
func (r *Router) History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]*model.Message, bool, error) {
	if userID == "" || conversationID == "" {
		return nil, false, coreErrors.ErrInvalidSubmission
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	if err := r.requireMember(ctx, conversationID, userID); err != nil {
		return nil, false, err
	}

	msgs, err := r.store.ReadRange(ctx, conversationID, afterSeq+1, limit)
	if err != nil {
		if coreErrors.Is(err, coreErrors.ErrPartialHistory) {
			return msgs, true, nil
		}
		return nil, false, r.wrapStorage(err)
	}
	return msgs, false, nil
}

// Resync 从持久化日志回放会话错过的消息
// 注册表的补偿入口：起点未定时解析为当前头序号（存量留给拉取历史），
// 否则从已入队水位之后分批回放直到追平。
func (r *Router) Resync(ctx context.Context, sess *session.Session, conversationID string) error {
	start, ok := sess.LastEnqueued(conversationID)
	if !ok {
		return nil
	}

	if start < 0 {
		head, err := r.store.Head(ctx, conversationID)
		if err != nil {
			if coreErrors.Is(err, coreErrors.ErrConversationNotFound) {
				return nil
			}
			return err
		}
		sess.ResolveConv(conversationID, head)
		return nil
	}

	for {
		msgs, err := r.store.ReadRange(ctx, conversationID, start+1, r.config.ResyncBatch)
		partial := false
		if err != nil {
			switch {
			case coreErrors.Is(err, coreErrors.ErrPartialHistory):
				partial = true
			case coreErrors.Is(err, coreErrors.ErrConversationNotFound):
				return nil
			default:
				return err
			}
		}

		if len(msgs) == 0 {
			if partial {
				// 整段已被清理，水位直接推进到当前头序号
				head, herr := r.store.Head(ctx, conversationID)
				if herr != nil {
					if coreErrors.Is(herr, coreErrors.ErrConversationNotFound) {
						return nil
					}
					return herr
				}
				sess.SkipTo(conversationID, head)
			}
			return nil
		}

		for _, msg := range msgs {
			if err := sess.EnqueueHistory(ctx, msg); err != nil {
				if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotSubscribed) {
					return nil
				}
				return err
			}
		}
		start = msgs[len(msgs)-1].Seq

		if len(msgs) < r.config.ResyncBatch {
			return nil
		}
	}
}

// requireMember 校验用户是会话成员，区分非成员与会话不存在
func (r *Router) requireMember(ctx context.Context, conversationID, userID string) error {
	member, err := r.dir.IsMember(ctx, conversationID, userID)
	if err != nil {
		return r.wrapStorage(err)
	}
	if member {
		return nil
	}
	if _, err := r.dir.GetConversation(ctx, conversationID); err != nil {
		return r.wrapStorage(err)
	}
	return coreErrors.ErrNotMember
}

// wrapStorage 统一存储错误出口
// 业务错误原样透传，基础设施错误按瞬时与否分类包装
func (r *Router) wrapStorage(err error) error {
	var appErr *coreErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if storage.IsTransient(err) {
		return coreErrors.ErrStorageUnavailable.Wrap(err)
	}
	return coreErrors.ErrStorageFailed.Wrap(err)
}
