package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sudooom.chat.core/internal/model"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrNotSubscribed = errors.New("session not subscribed to conversation")
)

var sessionIDCounter int64

// seqUnresolved 订阅起点尚未确定，等待首次补偿解析
const seqUnresolved int64 = -1

// State 会话连接状态
type State int32

const (
	StateConnecting State = iota // 已创建，尚未激活
	StateActive                  // 正常接收实时推送
	StateDegraded                // 丢失过实时消息，等待存储补偿
	StateClosed                  // 已关闭，终态
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EnqueueStatus 实时投递结果
type EnqueueStatus int

const (
	Enqueued    EnqueueStatus = iota // 已入队
	Duplicate                        // 序号不大于已入队水位，重复消息
	Dropped                          // 状态不符或未订阅，丢弃
	NeedsResync                      // 检测到缺口或队列溢出，需要存储补偿
)

// Sink 出站通道，由接入层实现（把消息写回客户端连接）
type Sink interface {
	Push(msg *model.Message) error
}

// convState 会话内单个订阅会话的投递状态
// lastEnqueued 是唯一的入队门闩：实时路径只接受恰好连续的下一条，
// 任何缺口都会被标记并交由存储补偿恢复。
type convState struct {
	lastEnqueued int64 // 已入队的最大序号，seqUnresolved 表示起点未定
	cursor       int64 // 客户端已确认的最大序号
	syncing      bool  // 正在补偿，避免重复调度
	gapped       bool  // 检测到缺口，待补偿
}

// Session 一个客户端的投递会话
// 出站队列有界，投递路径永不阻塞：队列满即丢弃并转入降级态，
// 缺口之后由存储补偿，持久化日志是唯一的恢复依据。
type Session struct {
	id         int64
	userID     string
	state      atomic.Int32
	sink       Sink
	logger     *slog.Logger
	out        chan *model.Message
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64

	mu      sync.Mutex
	convs   map[string]*convState
	dropped int64
}

// newSession 创建会话并启动出站泵
func newSession(userID string, sink Sink, queueCapacity int) *Session {
	id := atomic.AddInt64(&sessionIDCounter, 1)
	s := &Session{
		id:         id,
		userID:     userID,
		sink:       sink,
		logger:     slog.Default(),
		out:        make(chan *model.Message, queueCapacity),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
		convs:      make(map[string]*convState),
	}
	s.state.Store(int32(StateConnecting))
	s.lastActive.Store(time.Now().UnixMilli())
	go s.pumpLoop()
	return s
}

// ID 会话标识
func (s *Session) ID() int64 {
	return s.id
}

// UserID 所属用户
func (s *Session) UserID() string {
	return s.userID
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Touch 更新活跃时间（客户端任何上行动作都应调用）
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixMilli())
}

// LastActive 最近活跃时间
func (s *Session) LastActive() time.Time {
	return time.UnixMilli(s.lastActive.Load())
}

// QueueDepth 出站队列当前深度（用于监控）
func (s *Session) QueueDepth() int {
	return len(s.out)
}

// DroppedCount 实时路径丢弃的消息数（用于监控）
func (s *Session) DroppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Enqueue 实时路径入队
// 只有 Active 会话真正入队；每个会话内只接受恰好连续的下一个序号，
// 重复消息丢弃，缺口与队列溢出都转为 NeedsResync 并进入降级态。
// 降级窗口内到达的新消息不入队，记入所属会话的缺口，由补偿从存储追回。
func (s *Session) Enqueue(msg *model.Message) EnqueueStatus {
	state := s.State()
	if state != StateActive && state != StateDegraded {
		return Dropped
	}

	s.mu.Lock()
	cs, ok := s.convs[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return Dropped
	}

	if cs.lastEnqueued == seqUnresolved {
		// 起点未定，实时消息先丢弃，首次补偿会解析起点并补齐
		s.dropped++
		s.mu.Unlock()
		return NeedsResync
	}
	if msg.Seq <= cs.lastEnqueued {
		s.mu.Unlock()
		return Duplicate
	}
	if state == StateDegraded {
		// 降级期间不走实时入队，新消息一律记缺口等补偿
		cs.gapped = true
		s.dropped++
		s.mu.Unlock()
		return NeedsResync
	}
	if msg.Seq > cs.lastEnqueued+1 {
		// 实时路径出现缺口，转入降级等待补偿
		cs.gapped = true
		s.dropped++
		s.mu.Unlock()
		s.markDegraded("sequence gap")
		return NeedsResync
	}

	select {
	case s.out <- msg:
		cs.lastEnqueued = msg.Seq
		s.mu.Unlock()
		return Enqueued
	default:
		// 队列溢出：丢弃并降级，绝不阻塞投递路径
		cs.gapped = true
		s.dropped++
		s.mu.Unlock()
		s.markDegraded("queue overflow")
		return NeedsResync
	}
}

// EnqueueHistory 补偿路径入队
// 与实时路径共用同一个门闩，已入队的序号直接跳过；
// 队列满时带退避等待，受 ctx 与会话关闭约束。
func (s *Session) EnqueueHistory(ctx context.Context, msg *model.Message) error {
	for {
		if s.State() == StateClosed {
			return ErrClosed
		}

		s.mu.Lock()
		cs, ok := s.convs[msg.ConversationID]
		if !ok {
			s.mu.Unlock()
			return ErrNotSubscribed
		}
		if cs.lastEnqueued != seqUnresolved && msg.Seq <= cs.lastEnqueued {
			s.mu.Unlock()
			return nil
		}

		select {
		case s.out <- msg:
			cs.lastEnqueued = msg.Seq
			s.mu.Unlock()
			return nil
		default:
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeChan:
			return ErrClosed
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Ack 客户端确认序号，推进投递游标
// 游标只前进，且不超过已入队水位；返回是否发生了推进
func (s *Session) Ack(conversationID string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return false
	}
	if cs.lastEnqueued != seqUnresolved && seq > cs.lastEnqueued {
		seq = cs.lastEnqueued
	}
	if seq <= cs.cursor {
		return false
	}
	cs.cursor = seq
	return true
}

// Cursor 当前投递游标
func (s *Session) Cursor(conversationID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	return cs.cursor
}

// LastEnqueued 已入队水位，ok 为 false 表示未订阅该会话
func (s *Session) LastEnqueued(conversationID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return 0, false
	}
	return cs.lastEnqueued, true
}

// ResolveConv 解析未定起点（只允许从未定状态设置一次）
func (s *Session) ResolveConv(conversationID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return
	}
	if cs.lastEnqueued == seqUnresolved {
		cs.lastEnqueued = seq
	}
}

// SkipTo 将入队水位直接推进到 seq
// 低序号段已被存储清理时由补偿调用，跳过不再存在的区间
func (s *Session) SkipTo(conversationID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return
	}
	if seq > cs.lastEnqueued {
		cs.lastEnqueued = seq
	}
}

// Subscriptions 当前订阅的会话列表
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	return out
}

// Close 关闭会话（终态，幂等）
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closeChan)
	})
}

// trackConv 登记订阅，afterSeq 为入队起点（已送达给客户端的最大序号）
func (s *Session) trackConv(conversationID string, afterSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; ok {
		return
	}
	cs := &convState{lastEnqueued: afterSeq, gapped: true}
	if afterSeq > 0 {
		cs.cursor = afterSeq
	}
	s.convs[conversationID] = cs
}

// dropConv 移除订阅
func (s *Session) dropConv(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
}

// gappedConvs 返回待补偿的会话列表
func (s *Session) gappedConvs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, cs := range s.convs {
		if cs.gapped && !cs.syncing {
			out = append(out, id)
		}
	}
	return out
}

// beginResync 标记补偿开始，同一会话同时只允许一次补偿
func (s *Session) beginResync(conversationID string) bool {
	if s.State() == StateClosed {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[conversationID]
	if !ok || cs.syncing {
		return false
	}
	cs.syncing = true
	return true
}

// finishResync 标记补偿结束，成功时清除缺口标记
func (s *Session) finishResync(conversationID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, exists := s.convs[conversationID]
	if !exists {
		return
	}
	cs.syncing = false
	if ok {
		cs.gapped = false
	}
}

// readyForLive 全部订阅都无缺口且不在补偿中
func (s *Session) readyForLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cs := range s.convs {
		if cs.gapped || cs.syncing {
			return false
		}
	}
	return true
}

// activate 初次激活
func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// activateFromDegraded 补偿完成后恢复实时推送
func (s *Session) activateFromDegraded() bool {
	return s.state.CompareAndSwap(int32(StateDegraded), int32(StateActive))
}

// markDegraded 转入降级态
func (s *Session) markDegraded(reason string) {
	if s.state.CompareAndSwap(int32(StateActive), int32(StateDegraded)) {
		s.logger.Warn("Session degraded",
			"sessionId", s.id,
			"userId", s.userID,
			"reason", reason)
	}
}

// degradeAll 总线断连时调用：降级并将全部订阅标记为待补偿
func (s *Session) degradeAll() {
	s.state.CompareAndSwap(int32(StateActive), int32(StateDegraded))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.convs {
		cs.gapped = true
	}
}

// pumpLoop 出站泵：顺序写出队列中的消息，保证会话内 FIFO
func (s *Session) pumpLoop() {
	for {
		select {
		case msg := <-s.out:
			if err := s.sink.Push(msg); err != nil {
				s.logger.Warn("Sink push failed, closing session",
					"sessionId", s.id,
					"userId", s.userID,
					"error", err)
				s.Close()
				return
			}
		case <-s.closeChan:
			return
		}
	}
}
