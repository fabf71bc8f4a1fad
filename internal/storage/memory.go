package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
)

// memConversation 内存会话状态
// log 保持序号升序且连续，压缩只会移除前缀
type memConversation struct {
	name      string
	convType  model.ConversationType
	lastSeq   int64
	createdAt time.Time
	members   map[string]time.Time
	order     []string
	log       []*model.Message
}

// MemoryStore 基于内存的存储实现
// 与 PostgresStore 遵循相同契约，用于测试与本地运行
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*model.User
	convs map[string]*memConversation
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*model.User),
		convs: make(map[string]*memConversation),
	}
}

// Append 条件追加一条消息
func (s *MemoryStore) Append(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return coreErrors.ErrConversationNotFound
	}
	if msg.Seq != conv.lastSeq+1 {
		return &SeqConflict{
			ConversationID: msg.ConversationID,
			Attempted:      msg.Seq,
			Head:           conv.lastSeq,
		}
	}

	cp := *msg
	conv.log = append(conv.log, &cp)
	conv.lastSeq = msg.Seq
	return nil
}

// ReadRange 按序号升序读取保留的消息
func (s *MemoryStore) ReadRange(_ context.Context, conversationID string, fromSeq int64, limit int) ([]*model.Message, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, coreErrors.ErrConversationNotFound
	}

	var msgs []*model.Message
	for _, m := range conv.log {
		if m.Seq < fromSeq {
			continue
		}
		cp := *m
		msgs = append(msgs, &cp)
		if len(msgs) == limit {
			break
		}
	}

	if len(msgs) > 0 {
		if msgs[0].Seq > fromSeq {
			return msgs, coreErrors.ErrPartialHistory
		}
		return msgs, nil
	}
	if conv.lastSeq >= fromSeq {
		return nil, coreErrors.ErrPartialHistory
	}
	return nil, nil
}

// Head 返回会话当前最大序号
func (s *MemoryStore) Head(_ context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return 0, coreErrors.ErrConversationNotFound
	}
	return conv.lastSeq, nil
}

// Compact 清理序号小于等于 upToSeq 的历史消息
func (s *MemoryStore) Compact(_ context.Context, conversationID string, upToSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return 0, nil
	}

	cut := 0
	for cut < len(conv.log) && conv.log[cut].Seq <= upToSeq {
		cut++
	}
	if cut == 0 {
		return 0, nil
	}
	conv.log = append([]*model.Message(nil), conv.log[cut:]...)
	return int64(cut), nil
}

// CreateUser 注册用户，已存在时返回原有记录
func (s *MemoryStore) CreateUser(_ context.Context, user *model.User) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok {
		cp := *existing
		return &cp, nil
	}

	cp := *user
	s.users[user.ID] = &cp
	out := cp
	return &out, nil
}

// GetUser 查询用户
func (s *MemoryStore) GetUser(_ context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, coreErrors.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// UserConversations 返回用户所在的会话 ID 列表（按加入时间倒序）
func (s *MemoryStore) UserConversations(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type membership struct {
		convID   string
		joinedAt time.Time
	}

	var joined []membership
	for id, conv := range s.convs {
		if at, ok := conv.members[userID]; ok {
			joined = append(joined, membership{convID: id, joinedAt: at})
		}
	}
	sort.Slice(joined, func(i, j int) bool {
		if joined[i].joinedAt.Equal(joined[j].joinedAt) {
			return joined[i].convID < joined[j].convID
		}
		return joined[i].joinedAt.After(joined[j].joinedAt)
	})

	ids := make([]string, 0, len(joined))
	for _, m := range joined {
		ids = append(ids, m.convID)
	}
	return ids, nil
}

// CreateConversation 创建会话并登记初始成员
func (s *MemoryStore) CreateConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conv.ID]; ok {
		return coreErrors.ErrConversationExists
	}
	for _, userID := range conv.Members {
		if _, ok := s.users[userID]; !ok {
			return coreErrors.ErrUserNotFound
		}
	}

	mc := &memConversation{
		name:      conv.Name,
		convType:  conv.Type,
		createdAt: conv.CreatedAt,
		members:   make(map[string]time.Time),
	}
	now := time.Now()
	for _, userID := range conv.Members {
		if _, ok := mc.members[userID]; ok {
			continue
		}
		mc.members[userID] = now
		mc.order = append(mc.order, userID)
	}
	s.convs[conv.ID] = mc
	return nil
}

// GetConversation 查询会话信息（含成员列表）
func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, coreErrors.ErrConversationNotFound
	}

	return &model.Conversation{
		ID:        conversationID,
		Name:      conv.name,
		Type:      conv.convType,
		Members:   append([]string(nil), conv.order...),
		LastSeq:   conv.lastSeq,
		CreatedAt: conv.createdAt,
	}, nil
}

// AddMember 将用户加入会话
func (s *MemoryStore) AddMember(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return coreErrors.ErrConversationNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return coreErrors.ErrUserNotFound
	}
	if _, ok := conv.members[userID]; ok {
		return nil
	}

	conv.members[userID] = time.Now()
	conv.order = append(conv.order, userID)
	return nil
}

// RemoveMember 将用户移出会话，最后一名成员退出时连同历史一并删除
func (s *MemoryStore) RemoveMember(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return false, coreErrors.ErrNotMember
	}
	if _, ok := conv.members[userID]; !ok {
		return false, coreErrors.ErrNotMember
	}

	delete(conv.members, userID)
	for i, id := range conv.order {
		if id == userID {
			conv.order = append(conv.order[:i], conv.order[i+1:]...)
			break
		}
	}

	if len(conv.members) == 0 {
		delete(s.convs, conversationID)
		return true, nil
	}
	return false, nil
}

// IsMember 检查用户是否为会话成员
func (s *MemoryStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return false, nil
	}
	_, ok = conv.members[userID]
	return ok, nil
}
