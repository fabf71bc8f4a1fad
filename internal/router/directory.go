package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
)

// RegisterUser 注册用户，已存在时幂等返回原有记录
func (r *Router) RegisterUser(ctx context.Context, userID, name string) (*model.User, error) {
	if userID == "" {
		return nil, coreErrors.ErrInvalidSubmission
	}
	if name == "" {
		name = userID
	}

	user, err := r.dir.CreateUser(ctx, &model.User{
		ID:        userID,
		Name:      name,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, r.wrapStorage(err)
	}

	r.logger.Info("User registered", "userId", userID)
	return user, nil
}

// GetUser 查询用户
func (r *Router) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, coreErrors.ErrInvalidSubmission
	}

	user, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, r.wrapStorage(err)
	}
	return user, nil
}

// UserConversations 返回用户所在的会话 ID 列表
func (r *Router) UserConversations(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, coreErrors.ErrInvalidSubmission
	}

	// 先确认用户存在，避免把未注册用户当成空列表
	if _, err := r.dir.GetUser(ctx, userID); err != nil {
		return nil, r.wrapStorage(err)
	}

	conversations, err := r.dir.UserConversations(ctx, userID)
	if err != nil {
		return nil, r.wrapStorage(err)
	}
	return conversations, nil
}

// CreateConversation 创建会话
// 创建者自动计入成员并去重；单聊必须恰好两名成员，成员必须已注册
func (r *Router) CreateConversation(ctx context.Context, creatorID, name string, convType model.ConversationType, memberIDs []string) (*model.Conversation, error) {
	if creatorID == "" {
		return nil, coreErrors.ErrInvalidSubmission
	}
	if convType != model.ConversationTypePrivate && convType != model.ConversationTypeGroup {
		return nil, coreErrors.ErrInvalidSubmission
	}

	// 1. 成员去重，创建者始终在列
	members := make([]string, 0, len(memberIDs)+1)
	seen := make(map[string]struct{}, len(memberIDs)+1)
	for _, id := range append([]string{creatorID}, memberIDs...) {
		if id == "" {
			return nil, coreErrors.ErrInvalidMembers
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	// 2. 单聊固定两人
	if convType == model.ConversationTypePrivate && len(members) != 2 {
		return nil, coreErrors.ErrInvalidMembers
	}

	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      convType,
		Members:   members,
		CreatedAt: time.Now(),
	}

	// 3. 落库（成员未注册会被外键校验拒绝）
	if err := r.dir.CreateConversation(ctx, conv); err != nil {
		return nil, r.wrapStorage(err)
	}

	r.logger.Info("Conversation created",
		"conversationId", conv.ID,
		"type", int(convType),
		"members", len(members))
	return conv, nil
}

// ConversationInfo 查询会话信息，仅成员可见
func (r *Router) ConversationInfo(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	if userID == "" || conversationID == "" {
		return nil, coreErrors.ErrInvalidSubmission
	}

	conv, err := r.dir.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, r.wrapStorage(err)
	}
	if !containsMember(conv.Members, userID) {
		return nil, coreErrors.ErrNotMember
	}
	return conv, nil
}

// JoinConversation 邀请用户加入会话
// 邀请人必须是成员，单聊不允许加人
func (r *Router) JoinConversation(ctx context.Context, inviterID, userID, conversationID string) error {
	if inviterID == "" || userID == "" || conversationID == "" {
		return coreErrors.ErrInvalidSubmission
	}

	conv, err := r.dir.GetConversation(ctx, conversationID)
	if err != nil {
		return r.wrapStorage(err)
	}
	if !containsMember(conv.Members, inviterID) {
		return coreErrors.ErrNotMember
	}
	if conv.Type == model.ConversationTypePrivate {
		return coreErrors.ErrInvalidMembers
	}

	if err := r.dir.AddMember(ctx, conversationID, userID); err != nil {
		return r.wrapStorage(err)
	}

	r.logger.Info("Member joined conversation",
		"conversationId", conversationID,
		"userId", userID,
		"inviterId", inviterID)
	return nil
}

// LeaveConversation 用户退出会话
// 最后一名成员退出时会话与全部历史一并删除；投递游标随之清理
func (r *Router) LeaveConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return coreErrors.ErrInvalidSubmission
	}

	if err := r.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}

	deleted, err := r.dir.RemoveMember(ctx, conversationID, userID)
	if err != nil {
		return r.wrapStorage(err)
	}

	if r.cursors != nil {
		if err := r.cursors.Forget(ctx, userID, conversationID); err != nil {
			r.logger.Warn("Failed to clear delivery cursor",
				"userId", userID,
				"conversationId", conversationID,
				"error", err)
		}
	}

	if deleted {
		r.logger.Info("Conversation deleted after last member left",
			"conversationId", conversationID)
	} else {
		r.logger.Info("Member left conversation",
			"conversationId", conversationID,
			"userId", userID)
	}
	return nil
}

// containsMember 成员列表包含判断
func containsMember(members []string, userID string) bool {
	for _, id := range members {
		if id == userID {
			return true
		}
	}
	return false
}
