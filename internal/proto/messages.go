package proto

import "sudooom.chat.core/internal/model"

// ============== RPC 通用载荷 ==============

// ErrorBody RPC 错误载荷
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ============== 消息提交 ==============

// SubmitRequest 消息提交请求
// 发送方身份由接入层完成认证，这里视为可信输入
type SubmitRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        []byte `json:"content"`
}

// SubmitReply 消息提交应答
// 成功时携带完整的已持久化消息（含序号），失败时携带错误码
type SubmitReply struct {
	Message *model.Message `json:"message,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// ============== 历史读取 ==============

// HistoryRequest 历史读取请求
// AfterSeq 为客户端游标，返回序号大于该值的消息
type HistoryRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	AfterSeq       int64  `json:"afterSeq"`
	Limit          int    `json:"limit"`
}

// HistoryReply 历史读取应答
// Partial 表示请求区间的更早部分已被清理
type HistoryReply struct {
	Messages []*model.Message `json:"messages,omitempty"`
	Partial  bool             `json:"partial,omitempty"`
	Error    *ErrorBody       `json:"error,omitempty"`
}

// ============== 目录操作 ==============

// DirectoryRequest 目录操作请求封装
type DirectoryRequest struct {
	RegisterUser       *RegisterUserRequest       `json:"registerUser,omitempty"`
	GetUser            *GetUserRequest            `json:"getUser,omitempty"`
	UserConversations  *UserConversationsRequest  `json:"userConversations,omitempty"`
	CreateConversation *CreateConversationRequest `json:"createConversation,omitempty"`
	ConversationInfo   *ConversationInfoRequest   `json:"conversationInfo,omitempty"`
	JoinConversation   *JoinConversationRequest   `json:"joinConversation,omitempty"`
	LeaveConversation  *LeaveConversationRequest  `json:"leaveConversation,omitempty"`
}

// RegisterUserRequest 注册用户（已存在时返回原有记录）
type RegisterUserRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// GetUserRequest 查询用户
type GetUserRequest struct {
	UserID string `json:"userId"`
}

// UserConversationsRequest 查询用户所在会话
type UserConversationsRequest struct {
	UserID string `json:"userId"`
}

// CreateConversationRequest 创建会话
type CreateConversationRequest struct {
	CreatorID string                 `json:"creatorId"`
	Name      string                 `json:"name"`
	Type      model.ConversationType `json:"type"`
	MemberIDs []string               `json:"memberIds"`
}

// ConversationInfoRequest 查询会话信息（仅限成员）
type ConversationInfoRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// JoinConversationRequest 邀请用户加入会话
type JoinConversationRequest struct {
	InviterID      string `json:"inviterId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// LeaveConversationRequest 退出会话
type LeaveConversationRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// DirectoryReply 目录操作应答封装
type DirectoryReply struct {
	User            *model.User         `json:"user,omitempty"`
	Conversation    *model.Conversation `json:"conversation,omitempty"`
	ConversationIDs []string            `json:"conversationIds,omitempty"`
	Error           *ErrorBody          `json:"error,omitempty"`
}
