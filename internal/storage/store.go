package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"sudooom.chat.core/internal/model"
)

const (
	// DefaultReadLimit ReadRange 未指定条数时的默认值
	DefaultReadLimit = 100
	// MaxReadLimit 单次 ReadRange 的条数上限
	MaxReadLimit = 1000
)

// Store 消息日志存储
// 序号由条件追加分配：Append 仅在 msg.Seq 恰好等于当前头序号加一时成功，
// 这是系统中唯一推进会话序号的路径。
type Store interface {
	// Append 条件追加一条消息
	// 序号被他人抢占时返回 *SeqConflict（携带存储侧观察到的头序号），
	// 会话不存在时返回 ErrConversationNotFound。
	Append(ctx context.Context, msg *model.Message) error

	// ReadRange 按序号升序读取 [fromSeq, fromSeq+limit) 内保留的消息
	// 返回结果保证序号连续无空洞；当 fromSeq 之前的存量已被清理时，
	// 返回保留部分并以 ErrPartialHistory 标记，由调用方决定是否接受。
	ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*model.Message, error)

	// Head 返回会话当前最大序号，0 表示尚无消息
	Head(ctx context.Context, conversationID string) (int64, error)

	// Compact 清理序号小于等于 upToSeq 的历史消息，返回清理条数
	Compact(ctx context.Context, conversationID string, upToSeq int64) (int64, error)
}

// Directory 会话与用户目录
type Directory interface {
	// CreateUser 注册用户，已存在时返回原有记录
	CreateUser(ctx context.Context, user *model.User) (*model.User, error)

	// GetUser 查询用户
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// UserConversations 返回用户所在的会话 ID 列表
	UserConversations(ctx context.Context, userID string) ([]string, error)

	// CreateConversation 创建会话并登记初始成员
	// 同 ID 会话已存在时返回 ErrConversationExists；成员必须已注册。
	CreateConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation 查询会话信息（含成员列表）
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)

	// AddMember 将用户加入会话
	AddMember(ctx context.Context, conversationID, userID string) error

	// RemoveMember 将用户移出会话
	// 最后一名成员退出时删除会话及其全部历史，返回值标记是否发生了删除。
	RemoveMember(ctx context.Context, conversationID, userID string) (bool, error)

	// IsMember 检查用户是否为会话成员
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// SeqConflict 条件追加冲突
// Head 为存储侧在拒绝时观察到的头序号，调用方应以此为基准重试
type SeqConflict struct {
	ConversationID string
	Attempted      int64
	Head           int64
}

func (e *SeqConflict) Error() string {
	return fmt.Sprintf("sequence conflict on conversation %s: attempted %d, head is %d",
		e.ConversationID, e.Attempted, e.Head)
}

// IsTransient 判断存储错误是否为瞬时错误（可退避重试）
// 超时、连接中断、资源不足与序列化失败视为瞬时；其余视为持久性失败。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 53: insufficient resources
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") {
			return true
		}
		switch pgErr.Code {
		case "40001", "40P01", "57P03":
			// serialization_failure / deadlock_detected / cannot_connect_now
			return true
		}
		return false
	}

	return pgconn.SafeToRetry(err)
}
