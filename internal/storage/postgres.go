package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	coreErrors "sudooom.chat.core/internal/errors"
	"sudooom.chat.core/internal/model"
)

// 建表语句按依赖顺序执行
// conversations.last_seq 是条件追加的判定列；messages 主键即 (会话, 序号)，
// 范围读取直接走主键索引。
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		conv_type  SMALLINT NOT NULL,
		last_seq   BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL REFERENCES users (id),
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
		seq             BIGINT NOT NULL,
		id              BIGINT NOT NULL,
		sender_id       TEXT NOT NULL,
		content         BYTEA NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	)`,
}

// PostgresStore 基于 Postgres 的消息日志与目录实现
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 创建 Postgres 存储
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default(),
	}
}

// InitSchema 初始化表结构（幂等）
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	s.logger.Info("Storage schema initialized")
	return nil
}

// Append 条件追加一条消息
// UPDATE 语句对会话行加锁，多实例并发追加在此被串行化；
// 头序号不等于 msg.Seq-1 时更新不到任何行，即发生冲突。
func (s *PostgresStore) Append(ctx context.Context, msg *model.Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	advance := `UPDATE conversations SET last_seq = $2 WHERE id = $1 AND last_seq = $2 - 1`

	tag, err := tx.Exec(ctx, advance, msg.ConversationID, msg.Seq)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		// 区分冲突与会话缺失，冲突时带回当前头序号
		var head int64
		err := tx.QueryRow(ctx,
			`SELECT last_seq FROM conversations WHERE id = $1`,
			msg.ConversationID,
		).Scan(&head)
		if errors.Is(err, pgx.ErrNoRows) {
			return coreErrors.ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		return &SeqConflict{
			ConversationID: msg.ConversationID,
			Attempted:      msg.Seq,
			Head:           head,
		}
	}

	insert := `
		INSERT INTO messages (conversation_id, seq, id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	content := msg.Content
	if content == nil {
		// content 列非空，nil 载荷落成空字节串
		content = []byte{}
	}
	if _, err := tx.Exec(ctx, insert,
		msg.ConversationID,
		msg.Seq,
		msg.ID,
		msg.SenderID,
		content,
		msg.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReadRange 按序号升序读取保留的消息
func (s *PostgresStore) ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*model.Message, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}

	query := `
		SELECT id, conversation_id, seq, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, conversationID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&msg.SenderID,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		if msgs[0].Seq > fromSeq {
			// 请求起点之前的存量已被清理
			return msgs, coreErrors.ErrPartialHistory
		}
		return msgs, nil
	}

	head, err := s.Head(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if head >= fromSeq {
		// 请求区间整体已被清理
		return nil, coreErrors.ErrPartialHistory
	}
	return nil, nil
}

// Head 返回会话当前最大序号
func (s *PostgresStore) Head(ctx context.Context, conversationID string) (int64, error) {
	var head int64
	err := s.db.QueryRow(ctx,
		`SELECT last_seq FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, coreErrors.ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}
	return head, nil
}

// Compact 清理序号小于等于 upToSeq 的历史消息
func (s *PostgresStore) Compact(ctx context.Context, conversationID string, upToSeq int64) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id = $1 AND seq <= $2`,
		conversationID, upToSeq,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateUser 注册用户，已存在时返回原有记录
func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	query := `
		INSERT INTO users (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := s.db.Exec(ctx, query, user.ID, user.Name, user.CreatedAt); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, user.ID)
}

// GetUser 查询用户
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreErrors.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserConversations 返回用户所在的会话 ID 列表
func (s *PostgresStore) UserConversations(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT conversation_id FROM conversation_members
		WHERE user_id = $1
		ORDER BY joined_at DESC
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateConversation 创建会话并登记初始成员
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO conversations (id, name, conv_type, last_seq, created_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := tx.Exec(ctx, insert, conv.ID, conv.Name, conv.Type, conv.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return coreErrors.ErrConversationExists
	}

	member := `
		INSERT INTO conversation_members (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	for _, userID := range conv.Members {
		if _, err := tx.Exec(ctx, member, conv.ID, userID); err != nil {
			return translateMemberError(err)
		}
	}

	return tx.Commit(ctx)
}

// GetConversation 查询会话信息（含成员列表）
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.QueryRow(ctx,
		`SELECT id, name, conv_type, last_seq, created_at FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.Name, &conv.Type, &conv.LastSeq, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreErrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at ASC, user_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		conv.Members = append(conv.Members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &conv, nil
}

// AddMember 将用户加入会话
func (s *PostgresStore) AddMember(ctx context.Context, conversationID, userID string) error {
	query := `
		INSERT INTO conversation_members (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`

	if _, err := s.db.Exec(ctx, query, conversationID, userID); err != nil {
		return translateMemberError(err)
	}
	return nil
}

// RemoveMember 将用户移出会话，最后一名成员退出时连同历史一并删除
func (s *PostgresStore) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, coreErrors.ErrNotMember
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_members WHERE conversation_id = $1`,
		conversationID,
	).Scan(&remaining); err != nil {
		return false, err
	}

	deleted := false
	if remaining == 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM conversations WHERE id = $1`,
			conversationID,
		); err != nil {
			return false, err
		}
		deleted = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return deleted, nil
}

// IsMember 检查用户是否为会话成员
func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2 LIMIT 1`,
		conversationID, userID,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// translateMemberError 将成员表的外键错误映射为业务错误
func translateMemberError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		if strings.Contains(pgErr.ConstraintName, "user_id") {
			return coreErrors.ErrUserNotFound.Wrap(err)
		}
		return coreErrors.ErrConversationNotFound.Wrap(err)
	}
	return err
}
