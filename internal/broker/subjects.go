package broker

// NATS Subject 常量定义
const (
	// SubjectConversationPrefix 会话消息主题前缀
	// 完整格式: chat.conv.{conversation_id}，每个会话一个主题
	SubjectConversationPrefix = "chat.conv."

	// SubjectRPCSubmit 消息提交 RPC 主题
	SubjectRPCSubmit = "chat.rpc.submit"

	// SubjectRPCHistory 历史读取 RPC 主题
	SubjectRPCHistory = "chat.rpc.history"

	// SubjectRPCDirectory 用户与会话目录 RPC 主题
	SubjectRPCDirectory = "chat.rpc.directory"

	// QueueGroupCore 核心服务队列组名称（同组实例负载均衡）
	QueueGroupCore = "chat-core"
)

// BuildConversationSubject 构建会话消息主题
func BuildConversationSubject(conversationID string) string {
	return SubjectConversationPrefix + conversationID
}
