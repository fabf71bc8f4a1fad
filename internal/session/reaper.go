package session

import (
	"context"
	"log/slog"
	"time"
)

// IdleChecker 空闲会话检测器
// 心跳由接入层负责，这里只兜底：长时间没有任何活动的会话
// 视为泄漏，统一注销并释放其占用的主题订阅。
type IdleChecker struct {
	registry      *Registry
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	onEvict       func(sess *Session) // 注销前回调，接入层可借此关闭底层连接
}

// NewIdleChecker 创建空闲会话检测器
func NewIdleChecker(registry *Registry, timeout, checkInterval time.Duration, onEvict func(sess *Session)) *IdleChecker {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	return &IdleChecker{
		registry:      registry,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        slog.Default(),
		onEvict:       onEvict,
	}
}

// Start 启动空闲检测（阻塞，应在 goroutine 中调用）
func (c *IdleChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	c.logger.Info("Idle session checker started",
		"timeout", c.timeout,
		"checkInterval", c.checkInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Idle session checker stopped")
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep 扫描所有会话，注销超过空闲上限的会话
func (c *IdleChecker) sweep() {
	sessions := c.registry.Sessions()
	now := time.Now()
	evicted := 0

	for _, sess := range sessions {
		lastActive := sess.LastActive()
		if now.Sub(lastActive) <= c.timeout {
			continue
		}
		evicted++
		c.logger.Debug("Session idle timeout",
			"sessionId", sess.ID(),
			"userId", sess.UserID(),
			"lastActive", lastActive)

		if c.onEvict != nil {
			c.onEvict(sess)
		}
		c.registry.Unregister(sess.ID())
	}

	if evicted > 0 {
		c.logger.Info("Idle sweep completed",
			"total", len(sessions),
			"evicted", evicted)
	}
}
