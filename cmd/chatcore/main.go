package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sudooom.chat.core/internal/broker"
	"sudooom.chat.core/internal/config"
	"sudooom.chat.core/internal/cursor"
	"sudooom.chat.core/internal/health"
	"sudooom.chat.core/internal/router"
	"sudooom.chat.core/internal/session"
	"sudooom.chat.core/internal/snowflake"
	"sudooom.chat.core/internal/storage"
	"sudooom.chat.core/internal/workerpool"
)

func main() {
	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// 加载配置
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 按配置调整日志级别
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 NATS
	natsClient, err := broker.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 连接 Redis
	redisClient := connectRedis(cfg.Redis)
	defer redisClient.Close()
	logger.Info("Connected to Redis", "host", cfg.Redis.Host)

	// 连接数据库
	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

	// 初始化表结构
	store := storage.NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		logger.Error("Failed to init database schema", "error", err)
		os.Exit(1)
	}

	// 消息 ID 生成器
	node, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	// 共享工作池：历史补偿与入口请求都跑在上面
	pool := workerpool.New(cfg.Session.WorkerCount, cfg.Session.WorkerQueueSize, logger)

	// 组装核心组件
	cursorStore := cursor.NewStore(redisClient)
	publisher := broker.NewMessagePublisher(natsClient.Conn())
	messageRouter := router.New(store, store, publisher, cursorStore, node, cfg.Router)

	subscriber := broker.NewConversationSubscriber(natsClient.Conn())
	registry := session.NewRegistry(subscriber, messageRouter, cursorStore, pool, session.Config{
		QueueCapacity:    cfg.Session.QueueCapacity,
		ResyncTimeout:    cfg.Session.ResyncTimeout,
		ResyncRetryDelay: cfg.Session.ResyncRetryDelay,
	})
	subscriber.Start(registry)

	// 空闲会话兜底清理
	idleChecker := session.NewIdleChecker(registry, cfg.Session.IdleTimeout, cfg.Session.SweepInterval, nil)
	go idleChecker.Start(ctx)

	// 启动请求入口
	ingress := broker.NewIngress(natsClient.Conn(), messageRouter, pool, broker.IngressConfig{
		RequestTimeout: cfg.Ingress.RequestTimeout,
	})
	if err := ingress.Start(ctx); err != nil {
		logger.Error("Failed to start ingress", "error", err)
		os.Exit(1)
	}

	// 启动健康检查 HTTP 服务
	healthChecker := health.NewChecker(natsClient.Conn(), redisClient, db, registry, subscriber)
	go startHealthServer(healthChecker, logger)

	logger.Info("Chat core started",
		"name", cfg.App.Name,
		"nodeId", cfg.App.NodeID)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()
	ingress.Stop()
	subscriber.Stop()
	registry.CloseAll()
	pool.Shutdown()
	logger.Info("Chat core stopped")
}

// parseLogLevel 解析日志级别配置
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startHealthServer 启动健康检查 HTTP 服务
func startHealthServer(healthChecker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if healthChecker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})

	server := &http.Server{
		Addr:    ":8081",
		Handler: mux,
	}

	logger.Info("Health check server started", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
