package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foundry-dash/internal/cache"
	"foundry-dash/internal/catalog"
	"foundry-dash/internal/config"
	"foundry-dash/internal/logger"
	"foundry-dash/internal/repository"
	"foundry-dash/internal/service"
	"foundry-dash/internal/storage"
	"foundry-dash/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "foundry-dash")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting foundry-dash service",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("telemetry_endpoint", cfg.Telemetry.Endpoint),
		zap.String("telemetry_transport", cfg.Telemetry.Transport),
	)

	// 打开数据库并应用结构
	db, err := storage.Open(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}
	defer storage.Close(db)

	if err := storage.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// 看板存储
	boards := repository.NewBoardRepository(db, zapLogger)
	tabs := repository.NewTabRepository(db, zapLogger)
	widgets := repository.NewWidgetRepository(db, zapLogger)
	settings := repository.NewSettingsRepository(db, zapLogger)
	boardStore := service.NewBoardStore(boards, tabs, widgets, settings, zapLogger)

	// 旧版扁平布局迁移：失败记日志，不阻塞启动
	if err := boardStore.MigrateFromLegacyFormat(cfg.Migration.LegacyLayoutPath); err != nil {
		zapLogger.Error("Legacy layout migration failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 最新值缓存：Redis 不可用时降级运行，看板只是少了"最近已知值"
	var latestCache *cache.LatestValueCache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("Redis unavailable, latest-value cache disabled", zap.Error(err))
	} else {
		latestCache = cache.NewLatestValueCache(
			redisClient,
			cfg.Cache.KeyPrefix,
			time.Duration(cfg.Cache.LatestTTL)*time.Second,
			zapLogger,
		)
	}
	defer redisClient.Close()

	// 目录服务客户端（仅标签解析，不影响核心正确性）
	catalogClient := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, zapLogger)
	if machines, err := catalogClient.Machines(ctx); err != nil {
		zapLogger.Warn("Catalog service unavailable", zap.Error(err))
	} else {
		zapLogger.Info("Catalog resolved", zap.Int("machines", len(machines)))
	}

	// 遥测客户端
	var transport telemetry.Transport
	switch cfg.Telemetry.Transport {
	case "mqtt":
		transport = &telemetry.MQTTTransport{
			InboundTopic: cfg.Telemetry.MQTTInboundTopic,
			ControlTopic: cfg.Telemetry.MQTTControlTopic,
			QoS:          1,
		}
	default:
		transport = &telemetry.WebSocketTransport{
			HandshakeTimeout: cfg.Telemetry.HandshakeTimeout,
		}
	}

	client := telemetry.NewClient(transport, telemetry.Options{
		HandshakeTimeout:     cfg.Telemetry.HandshakeTimeout,
		ReconnectBaseDelay:   cfg.Telemetry.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Telemetry.MaxReconnectAttempts,
	}, zapLogger)

	client.OnConnectionChange(func(state telemetry.ConnectionState) {
		zapLogger.Info("Telemetry connection state changed", zap.Stringer("state", state))
	})

	if latestCache != nil {
		client.Subscribe(telemetry.Wildcard, latestCache.Feed())
	}

	// 初次连接失败不致命：由调用方（操作员界面）显式重试
	if err := client.Connect(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.Token); err != nil {
		zapLogger.Warn("Initial telemetry connect failed", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	client.Disconnect()

	zapLogger.Info("Service stopped")
}
