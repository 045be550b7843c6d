package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/gaspareduard/PlateifyAPP/internal/config"
	"github.com/gaspareduard/PlateifyAPP/internal/conversation"
	"github.com/gaspareduard/PlateifyAPP/internal/discovery"
	"github.com/gaspareduard/PlateifyAPP/internal/health"
	"github.com/gaspareduard/PlateifyAPP/internal/hub"
	plateNats "github.com/gaspareduard/PlateifyAPP/internal/nats"
	"github.com/gaspareduard/PlateifyAPP/internal/relationship"
	"github.com/gaspareduard/PlateifyAPP/internal/search"
	"github.com/gaspareduard/PlateifyAPP/internal/server"
	"github.com/gaspareduard/PlateifyAPP/internal/session"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// services 进程内的领域服务，由上层接入层按调用者使用
type services struct {
	hub           *hub.Hub
	relationships *relationship.Engine
	conversations *conversation.Manager
	discovery     *discovery.Feed
	locations     *discovery.LocationService
	search        *search.Service
	sessions      *session.Verifier
}

func main() {
	configPath := "configs/config.yaml"
	if p := os.Getenv("PLATEIFY_CONFIG"); p != "" {
		configPath = p
	}

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker()

	gateway, closeStore, err := openStore(ctx, cfg, checker)
	if err != nil {
		logger.Error("Failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("Store ready", "driver", cfg.Store.Driver)

	// 发现页身份缓存
	var source discovery.Source = discovery.NewStoreSource(gateway)
	var invalidator discovery.Invalidator
	if cfg.Redis.Host != "" {
		redisClient := connectRedis(cfg.Redis)
		defer redisClient.Close()
		checker.Add("redis", health.Redis(redisClient))
		cached := discovery.NewCachedSource(source, discovery.NewRedisAdapter(redisClient), cfg.Discovery.CacheTTL)
		source, invalidator = cached, cached
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h := hub.New(gateway, hub.NewMetrics(registry))
	svc := &services{
		hub:           h,
		relationships: relationship.NewEngine(gateway, h),
		conversations: conversation.NewManager(gateway, h),
		discovery:     discovery.NewFeed(discovery.NewRanker(source, cfg.Discovery.PageLimit)),
		locations:     discovery.NewLocationService(gateway, invalidator),
		search:        search.NewService(gateway, cfg.Search.HistoryLimit),
		sessions:      session.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer),
	}

	// 启动运维 HTTP 服务
	ops := server.New(cfg.Server.Addr, server.NewRouter(checker, registry, &server.API{
		Verifier: svc.sessions,
		Stats:    svc.search,
	}))
	go func() {
		if err := ops.Start(); err != nil {
			cancel()
		}
	}()

	logger.Info("Plateify core started", "name", cfg.App.Name)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown failed", "error", err)
	}
	svc.relationships.StopListening()
	svc.conversations.StopListening()
	svc.hub.Close()
	cancel()
	logger.Info("Plateify core stopped")
}

// openStore 按配置选择存储后端，返回的 close 释放全部相关连接
func openStore(ctx context.Context, cfg *config.Config, checker *health.Checker) (store.Gateway, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Database.Migrate {
			if err := store.Migrate(cfg.Database.DSN()); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := connectDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		natsClient, err := plateNats.NewClient(cfg.NATS)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		checker.Add("database", health.Postgres(pool))
		checker.Add("nats", health.NATS(natsClient.Conn()))

		feed := plateNats.NewChangeFeed(natsClient.Conn(), cfg.NATS.SubjectPrefix)
		natsClient.OnReconnect(feed.Resync)
		gateway := store.NewPostgres(store.NewPoolDB(pool), feed)
		return gateway, func() {
			natsClient.Close()
			pool.Close()
		}, nil

	case "mongo":
		client, err := connectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		checker.Add("mongo", health.Mongo(client))
		gateway := store.NewMongo(client.Database(cfg.Mongo.Database))
		return gateway, func() {
			disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer disconnectCancel()
			_ = client.Disconnect(disconnectCtx)
		}, nil

	default:
		return store.NewMemory(), func() {}, nil
	}
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// connectMongo 连接 MongoDB，首次 ping 失败时按 max_retry 重试
func connectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	attempts := cfg.MaxRetry
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx, readpref.Primary())
		pingCancel()
		if err == nil {
			return client, nil
		}
		slog.Warn("MongoDB ping failed", "attempt", i+1, "error", err)
		time.Sleep(time.Second)
	}
	_ = client.Disconnect(context.Background())
	return nil, err
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
