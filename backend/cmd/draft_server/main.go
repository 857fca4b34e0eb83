package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"draftServer/backend/config"
	"draftServer/backend/internal/auth"
	"draftServer/backend/internal/cache"
	"draftServer/backend/internal/collab"
	"draftServer/backend/internal/httpapi/handlers"
	"draftServer/backend/internal/store"
	"draftServer/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func nodeName(cfg *config.Config) string {
	if cfg.Running.Node != "" {
		return cfg.Running.Node
	}
	host, err := os.Hostname()
	if err != nil {
		host = "draft"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func newSink(cfg *config.Config) (collab.EventSink, func()) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}
	}
	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}

	// Kafka 本地队列 + worker 重试发送
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(cfg.Kafka.MaxInFlight),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		},
	)
	return dispatcher, func() {
		dispatcher.Close()
		_ = producer.Close()
	}
}

func newVerifier(cfg *config.Config) auth.Verifier {
	if cfg.Auth.Path != "" {
		return auth.NewRemoteVerifier(cfg.Auth.Path, cfg.Auth.VerifyTimeout)
	}
	secret := cfg.Auth.Secret
	if env := os.Getenv("JWT_SECRET"); env != "" {
		secret = env
	}
	return auth.NewJWTVerifier(secret)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	node := nodeName(cfg)
	log.Printf("draft server %s (%s) node=%s port=%d", buildVersion, buildCommit, node, cfg.Running.Port)

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN, store.MySQLOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err = store.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	drafts := store.NewDraftStore(db)

	sink, closeSink := newSink(cfg)
	defer closeSink()

	registry := collab.NewRegistry(drafts, sink, cache.NewRoomLease(rdb, node, cfg.Room.LeaseTTL), collab.Options{
		LockTTL:        cfg.Room.LockTTL,
		SweepInterval:  cfg.Room.SweepInterval,
		InboxSize:      cfg.Room.InboxSize,
		Columns:        cfg.Room.Columns,
		PersistTimeout: cfg.Room.PersistTimeout,
		PublishTimeout: cfg.Room.PublishTimeout,
	})
	defer registry.Close()

	presence := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presence, cfg.Conn.PresenceTTL)
	verifier := newVerifier(cfg)
	manager := ws.NewManager(hub, registry, verifier, collab.NewSemaphoreControl(cfg.Conn.MaxInFlight), ws.Options{
		SendQueue:      cfg.Conn.SendQueue,
		StrikeLimit:    cfg.Conn.StrikeLimit,
		SubmitWait:     cfg.Conn.SubmitWait,
		ReadTimeout:    cfg.Conn.ReadTimeout,
		AllowedOrigins: cfg.Conn.AllowedOrigins,
	})
	draftHandler := handlers.NewDraftHandler(drafts, registry, cache.NewArtifactCache(rdb), presence)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Cors.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":          true,
			"node":        node,
			"version":     buildVersion,
			"rooms":       registry.Len(),
			"connections": hub.Len(),
		})
	})
	// 从 Authorization 或 ?token= 提取 token，写入 userId/username/role
	api := r.Group("", auth.Middleware(verifier))
	draftHandler.Register(api)
	collabGroup := r.Group("/collab", auth.Middleware(verifier))
	collabGroup.GET("/ws", manager.WebSocketConnect)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Printf("shutting down node=%s rooms=%d connections=%d", node, registry.Len(), hub.Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
