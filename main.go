package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"familychat-service/internal/config"
	"familychat-service/internal/db"
	"familychat-service/internal/directory"
	"familychat-service/internal/handlers"
	"familychat-service/internal/logger"
	"familychat-service/internal/middleware"
	"familychat-service/internal/observability"
	"familychat-service/internal/rabbitmq"
	"familychat-service/internal/realtime"
	"familychat-service/internal/repositories"
	"familychat-service/internal/telemetry"
	"familychat-service/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.Init(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	shutdownTracer, err := observability.InitTracer(ctx, "familychat-service", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(ctx)

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("failed to connect to db", zap.Error(err))
	}

	var feed realtime.Feed
	if cfg.RedisAddr != "" {
		redisFeed, err := realtime.NewRedisFeed(cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisFeed.Close()
		feed = redisFeed
		log.Info("change feed: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		feed = realtime.NewMemoryFeed()
		log.Info("change feed: in-memory (single instance)")
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer auditPublisher.Close()
	log.Info("audit publisher ready", zap.String("mode", rabbitmq.PublisherMode(auditPublisher)))
	emitter := telemetry.NewAuditEmitter(auditPublisher, "audit.familychat", "familychat-service", cfg.Environment)

	if amqpEvents, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange); err == nil {
		observability.SetPublisher(amqpEvents)
		defer amqpEvents.Close()
	}

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	profileRepo := repositories.NewProfileRepo(database)

	dir := directory.New(chatRepo, messageRepo, profileRepo)

	manager := realtime.NewManager(feed,
		realtime.WithRetry(cfg.FeedRetryBackoff, cfg.FeedMaxRetries),
		realtime.WithStateListener(func(view string, chatID int, state realtime.ConnState) {
			log.Debug("feed subscription state",
				zap.String("view", view), zap.Int("chat_id", chatID), zap.String("state", string(state)))
		}),
	)

	hub := ws.NewHub()
	validator := middleware.NewTokenValidator(cfg.JWTSecret)

	chatHandler := handlers.NewChatHandler(dir, chatRepo, messageRepo, profileRepo, feed)
	chatWS := ws.NewChatWebSocketHandler(hub, chatRepo, validator, manager)
	sessionWS := ws.NewSessionWebSocketHandler(dir, chatRepo, messageRepo, feed, validator,
		cfg.OpTimeout, cfg.FeedRetryBackoff, cfg.FeedMaxRetries)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("familychat-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(validator)

	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.POST("/chats/start", authMiddleware, chatHandler.StartChat)
	router.POST("/chats/:chat_id/members", authMiddleware, chatHandler.AddChatMember)
	router.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.GetChatMessages)
	router.POST("/chats/:chat_id/messages", authMiddleware, chatHandler.PostChatMessage)

	router.GET("/ws/chats/:chat_id", chatWS.Handle)
	router.GET("/ws/session", sessionWS.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	handlers.RegisterDebugRoutes(router, emitter, cfg.DebugRoutes)

	log.Info("listening", zap.String("port", cfg.Port))
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
