package main

import (
	"context"
	"flag"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stafflink/stafflink/global/config"
	"github.com/stafflink/stafflink/logger"
	"github.com/stafflink/stafflink/middleware"
	"github.com/stafflink/stafflink/module/directory"
	"github.com/stafflink/stafflink/module/messagestore"
	"github.com/stafflink/stafflink/service/chat"
	"github.com/stafflink/stafflink/service/mgo"
	"github.com/stafflink/stafflink/service/natsx"
	"github.com/stafflink/stafflink/service/storage"
	redisx "github.com/stafflink/stafflink/service/storage/redis"
	"github.com/stafflink/stafflink/tools/ids"
	"github.com/stafflink/stafflink/tools/security"
)

func main() {
	confDir := flag.String("conf", "", "directory holding stafflink.yaml")
	flag.Parse()

	cfg, err := config.Load(*confDir)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)
	ids.SetNodeID(nodeNumber(cfg.Server.NodeID))

	rdb, err := redisx.New(redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.Errorf("redis: %v", err)
		os.Exit(1)
	}
	kv := storage.New(rdb, cfg.Presence.TTL)

	nm, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers: cfg.Nats.Servers,
		Name:    cfg.Nats.Name,
	})
	if err != nil {
		logger.Errorf("nats: %v", err)
		os.Exit(1)
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := mgo.Connect(bootCtx, mgo.Config{
		URI:         cfg.Mongo.URI,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
	})
	cancel()
	if err != nil {
		logger.Errorf("mongo: %v", err)
		os.Exit(1)
	}

	bus, err := chat.NewNatsBus(nm)
	if err != nil {
		logger.Errorf("broker routes: %v", err)
		os.Exit(1)
	}

	srv := chat.NewServer(chat.ServerConf{
		NodeID: cfg.Server.NodeID,
		Manager: chat.ManagerConf{
			UnauthTTL:     cfg.Gateway.UnauthTTL,
			AuthTTL:       cfg.Gateway.AuthTTL,
			SweepEvery:    cfg.Gateway.SweepEvery,
			SendQueueSize: cfg.Gateway.SendQueueSize,
		},
		JWT:            security.Options{Secret: []byte(cfg.Auth.JWTSecret), Alg: cfg.Auth.JWTAlg},
		PresenceTTL:    cfg.Presence.TTL,
		HeartbeatEvery: cfg.Presence.HeartbeatInterval,
	}, bus, kv, messagestore.NewMongoStore(db), directory.NewMongoResolver(db))

	if err := srv.Start(); err != nil {
		logger.Errorf("broker subscribe: %v", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", middleware.Origin(cfg.Server.AllowedOrigins), srv.HandleWS)
	r.GET("/healthz", srv.HandleHealth)
	r.GET("/debug/rooms/:room", srv.HandleRoomDebug)

	internal := r.Group("/internal")
	internal.POST("/broadcast/message", srv.HandleBroadcastMessage)
	internal.POST("/broadcast/typing", srv.HandleNotifyTyping)
	internal.POST("/broadcast/read", srv.HandleBroadcastRead)

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.Server.Addr), zap.String("node", cfg.Server.NodeID))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	srv.Close()
	_ = nm.Close()
	_ = kv.Close()
}

// nodeNumber folds the configured node name into the snowflake node space.
func nodeNumber(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() & 0x3FF)
}
