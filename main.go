package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"privet/config"
	"privet/logger"
	"privet/middleware"
	"privet/protocol"
	"privet/service/fanout"
	"privet/service/hub"
	"privet/storage"
	"privet/tools/safe"
)

// 网关入口：组装注册表、路由器、在线状态与 WebSocket 服务
func main() {
	cfg := config.Load()

	store := storage.NewMemoryStore()

	// Redis presence record is optional; single-node deployments run
	// without it and skip cross-gateway lookup entirely.
	var record *storage.RedisPresence
	if cfg.RedisAddr != "" {
		var err error
		record, err = storage.NewRedisPresence(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.PresenceTTL)
		if err != nil {
			logger.Errorf("[main] redis presence unavailable: %v", err)
			record = nil
		}
	}

	// Presence depends on the router, the router on the registry, and the
	// registry reports transitions back to presence. The callback closes
	// over the tracker variable, assigned below before any connection can
	// register.
	var presence *hub.PresenceTracker
	reg := hub.NewRegistry(func(userID string, online bool) {
		// 回调里有外部 I/O，放到独立 goroutine，避免拖住注册路径
		safe.Go(func() {
			if presence != nil {
				presence.OnTransition(userID, online)
			}
		})
	})
	router := hub.NewRouter(reg, store, cfg.GatewayID)

	// NATS fanout is equally optional: without it envelopes only reach
	// connections on this node.
	var fan *fanout.NatsFanout
	if len(cfg.NatsServers) > 0 {
		var err error
		fan, err = fanout.NewNatsFanout(fanout.NatsConfig{
			Servers: cfg.NatsServers,
			Name:    "privet-" + cfg.GatewayID,
		})
		if err != nil {
			logger.Errorf("[main] nats fanout unavailable: %v", err)
			fan = nil
		}
	}
	if fan != nil {
		router.WithFanout(fan, record)
		if err := fan.Subscribe(cfg.GatewayID, func(to string, env *protocol.Envelope) {
			router.DeliverLocal(to, env)
		}); err != nil {
			logger.Errorf("[main] fanout subscribe: %v", err)
		}
	}

	presence = hub.NewPresenceTracker(router, store, record, cfg.GatewayID)

	srv := hub.NewServer(cfg, router, reg, presence)
	srv.StartHeartbeat()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Origin())
	engine.GET("/ws", srv.HandleWS)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway": cfg.GatewayID})
	})

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: engine}
	safe.Go(func() {
		logger.Infof("[main] gateway %s listening on %s", cfg.GatewayID, cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[main] listen: %v", err)
			os.Exit(1)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("[main] shutting down")

	srv.Close()
	if fan != nil {
		fan.Close()
	}
	if record != nil {
		_ = record.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
