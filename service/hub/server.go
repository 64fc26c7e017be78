package hub

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"privet/config"
	"privet/logger"
	"privet/protocol"
	"privet/tools/ids"
	"privet/tools/safe"
	"privet/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the websocket endpoint: handshake auth, per-connection
// read loop and the liveness sweeper. One Server per process; every
// collaborator is passed in, nothing is ambient.
type Server struct {
	cfg      config.AppConfig
	authOpts security.Options
	reg      *Registry
	router   *Router
	presence *PresenceTracker

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewServer(cfg config.AppConfig, router *Router, reg *Registry, presence *PresenceTracker) *Server {
	return &Server{
		cfg:      cfg,
		authOpts: security.DefaultOptions([]byte(cfg.JWTSecret)),
		reg:      reg,
		router:   router,
		presence: presence,
		stopCh:   make(chan struct{}),
	}
}

func (s *Server) Router() *Router     { return s.router }
func (s *Server) Registry() *Registry { return s.reg }

// HandleWS ===== WebSocket 握手与读循环 =====
//
// Token comes as a query parameter; a missing token closes with 4001, a
// rejected one with 4003. A successful handshake registers the conn and
// echoes the resolved identity in a connected envelope.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[WS] upgrade error: %v", err)
		return
	}

	token := c.Query("token")
	if token == "" {
		closeWith(ws, protocol.CloseAuthRequired, "Authentication required")
		return
	}
	userID, err := security.Verify(s.authOpts, token)
	if err != nil {
		logger.Infof("[WS] auth error: %v", err)
		closeWith(ws, protocol.CloseInvalidToken, "Invalid token")
		return
	}

	conn := newConn(ids.NewConnID(), userID, ws, s.cfg.SendQueueSize, s.cfg.WriteTimeout)
	go conn.writePump()

	s.reg.Register(userID, conn)
	logger.Infof("[WS] user %s connected conn=%s", userID, conn.ID)

	if data, err := protocol.Encode(protocol.Connected(userID)); err == nil {
		_ = conn.Send(data)
	}

	s.readLoop(conn)

	// ---- 退出阶段：关闭、反注册（presence 由注册表回调触发一次） ----
	conn.Close()
	s.reg.Unregister(conn)
}

func (s *Server) readLoop(c *Conn) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s user=%s", c.ID, c.UserID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", c.ID, err)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", c.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.router.Dispatch(c, data)
	}
}

// StartHeartbeat runs the liveness sweep: a conn that answered no ping
// since the previous sweep is closed and unregistered.
func (s *Server) StartHeartbeat() {
	safe.Go(func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.sweepOnce()
			}
		}
	})
}

func (s *Server) sweepOnce() {
	for _, c := range s.reg.All() {
		if !c.Alive() {
			logger.Infof("[WS] heartbeat timeout conn=%s user=%s", c.ID, c.UserID)
			c.Close()
			s.reg.Unregister(c)
			continue
		}
		if err := c.Ping(); err != nil {
			c.Close()
			s.reg.Unregister(c)
		}
	}
}

// Close stops the sweeper and drops every connection.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	for _, c := range s.reg.All() {
		c.Close()
		s.reg.Unregister(c)
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
