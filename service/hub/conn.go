package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"privet/logger"
	"privet/tools/errs"
)

// ===== 连接 =====

// Conn is one authenticated websocket session. The registry owns it for
// its lifetime; all writes go through the send queue so the underlying
// gorilla conn only ever has a single writer.
type Conn struct {
	ID     string
	UserID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	alive        atomic.Bool // set by pong, cleared by the sweeper
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newConn(id, userID string, ws *websocket.Conn, queueSize int, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           id,
		UserID:       userID,
		ws:           ws,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// Send enqueues one encoded envelope. A full queue means the peer is not
// draining; the conn is condemned rather than stalling other recipients.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return errs.ErrTransport.WithDetail("conn closed")
	case c.send <- data:
		return nil
	default:
		return errs.ErrTransport.WithDetail("send queue full")
	}
}

// writePump drains the send queue onto the socket. 出错即退出，由读循环收尾。
func (c *Conn) writePump() {
	defer closeQuiet(c.ws)
	for {
		select {
		case <-c.done:
			// 统一由写协程发 Close 帧
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Infof("[WS] write err conn=%s user=%s err=%v", c.ID, c.UserID, err)
				c.Close()
				return
			}
		}
	}
}

// Ping writes a control ping; safe concurrently with the write pump.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Alive reports and clears the liveness flag; the sweeper calls it once
// per sweep so a conn that answered no ping since the previous check
// reads false.
func (c *Conn) Alive() bool {
	return c.alive.Swap(false)
}

// Close is idempotent; the write pump sends the close frame and shuts
// the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func closeQuiet(ws *websocket.Conn) {
	if ws != nil {
		_ = ws.Close()
	}
}
