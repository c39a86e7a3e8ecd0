package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsPingPeriod   = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// wsClient wraps one accepted WebSocket connection with a buffered send
// channel and a ping loop, matching syftbox's WsClient read/write-loop
// shape. This control plane's clients are receive-only (server pushes log
// lines and status snapshots; it does not act on client-sent frames).
type wsClient struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sendCh    chan any
	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn, logger *slog.Logger) *wsClient {
	return &wsClient{
		conn:   conn,
		logger: logger,
		sendCh: make(chan any, wsSendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	default:
		c.logger.Warn("ws client send buffer full, disconnecting")
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	})
}

// writeLoop drains sendCh and pings idle connections until closed or ctx
// is cancelled, then closes the connection.
func (c *wsClient) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()

			if err != nil {
				c.logger.Debug("ws client write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames but detects client-initiated close.
func (c *wsClient) readLoop(ctx context.Context) {
	defer c.close()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
