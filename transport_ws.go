package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/session"
)

const (
	duplexWriteTimeout   = 10 * time.Second
	duplexUpgradeBufSize = 4096
)

// wsDuplexConn adapts a gorilla websocket connection to the session loop's
// frame interface. Writes come from both the session loop and the dispatcher,
// so they are serialised here.
type wsDuplexConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsDuplexConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		//1.- Control frames are handled by gorilla; skip anything that is not
		// a data payload.
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsDuplexConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(duplexWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a protocol-level ping. Gorilla allows control writes
// concurrently with data writes, so the frame mutex is not needed here.
func (c *wsDuplexConn) WritePing() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(duplexWriteTimeout))
}

func (c *wsDuplexConn) Close() error {
	return c.ws.Close()
}

func (c *wsDuplexConn) SetPongHandler(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// serveDuplex upgrades the request and runs the duplex session loop until the
// peer disconnects.
func (g *Gateway) serveDuplex(w http.ResponseWriter, r *http.Request) {
	// Same ordering as the stream endpoint: a disallowed origin is refused
	// before it can spend a handshake-limiter token or a credential check.
	if !g.originAllowed(r) {
		rejectHandshake(w, g.log, r, &handshakeError{status: http.StatusForbidden, message: "origin not allowed"})
		return
	}
	identity, err := g.authenticateHandshake(r)
	if err != nil {
		rejectHandshake(w, g.log, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  duplexUpgradeBufSize,
		WriteBufferSize: duplexUpgradeBufSize,
		CheckOrigin:     func(*http.Request) bool { return g.originAllowed(r) },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.log.Warn("websocket upgrade failed",
			logging.String("remote", r.RemoteAddr),
			logging.Error(err),
		)
		return
	}
	// Oversize frames must surface as in-band validation errors, so the hard
	// transport cutoff sits well above the validator's byte ceiling.
	ws.SetReadLimit(int64(g.cfg.MaxFrameBytes) * 4)

	session.NewDuplexSession(g.services, identity, &wsDuplexConn{ws: ws}).Run(r.Context())
}
