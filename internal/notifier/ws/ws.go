// Package ws bridges the notifier hub onto WebSocket connections. Each
// connection subscribes to one thread topic and receives events as JSON
// frames. The socket is a push channel only; clients resync over the plain
// HTTP API after reconnecting.
package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crescendoschool/crescendo-core/internal/notifier"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	bufferSize = 32
)

// Bridge serves WebSocket subscriptions over a Hub.
type Bridge struct {
	hub      *notifier.Hub
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewBridge creates a Bridge over the hub.
func NewBridge(hub *notifier.Hub, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients talk to us from the app origin; auth happens
			// before the upgrade, not via the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the request and streams the thread's events until the
// client disconnects.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, threadID string) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		b.logger.Printf("ws upgrade failed thread=%s: %v", threadID, err)
		return
	}
	sub := b.hub.Subscribe(threadID, bufferSize)

	done := make(chan struct{})
	go b.readLoop(conn, done)
	b.writeLoop(conn, sub, done)

	sub.Close()
	_ = conn.Close()
}

// readLoop drains client frames so pongs and close frames are processed.
func (b *Bridge) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bridge) writeLoop(conn *websocket.Conn, sub *notifier.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
