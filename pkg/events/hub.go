package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	hubWriteWait    = 10 * time.Second
	hubPongWait     = 60 * time.Second
	hubPingInterval = 30 * time.Second
	hubBufferSize   = 16
)

// Hub fans events out to connected WebSocket clients. A client whose buffer
// is full misses the event rather than slowing the publisher down.
type Hub struct {
	clients *xsync.Map[uint64, *hubClient]
	nextID  atomic.Uint64
	dropped atomic.Uint64
	logger  *zap.Logger
}

var _ Publisher = (*Hub)(nil)

type hubClient struct {
	subject   string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: xsync.NewMap[uint64, *hubClient](),
		logger:  logger,
	}
}

// Publish implements Publisher
func (h *Hub) Publish(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.clients.Range(func(_ uint64, c *hubClient) bool {
		select {
		case c.send <- body:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Dropping event for slow websocket client",
				zap.String("subject", c.subject),
				zap.String("type", event.Type))
		}
		return true
	})
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return h.clients.Size()
}

// Dropped returns how many deliveries were skipped because a client was slow
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Serve registers conn and pumps events to it until the connection fails or
// the hub is closed. It closes conn before returning.
func (h *Hub) Serve(conn *websocket.Conn, subject string) {
	id := h.nextID.Add(1)
	c := &hubClient{
		subject: subject,
		send:    make(chan []byte, hubBufferSize),
		done:    make(chan struct{}),
	}
	h.clients.Store(id, c)
	h.logger.Debug("Websocket client connected", zap.String("subject", subject), zap.Uint64("client_id", id))

	defer func() {
		h.clients.Delete(id)
		conn.Close()
		h.logger.Debug("Websocket client disconnected", zap.String("subject", subject), zap.Uint64("client_id", id))
	}()

	// Reader: only control frames matter, but reads must run for pongs to be seen
	go func() {
		defer c.close()
		conn.SetReadDeadline(time.Now().Add(hubPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(hubPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.clients.Range(func(_ uint64, c *hubClient) bool {
		c.close()
		return true
	})
}
