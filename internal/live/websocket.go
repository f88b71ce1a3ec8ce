package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dobbe-backend/pkg/api"

	"github.com/gorilla/websocket"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = pongWait * 9 / 10
	maxMessageSize      = 64 * 1024

	// DefaultOutboundBuffer is how many updates may wait for one client
	// before it is disconnected as too slow.
	DefaultOutboundBuffer = 64
)

var (
	ErrChannelClosed = errors.New("live channel is closed")
	ErrChannelFull   = errors.New("live channel outbound buffer is full")
)

type receivedAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WebsocketChannel serializes all writes to one websocket connection. Updates
// are queued and written by the channel's own goroutine, so Send never waits
// on the network.
type WebsocketChannel struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	outbound     chan api.StageUpdate
	closeOnce    sync.Once
	closed       chan struct{}
}

var _ Channel = (*WebsocketChannel)(nil)

func NewWebsocketChannel(conn *websocket.Conn, writeTimeout time.Duration) *WebsocketChannel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &WebsocketChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		outbound:     make(chan api.StageUpdate, DefaultOutboundBuffer),
		closed:       make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *WebsocketChannel) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (c *WebsocketChannel) writeJSON(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Send queues the update for delivery. A client whose buffer is full is
// disconnected.
func (c *WebsocketChannel) Send(ctx context.Context, update api.StageUpdate) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case c.outbound <- update:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	default:
		go c.Close()
		return ErrChannelFull
	}
}

func (c *WebsocketChannel) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case update := <-c.outbound:
			if err := c.writeJSON(context.Background(), update); err != nil {
				slog.Debug("error writing update, closing websocket", "task_id", update.TaskId, "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *WebsocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WebsocketChannel) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ReadLoop acknowledges every text frame from the client until the
// connection fails or is closed.
func (c *WebsocketChannel) ReadLoop(ctx context.Context) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.ping()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		if err := c.writeJSON(ctx, receivedAck{Status: "received", Message: string(data)}); err != nil {
			return err
		}
	}
}

// Server upgrades http requests into websocket channels registered under the
// client's session id.
type Server struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

func NewServer(registry *Registry, writeTimeout time.Duration) *Server {
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
	}
}

// Serve blocks for the lifetime of the connection.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, sessionId string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading websocket connection", "client_id", sessionId, "error", err)
		return
	}

	ch := NewWebsocketChannel(conn, s.writeTimeout)
	if prev := s.registry.Connect(sessionId, ch); prev != nil {
		slog.Info("client reconnected, closing previous channel", "client_id", sessionId)
		if err := prev.Close(); err != nil {
			slog.Warn("error closing previous channel", "client_id", sessionId, "error", err)
		}
	}
	slog.Info("client connected", "client_id", sessionId)

	err = ch.ReadLoop(context.Background())
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("websocket closed unexpectedly", "client_id", sessionId, "error", err)
	}

	s.registry.Release(sessionId, ch)
	if err := ch.Close(); err != nil {
		slog.Debug("error closing websocket", "client_id", sessionId, "error", err)
	}
	slog.Info("client disconnected", "client_id", sessionId)
}
