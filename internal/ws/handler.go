// Package ws streams block events to terminal frontends over WebSocket and
// accepts interactive commands back.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/engine"
	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/monitoring"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

// eventBuffer is the per-connection event channel depth. A slow client
// drops events rather than stalling the engine.
const eventBuffer = 256

// Handler manages WebSocket connections.
type Handler struct {
	engine  *engine.Engine
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler.
func NewHandler(eng *engine.Engine, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{
		engine:  eng,
		log:     log.Named("ws"),
		metrics: metrics,
	}
}

// clientMessage is a frame sent by the frontend.
type clientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	BlockID string `json:"block_id,omitempty"`
	Data    string `json:"data,omitempty"`
}

// eventFrame is the wire form of a block event.
type eventFrame struct {
	Type      string        `json:"type"`
	ContextID id.ContextID  `json:"context_id"`
	BlockID   id.BlockID    `json:"block_id"`
	State     block.State   `json:"state,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Output    string        `json:"output,omitempty"`
	Spans     []stream.Span `json:"spans,omitempty"`
	Binary    bool          `json:"binary,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// conn wraps a websocket connection with a write lock; gorilla allows at
// most one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// HandleConnection upgrades the request and attaches the client to one
// execution context's event stream.
func (h *Handler) HandleConnection(c *gin.Context) {
	ctx, ok := h.engine.Get(id.ContextID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": engine.ErrContextNotFound.Error()})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	log := h.log.With(
		zap.String("conn_id", connID),
		zap.String("context_id", ctx.ID.String()))
	log.Info("websocket connected")
	h.metrics.WSConnected()

	cn := &conn{ws: wsConn}
	events, unsubscribe := ctx.Subscribe(eventBuffer)
	done := make(chan struct{})

	defer func() {
		unsubscribe()
		wsConn.Close()
		h.metrics.WSDisconnected()
		log.Info("websocket disconnected")
	}()

	_ = cn.send(gin.H{
		"type":       "system",
		"message":    "connected",
		"context_id": ctx.ID,
	})

	// Forward engine events until the feed or the connection closes.
	go func() {
		defer close(done)
		for ev := range events {
			if err := cn.send(frameOf(ev)); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			_ = cn.send(gin.H{"type": "error", "error": "malformed message"})
			continue
		}
		h.dispatch(cn, ctx, msg, log)
	}

	wsConn.Close()
	<-done
}

func (h *Handler) dispatch(cn *conn, ctx *engine.Context, msg clientMessage, log *logging.Logger) {
	switch msg.Type {
	case "submit":
		blk, err := ctx.Submit(msg.Command)
		if err != nil && blk.ID == "" {
			_ = cn.send(gin.H{"type": "error", "error": err.Error()})
			return
		}
		_ = cn.send(gin.H{"type": "submitted", "block_id": blk.ID})
	case "cancel":
		var err error
		if msg.BlockID != "" {
			err = ctx.CancelBlock(id.BlockID(msg.BlockID))
		} else {
			err = ctx.Cancel()
		}
		if err != nil {
			_ = cn.send(gin.H{"type": "error", "error": err.Error()})
			return
		}
		_ = cn.send(gin.H{"type": "cancelling"})
	case "input":
		if _, err := ctx.WriteInput([]byte(msg.Data)); err != nil {
			_ = cn.send(gin.H{"type": "error", "error": err.Error()})
		}
	case "ping":
		_ = cn.send(gin.H{"type": "pong", "timestamp": time.Now().Unix()})
	default:
		log.Debug("unknown websocket message type", zap.String("type", msg.Type))
		_ = cn.send(gin.H{"type": "error", "error": "unknown message type"})
	}
}

func frameOf(ev block.Event) eventFrame {
	frame := eventFrame{
		Type:      string(ev.Type),
		ContextID: ev.ContextID,
		BlockID:   ev.BlockID,
		State:     ev.State,
		ExitCode:  ev.ExitCode,
		Timestamp: time.Now().Unix(),
	}
	if ev.Chunk != nil {
		frame.Output = ev.Chunk.Text()
		frame.Spans = ev.Chunk.Spans
		frame.Binary = ev.Chunk.Binary
	}
	return frame
}
