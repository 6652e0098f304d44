package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// InstanceReader loads process instances
type InstanceReader interface {
	GetInstance(ctx context.Context, id string) (*domain.ProcessInstance, error)
}

// Snapshot is the first message sent on a stream
type Snapshot struct {
	Type     string                  `json:"type"`
	Instance *domain.ProcessInstance `json:"instance"`
}

// Handler streams the events of one process instance over WebSocket
type Handler struct {
	eventBus  ports.EventBus
	instances InstanceReader
	logger    *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, instances InstanceReader, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus:  eventBus,
		instances: instances,
		logger:    logger,
	}
}

// HandleInstanceStream sends a snapshot of the instance, then every instance
// and task event for it, and closes once the instance reaches a terminal
// status
func (h *Handler) HandleInstanceStream(c *gin.Context) {
	instanceID := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no later event is lost
	events := make(chan domain.Event, eventBuffer)
	h.subscribe(ctx, instanceID, events)

	inst, err := h.instances.GetInstance(ctx, instanceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": gin.H{"code": string(domain.CodeOf(err)), "message": err.Error()}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("instance_id", instanceID),
		zap.String("client", c.ClientIP()))

	// Reads only detect the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, Snapshot{Type: "snapshot", Instance: inst}); err != nil {
		return
	}
	if inst.Status.IsTerminal() {
		h.close(conn)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := h.write(conn, event); err != nil {
				h.logger.Debug("failed to write message", zap.Error(err))
				return
			}
			if terminalEvent(event.Type) {
				h.close(conn)
				return
			}
		}
	}
}

func (h *Handler) subscribe(ctx context.Context, instanceID string, ch chan<- domain.Event) {
	handler := func(ctx context.Context, event domain.Event) error {
		if event.InstanceID != instanceID {
			return nil
		}
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}

	for _, topic := range []string{domain.TopicInstanceEvents, domain.TopicTaskEvents} {
		if err := h.eventBus.Subscribe(ctx, topic, handler); err != nil {
			h.logger.Error("failed to subscribe to events",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "instance finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func terminalEvent(t domain.EventType) bool {
	switch t {
	case domain.EventTypeInstanceCompleted, domain.EventTypeInstanceFailed, domain.EventTypeInstanceTerminated:
		return true
	}
	return false
}
