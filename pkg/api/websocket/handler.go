package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler streams workflow events to connected clients.
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
	}
}

// HandleWorkflowStream streams one material's workflow events over a
// WebSocket connection until the client disconnects.
func (h *Handler) HandleWorkflowStream(c *gin.Context) {
	materialID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("material_id", materialID),
		zap.String("client", c.ClientIP()))

	eventChan := make(chan *domain.WorkflowEvent, 16)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	h.subscribe(ctx, eventChan)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventChan:
			if event == nil || event.MaterialID != materialID {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("client write failed, closing stream",
					zap.String("material_id", materialID),
					zap.Error(err))
				return
			}
		}
	}
}

// subscribe feeds decoded workflow events into ch until ctx is done.
// A full channel drops the event rather than stalling the bus; the
// stream is advisory, the workflow document is the source of truth.
func (h *Handler) subscribe(ctx context.Context, ch chan<- *domain.WorkflowEvent) {
	handler := func(ctx context.Context, event ports.Event) error {
		decoded, err := event.WorkflowEvent()
		if err != nil {
			h.logger.Warn("undecodable workflow event on stream",
				zap.String("event_id", event.ID),
				zap.Error(err))
			return nil
		}

		select {
		case ch <- decoded:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type))
		}
		return nil
	}

	if err := h.eventBus.Subscribe(ctx, ports.TopicWorkflowEvents, handler); err != nil {
		h.logger.Error("failed to subscribe to workflow events", zap.Error(err))
	}
}
