package handler

import (
	"context"

	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/websocket"
)

// WSHandler streams analysis state transitions over WebSocket
type WSHandler struct {
	orch *orchestrator.Orchestrator
}

func NewWSHandler(orch *orchestrator.Orchestrator) *WSHandler {
	return &WSHandler{orch: orch}
}

// Analysis upgrades the connection and sends a connection frame carrying
// the current state, then one frame per forward transition. The socket is
// closed after a terminal state.
func (h *WSHandler) Analysis(c *gin.Context) {
	id := c.Param("id")
	a, err := h.orch.Analysis(id)
	if err != nil {
		fail(c, err)
		return
	}
	if a.Tenant != middleware.GetTenant(c) {
		fail(c, apperr.NotFound("analysis"))
		return
	}

	ctx := logger.WithAnalysis(c.Request.Context(), id)
	server := websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			h.stream(ctx, ws, id)
		},
	}
	server.ServeHTTP(c.Writer, c.Request)
}

func (h *WSHandler) stream(ctx context.Context, ws *websocket.Conn, id string) {
	// Subscribe before reading the state so no transition falls in between
	events, unsubscribe := h.orch.Subscribe(id)
	defer unsubscribe()

	a, err := h.orch.Analysis(id)
	if err != nil {
		return
	}
	last := a.State
	hello := orchestrator.Event{
		Type:        orchestrator.EventConnection,
		AnalysisID:  id,
		State:       a.State,
		At:          a.UpdatedAt,
		ErrorReason: a.ErrorReason,
	}
	if err := websocket.JSON.Send(ws, hello); err != nil {
		return
	}
	if last.Terminal() {
		return
	}

	// Client frames are ignored; a read error means the peer went away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}()

	logger.Debug(ctx, "websocket subscribed")
	for {
		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !last.CanTransition(ev.State) {
				continue
			}
			last = ev.State
			if err := websocket.JSON.Send(ws, ev); err != nil {
				logger.Debug(ctx, "websocket send failed", "error", err)
				return
			}
			if last.Terminal() {
				return
			}
		}
	}
}
