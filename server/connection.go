package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
)

// connection is one authenticated socket. Reads happen on the serve
// goroutine; writes come from pipelines and the keepalive, so they share
// writeMu.
type connection struct {
	server  *Server
	ws      *websocket.Conn
	session *core.Session

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(s *Server, ws *websocket.Conn, session *core.Session) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		server:  s,
		ws:      ws,
		session: session,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// serve runs the read loop until the peer goes away.
func (c *connection) serve() {
	defer c.close()

	pongWait := 2 * c.server.config.PingInterval
	c.ws.SetReadLimit(c.server.config.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.keepalive()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[SERVER] Read error on session %s: %v", c.session.ID, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *connection) handleMessage(data []byte) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.send(errorEvent("", &core.ValidationError{Reason: "malformed event"}))
		return
	}

	switch ev.Type {
	case EventUserMessage:
		c.handleUserMessage(ev)
	case EventHistory:
		c.handleHistory(ev)
	default:
		c.send(errorEvent(ev.ConversationID, &core.ValidationError{Field: "type", Reason: "unknown event type " + ev.Type}))
	}
}

func (c *connection) handleUserMessage(ev ClientEvent) {
	if g := c.server.config.Guardrails; g != nil {
		result, err := g.Check(c.ctx, c.session.UserID)
		if err != nil {
			c.send(errorEvent(ev.ConversationID, err))
			return
		}
		if !result.Allowed {
			log.Printf("[SERVER] Rate limited user=%s: %s", c.session.UserID, result.Warning)
			c.send(ServerEvent{
				Type:           EventRateLimited,
				ConversationID: ev.ConversationID,
				Reason:         result.Warning,
				RetryAfterMs:   result.RetryAfter.Milliseconds(),
			})
			return
		}
	}

	if !c.server.beginPipeline() {
		c.send(errorEvent(ev.ConversationID, core.ErrClosed))
		return
	}
	done := c.server.config.Engine.Dispatch(c.ctx, &engine.Input{
		Session:        c.session,
		ConversationID: ev.ConversationID,
		UserMessage:    ev.Content,
	}, c.emit)

	go func() {
		<-done
		c.server.pipelines.Done()
	}()
}

func (c *connection) handleHistory(ev ClientEvent) {
	turns, err := c.server.config.Engine.History(c.ctx, c.session.UserID, ev.ConversationID, ev.Limit)
	if err != nil {
		c.send(errorEvent(ev.ConversationID, err))
		return
	}
	c.send(ServerEvent{
		Type:           EventHistory,
		ConversationID: ev.ConversationID,
		Turns:          turnViews(turns),
	})
}

// emit is the engine's callback for this connection.
func (c *connection) emit(out *engine.Output) {
	if out.Type == engine.OutputError {
		c.send(errorEvent(out.ConversationID, out.Error))
		return
	}
	c.send(ServerEvent{
		Type:           EventAssistantMessage,
		ConversationID: out.ConversationID,
		Content:        out.Text,
	})
}

func (c *connection) send(ev ServerEvent) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	if err := c.ws.WriteJSON(ev); err != nil {
		log.Printf("[SERVER] Write %s to session %s failed: %v", ev.Type, c.session.ID, err)
	}
}

func (c *connection) keepalive() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.server.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

// close cancels the session context, which suppresses emission of replies
// still in flight, and closes the socket.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}
