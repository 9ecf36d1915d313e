package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

var ErrBackpressure = errors.New("backpressure")

const writeDeadline = 5 * time.Second

// client is one connected websocket. The hub owns it and must Close it.
type client struct {
	id   domain.ConnectionID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	// Set by join_call; zero until then.
	callID domain.CallID
	pid    domain.ParticipantID
}

func (c *client) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *client) bind(callID domain.CallID, pid domain.ParticipantID) {
	c.mu.Lock()
	c.callID = callID
	c.pid = pid
	c.mu.Unlock()
}

func (c *client) binding() (domain.CallID, domain.ParticipantID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID, c.pid
}

func (ctl *Controller) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				log.Warn().Err(err).Str("module", "hub").Str("connection_id", string(c.id)).Msg("keepalive failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "hub").Str("connection_id", string(c.id)).Msg("write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "hub").Str("connection_id", string(c.id)).Msg("write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *client) {
	defer func() {
		ctl.dropClient(c)
		log.Info().Str("module", "hub").Str("connection_id", string(c.id)).Msg("connection closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleFrame(c, data)
		}
	}
}

func (ctl *Controller) sendEvent(c *client, event string, payload any) {
	env, err := proto.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Str("event", event).Msg("marshal payload")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Str("event", event).Msg("marshal envelope")
		return
	}
	if err := c.trySend(data); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("connection_id", string(c.id)).Str("event", event).Msg("send dropped")
	}
}

func (ctl *Controller) sendError(c *client, msg string) {
	ctl.sendEvent(c, proto.EventError, proto.Error{Error: msg})
}
