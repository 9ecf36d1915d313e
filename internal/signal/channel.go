// Package signal implements the client side of the signaling channel: a
// persistent websocket to the hub with automatic redial, typed
// subscriptions and a connect-state observable.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/core"
	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendBuffer     = 32
	writeDeadline  = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type subscription struct {
	id int
	h  core.Handler
}

// Channel is the core.SignalChannel implementation over gorilla/websocket.
type Channel struct {
	url    string
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	send      chan []byte
	connected bool
	closed    bool

	subMu   sync.RWMutex
	subs    map[string][]subscription
	nextSub int

	states chan bool
	done   chan struct{}
}

func New(url string) *Channel {
	return &Channel{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:   make(map[string][]subscription),
		states: make(chan bool, 8),
		done:   make(chan struct{}),
	}
}

// Connect dials the hub once; a handshake failure is returned to the
// caller. After the first success the channel keeps itself alive with
// capped exponential backoff until ctx is cancelled or Close is called.
func (c *Channel) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", c.url, err)
	}
	c.attach(conn)
	go c.run(ctx)
	return nil
}

// attach installs a fresh connection and its pumps.
func (c *Channel) attach(conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)

	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.connected = true
	c.mu.Unlock()

	c.notifyState(true)
	go c.writePump(conn, send)
	log.Info().Str("module", "signal").Str("url", c.url).Msg("signaling connected")
}

// run owns the read loop and the redial cycle.
func (c *Channel) run(ctx context.Context) {
	for {
		c.readPump()
		c.detach()

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if !c.redial(ctx) {
			return
		}
	}
}

// redial retries with backoff until a connection is attached. Returns
// false when the channel is shut down instead.
func (c *Channel) redial(ctx context.Context) bool {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		case <-time.After(backoff):
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.attach(conn)
			return true
		}
		log.Warn().Err(err).Str("module", "signal").Dur("backoff", backoff).Msg("redial failed")
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// detach marks the channel disconnected and releases the dead connection.
func (c *Channel) detach() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.notifyState(false)
		log.Warn().Str("module", "signal").Msg("signaling disconnected")
	}
}

func (c *Channel) readPump() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("read error")
			return
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send chan []byte) {
	for data := range send {
		if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("write deadline")
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("write error")
			return
		}
	}
}

// dispatch invokes the handlers for one envelope. Handlers run on the
// read pump goroutine, which preserves per-sender delivery order.
func (c *Channel) dispatch(env *proto.Envelope) {
	c.subMu.RLock()
	subs := make([]subscription, len(c.subs[env.Event]))
	copy(subs, c.subs[env.Event])
	c.subMu.RUnlock()

	for _, s := range subs {
		s.h(env.Data)
	}
}

// Send writes one envelope. Returns domain.ErrNotConnected while down and
// ErrBackpressure when the outbound buffer is full; either way the message
// was not delivered and the caller decides what to do.
func (c *Channel) Send(event string, payload any) error {
	env, err := proto.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.send == nil {
		return domain.ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Subscribe registers h for event and returns a cancel func.
func (c *Channel) Subscribe(event string, h core.Handler) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[event] = append(c.subs[event], subscription{id: id, h: h})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		list := c.subs[event]
		for i, s := range list {
			if s.id == id {
				c.subs[event] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Channel) StateChanges() <-chan bool { return c.states }

func (c *Channel) notifyState(connected bool) {
	select {
	case c.states <- connected:
	default:
	}
}

// Close shuts the channel down for good. Idempotent.
func (c *Channel) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.detach()
}
