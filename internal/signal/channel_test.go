package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

type testHub struct {
	srv      *httptest.Server
	inbound  chan proto.Envelope
	outbound chan proto.Envelope
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{
		inbound:  make(chan proto.Envelope, 16),
		outbound: make(chan proto.Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for env := range h.outbound {
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env proto.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			h.inbound <- env
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *testHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *testHub) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := proto.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	h.outbound <- *env
}

func (h *testHub) recv(t *testing.T) proto.Envelope {
	t.Helper()
	select {
	case env := <-h.inbound:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("hub received nothing")
		return proto.Envelope{}
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c := New("ws://unused")
	err := c.Send(proto.EventPing, nil)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestDialFailureReturned(t *testing.T) {
	c := New("ws://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Error("Connect succeeded against a dead address")
	}
}

func TestSendReachesHub(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if !c.Connected() {
		t.Error("Connected() = false after successful dial")
	}

	err := c.Send(proto.EventJoinCall, proto.JoinCall{CallID: "call-1", ParticipantID: 7})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	env := hub.recv(t)
	if env.Event != proto.EventJoinCall {
		t.Fatalf("event = %q, want join_call", env.Event)
	}
	var join proto.JoinCall
	if err := json.Unmarshal(env.Data, &join); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if join.CallID != "call-1" || join.ParticipantID != 7 {
		t.Errorf("payload = %+v", join)
	}
}

func TestSubscribedHandlerReceivesPush(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan proto.UserJoined, 1)
	c.Subscribe(proto.EventUserJoined, func(data json.RawMessage) {
		var ev proto.UserJoined
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Errorf("payload: %v", err)
			return
		}
		got <- ev
	})

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	hub.push(t, proto.EventUserJoined, proto.UserJoined{ParticipantID: 3, ConnectionID: "conn-3"})

	select {
	case ev := <-got:
		if ev.ParticipantID != 3 || ev.ConnectionID != "conn-3" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestCancelledSubscriptionStopsDelivery(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan struct{}, 4)
	second := make(chan struct{}, 4)
	cancelFirst := c.Subscribe(proto.EventPong, func(json.RawMessage) { first <- struct{}{} })
	c.Subscribe(proto.EventPong, func(json.RawMessage) { second <- struct{}{} })

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	cancelFirst()
	hub.push(t, proto.EventPong, nil)

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handler never invoked")
	}
	select {
	case <-first:
		t.Error("cancelled handler still invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateChangeOnConnect(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case connected := <-c.StateChanges():
		if !connected {
			t.Error("first state flip should be connected=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change observed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	c.Close()

	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := c.Send(proto.EventPing, nil); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}
