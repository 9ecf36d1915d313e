// Package session hosts the call-session controller: the top-level
// orchestrator that owns the membership reconciler and the peer mesh,
// applies local media toggles, forwards chat and drives termination.
//
// Everything runs through one event loop per session. Inbound signaling
// events, snapshot poll results and local user actions are all serialized
// onto that loop, so the participant map and the link table have exactly
// one writer and need no locks.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/core"
	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/mesh"
	"github.com/openhuddle/huddle/internal/proto"
	"github.com/openhuddle/huddle/internal/roster"
)

// StateFetcher is the REST snapshot collaborator.
type StateFetcher interface {
	FetchState(ctx context.Context, callID domain.CallID) (*proto.StateSnapshot, error)
}

// CallEnder terminates a call through the lifecycle API.
type CallEnder interface {
	EndCall(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error
}

// Options wires a controller. Factory and the durations have sane
// defaults; everything else is required.
type Options struct {
	CallID    domain.CallID
	SelfID    domain.ParticipantID
	CreatorID domain.ParticipantID

	Signal  core.SignalChannel
	Fetcher StateFetcher
	Ender   CallEnder
	Media   core.MediaSource
	Factory core.MediaFactory

	PollInterval time.Duration
	BindingWait  time.Duration
}

const (
	defaultPollInterval = 5 * time.Second
	defaultBindingWait  = 2 * time.Second
	taskBuffer          = 128
)

// Controller is the per-session orchestrator. One instance owns its mesh
// and roster exclusively; there is no cross-session shared registry.
type Controller struct {
	opts Options
	call *domain.CallSession

	roster *roster.Reconciler
	mesh   *mesh.Mesh
	local  core.LocalMedia

	// chat is append-only in receipt order; chatSeen dedupes by message
	// id, since the hub echo and the polled snapshot may both carry one.
	chat     []domain.ChatMessage
	chatSeen map[string]struct{}

	pending map[domain.ConnectionID][]pendingSignal

	// wired is set once media, signaling, mesh and subscriptions are in
	// place; a retried Start only repeats the join handshake.
	wired   bool
	running atomic.Bool

	tasks      chan func()
	stopped    chan struct{}
	pollCancel context.CancelFunc
	unsubs     []func()
}

// pendingSignal is a negotiation message buffered while its sender's
// connection id has no binding yet.
type pendingSignal struct {
	apply func(from domain.ParticipantID)
}

func New(opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BindingWait <= 0 {
		opts.BindingWait = defaultBindingWait
	}
	return &Controller{
		opts:     opts,
		call:     domain.NewCallSession(opts.CallID, opts.CreatorID),
		roster:   roster.New(),
		chatSeen: make(map[string]struct{}),
		pending:  make(map[domain.ConnectionID][]pendingSignal),
		tasks:    make(chan func(), taskBuffer),
		stopped:  make(chan struct{}),
	}
}

// Start acquires local media, connects signaling, performs the join
// handshake and moves the session to InProgress. On media failure the
// session stays in Created and the error is fatal; on join failure the
// caller decides whether to retry. The wiring is kept across a failed
// join, so a retried Start repeats only the handshake: handlers are
// registered once, media is acquired once and the hub is dialed once.
func (c *Controller) Start(ctx context.Context) error {
	if c.call.Status != domain.CallCreated {
		return domain.ErrSessionEnded
	}

	if !c.wired {
		local, err := c.opts.Media.Acquire(ctx)
		if err != nil {
			return &domain.MediaAcquisitionError{Err: err}
		}
		if err := c.opts.Signal.Connect(ctx); err != nil {
			local.Close()
			return fmt.Errorf("connect signaling: %w", err)
		}
		c.local = local
		c.mesh = mesh.New(ctx, c.opts.CallID, c.opts.SelfID, c.opts.Signal, c.opts.Factory, c.postAsync)
		c.mesh.SetLocalMedia(local)
		c.subscribeAll()
		c.wired = true
	}

	err := c.opts.Signal.Send(proto.EventJoinCall, proto.JoinCall{
		CallID:        c.opts.CallID,
		ParticipantID: c.opts.SelfID,
	})
	if err != nil {
		return fmt.Errorf("join handshake: %w", err)
	}

	c.call.Status = domain.CallInProgress
	c.running.Store(true)

	go c.loop(ctx)
	go c.watchConnState(ctx)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	go c.pollLoop(pollCtx)

	log.Info().
		Str("module", "session").
		Str("call_id", string(c.opts.CallID)).
		Int64("participant_id", int64(c.opts.SelfID)).
		Msg("session in progress")
	return nil
}

// loop is the single consumer of the task queue. It outlives Ended so
// late inbound events drain as no-ops.
func (c *Controller) loop(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.tasks:
			fn()
		}
	}
}

// postAsync enqueues work from adapter goroutines without waiting.
func (c *Controller) postAsync(fn func()) {
	select {
	case <-c.stopped:
	case c.tasks <- fn:
	}
}

// do runs fn on the loop and waits for it; false when the loop is gone.
// Before Start launches the loop the caller is the only goroutine
// touching session state, so fn runs inline.
func (c *Controller) do(fn func()) bool {
	if !c.running.Load() {
		fn()
		return true
	}
	done := make(chan struct{})
	select {
	case <-c.stopped:
		return false
	case c.tasks <- func() { fn(); close(done) }:
	}
	select {
	case <-c.stopped:
		return false
	case <-done:
		return true
	}
}

func (c *Controller) subscribeAll() {
	sub := func(event string, h func(data []byte)) {
		cancel := c.opts.Signal.Subscribe(event, core.Handler(func(data json.RawMessage) {
			c.postAsync(func() { h(data) })
		}))
		c.unsubs = append(c.unsubs, cancel)
	}

	sub(proto.EventUserJoined, c.onUserJoined)
	sub(proto.EventUserLeft, c.onUserLeft)
	sub(proto.EventCurrentParticipants, c.onCurrentParticipants)
	sub(proto.EventReceiveOffer, c.onOffer)
	sub(proto.EventReceiveAnswer, c.onAnswer)
	sub(proto.EventReceiveCandidate, c.onCandidate)
	sub(proto.EventReceiveChat, c.onChat)
	sub(proto.EventUserMuteChanged, c.onMuteChanged)
	sub(proto.EventUserCameraChanged, c.onCameraChanged)
}

// watchConnState reacts to signaling connect-state flips. Disconnect does
// not tear down peer links; reconnect invalidates stale bindings and
// forces a snapshot resync.
func (c *Controller) watchConnState(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case connected, ok := <-c.opts.Signal.StateChanges():
			if !ok {
				return
			}
			if connected {
				c.postAsync(func() {
					if c.call.Status != domain.CallInProgress {
						return
					}
					c.roster.InvalidateBindings()
					log.Info().Str("module", "session").Str("call_id", string(c.opts.CallID)).Msg("signaling restored, resyncing")
				})
				go c.pollOnce(ctx)
			} else {
				log.Warn().Str("module", "session").Str("call_id", string(c.opts.CallID)).Msg("signaling lost, reconnecting")
			}
		}
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce fetches the snapshot off-loop and merges it on-loop.
func (c *Controller) pollOnce(ctx context.Context) {
	snap, err := c.opts.Fetcher.FetchState(ctx, c.opts.CallID)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("call_id", string(c.opts.CallID)).Msg("snapshot fetch failed")
		return
	}
	c.postAsync(func() { c.applySnapshot(snap) })
}

func (c *Controller) applySnapshot(snap *proto.StateSnapshot) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	if snap.Status == domain.CallEnded.String() {
		log.Info().Str("module", "session").Str("call_id", string(c.opts.CallID)).Msg("call ended remotely")
		c.shutdown()
		return
	}
	c.roster.MergeSnapshot(snap.Participants)
	// Backfill chat history so a late joiner converges on the log;
	// anything the echo path already delivered is skipped by id.
	for _, msg := range snap.Messages {
		c.appendChat(msg)
	}
	c.drainPending()
}

// appendChat records one message unless its id was seen before.
func (c *Controller) appendChat(msg domain.ChatMessage) {
	if _, dup := c.chatSeen[msg.ID]; dup {
		return
	}
	c.chatSeen[msg.ID] = struct{}{}
	c.chat = append(c.chat, msg)
}
