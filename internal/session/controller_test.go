package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/core"
	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/mesh"
	"github.com/openhuddle/huddle/internal/proto"
)

// --- collaborator fakes -------------------------------------------------

type sentFrame struct {
	event   string
	payload any
}

type stubSignal struct {
	mu       sync.Mutex
	handlers map[string][]core.Handler
	sent     []sentFrame
	sendErr  error
	closed   bool
	states   chan bool
}

func newStubSignal() *stubSignal {
	return &stubSignal{
		handlers: make(map[string][]core.Handler),
		states:   make(chan bool, 4),
	}
}

func (s *stubSignal) Connect(ctx context.Context) error { return nil }

func (s *stubSignal) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentFrame{event, payload})
	return nil
}

func (s *stubSignal) Subscribe(event string, h core.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
	return func() {}
}

func (s *stubSignal) Connected() bool           { return true }
func (s *stubSignal) StateChanges() <-chan bool { return s.states }
func (s *stubSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// emit pushes one hub event through the subscribed handlers, exactly as
// the read pump would.
func (s *stubSignal) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	s.mu.Lock()
	hs := append([]core.Handler(nil), s.handlers[event]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (s *stubSignal) sentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, f := range s.sent {
		out[i] = f.event
	}
	return out
}

func (s *stubSignal) lastSent(event string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].event == event {
			return s.sent[i].payload, true
		}
	}
	return nil, false
}

func (s *stubSignal) countSent(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.sent {
		if f.event == event {
			n++
		}
	}
	return n
}

func (s *stubSignal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSignal) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *stubSignal) handlerCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

type stubLocalMedia struct {
	mu       sync.Mutex
	micOn    bool
	cameraOn bool
	closed   bool
}

func (m *stubLocalMedia) AudioTrack() *webrtc.TrackLocalStaticRTP { return nil }
func (m *stubLocalMedia) VideoTrack() *webrtc.TrackLocalStaticRTP { return nil }
func (m *stubLocalMedia) SetMicEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micOn = on
}
func (m *stubLocalMedia) SetCameraEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameraOn = on
}
func (m *stubLocalMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
func (m *stubLocalMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type stubSource struct {
	media    *stubLocalMedia
	err      error
	acquires int
}

func (s *stubSource) Acquire(ctx context.Context) (core.LocalMedia, error) {
	s.acquires++
	if s.err != nil {
		return nil, s.err
	}
	return s.media, nil
}

type stubConn struct {
	mu          sync.Mutex
	remoteSet   bool
	closed      bool
	applied     []proto.Candidate
	onConnected func()
}

func (f *stubConn) Start(ctx context.Context) error { return nil }
func (f *stubConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
func (f *stubConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
func (f *stubConn) CreateAndSetOffer() (string, error) { return "offer-sdp", nil }
func (f *stubConn) ApplyOfferAndCreateAnswer(offer string) (string, error) {
	f.mu.Lock()
	f.remoteSet = true
	f.mu.Unlock()
	return "answer-sdp", nil
}
func (f *stubConn) ApplyAnswer(answer string) error {
	f.mu.Lock()
	f.remoteSet = true
	f.mu.Unlock()
	return nil
}
func (f *stubConn) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}
func (f *stubConn) AddICECandidate(cand proto.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cand)
	return nil
}
func (f *stubConn) OnICECandidate(func(proto.Candidate)) {}
func (f *stubConn) OnConnected(fn func())                { f.onConnected = fn }
func (f *stubConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (f *stubConn) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}
func (f *stubConn) OnClosed(func()) {}

type stubFetcher struct {
	mu   sync.Mutex
	snap proto.StateSnapshot
}

func (s *stubFetcher) FetchState(ctx context.Context, callID domain.CallID) (*proto.StateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	return &snap, nil
}

func (s *stubFetcher) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Status = status
}

type stubEnder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubEnder) EndCall(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubEnder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- harness ------------------------------------------------------------

type harness struct {
	ctl     *Controller
	sig     *stubSignal
	local   *stubLocalMedia
	fetcher *stubFetcher
	ender   *stubEnder

	mu    sync.Mutex
	conns map[domain.ParticipantID]*stubConn
}

func (h *harness) conn(id domain.ParticipantID) *stubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

// barrier waits until every task queued so far has run on the loop.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if !h.ctl.do(func() {}) {
		t.Fatal("event loop is gone")
	}
}

func newHarness(t *testing.T, self, creator domain.ParticipantID, opt func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sig:     newStubSignal(),
		local:   &stubLocalMedia{micOn: true, cameraOn: true},
		fetcher: &stubFetcher{snap: proto.StateSnapshot{CallID: "call-1", CreatorID: creator, Status: domain.CallInProgress.String()}},
		ender:   &stubEnder{},
		conns:   make(map[domain.ParticipantID]*stubConn),
	}
	opts := Options{
		CallID:    "call-1",
		SelfID:    self,
		CreatorID: creator,
		Signal:    h.sig,
		Fetcher:   h.fetcher,
		Ender:     h.ender,
		Media:     &stubSource{media: h.local},
		Factory: func(remote domain.ParticipantID) (core.MediaConnection, error) {
			c := &stubConn{}
			h.mu.Lock()
			h.conns[remote] = c
			h.mu.Unlock()
			return c, nil
		},
		PollInterval: time.Hour, // polling driven explicitly per test
		BindingWait:  time.Hour,
	}
	if opt != nil {
		opt(&opts)
	}
	h.ctl = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.ctl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

// --- tests --------------------------------------------------------------

func TestStartJoinsCall(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	if got := h.ctl.Status(); got != domain.CallInProgress {
		t.Errorf("status = %v, want in_progress", got)
	}
	p, ok := h.sig.lastSent(proto.EventJoinCall)
	if !ok {
		t.Fatalf("no join sent: %v", h.sig.sentEvents())
	}
	join := p.(proto.JoinCall)
	if join.CallID != "call-1" || join.ParticipantID != 2 {
		t.Errorf("join payload = %+v", join)
	}
}

func TestMediaFailureIsFatal(t *testing.T) {
	sig := newStubSignal()
	ctl := New(Options{
		CallID:  "call-1",
		SelfID:  1,
		Signal:  sig,
		Fetcher: &stubFetcher{},
		Media:   &stubSource{err: errors.New("no camera")},
		Factory: func(domain.ParticipantID) (core.MediaConnection, error) { return &stubConn{}, nil },
	})

	err := ctl.Start(context.Background())
	var mediaErr *domain.MediaAcquisitionError
	if !errors.As(err, &mediaErr) {
		t.Fatalf("Start error = %v, want MediaAcquisitionError", err)
	}
	if len(sig.sentEvents()) != 0 {
		t.Errorf("join attempted despite media failure: %v", sig.sentEvents())
	}
}

func TestStartRetryAfterJoinFailure(t *testing.T) {
	sig := newStubSignal()
	sig.setSendErr(domain.ErrNotConnected)
	src := &stubSource{media: &stubLocalMedia{micOn: true, cameraOn: true}}
	conns := make(map[domain.ParticipantID]*stubConn)
	ctl := New(Options{
		CallID:    "call-1",
		SelfID:    2,
		CreatorID: 1,
		Signal:    sig,
		Fetcher:   &stubFetcher{snap: proto.StateSnapshot{Status: domain.CallInProgress.String()}},
		Media:     src,
		Factory: func(remote domain.ParticipantID) (core.MediaConnection, error) {
			c := &stubConn{}
			conns[remote] = c
			return c, nil
		},
		PollInterval: time.Hour,
		BindingWait:  time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := ctl.Start(ctx); err == nil {
		t.Fatal("join handshake must fail while the channel is down")
	}
	if got := ctl.Status(); got != domain.CallCreated {
		t.Fatalf("status after failed join = %v, want created", got)
	}

	sig.setSendErr(nil)
	if err := ctl.Start(ctx); err != nil {
		t.Fatalf("retried Start: %v", err)
	}
	if got := ctl.Status(); got != domain.CallInProgress {
		t.Fatalf("status = %v, want in_progress", got)
	}

	// The retry repeats only the handshake: one media acquisition, one
	// handler registration per event, no second dial.
	if src.acquires != 1 {
		t.Errorf("media acquired %d times, want 1", src.acquires)
	}
	if n := sig.handlerCount(proto.EventReceiveChat); n != 1 {
		t.Errorf("%d chat handlers registered, want 1", n)
	}
	if n := sig.handlerCount(proto.EventReceiveOffer); n != 1 {
		t.Errorf("%d offer handlers registered, want 1", n)
	}

	// One hub echo must land exactly once.
	sig.emit(t, proto.EventReceiveChat, proto.ReceiveChat{
		ID: "msg-1", ParticipantID: 1, Text: "hi", SentAt: time.Now(),
	})
	if !ctl.do(func() {}) {
		t.Fatal("event loop is gone")
	}
	if got := ctl.Messages(); len(got) != 1 {
		t.Errorf("one hub echo appended %d chat rows, want 1", len(got))
	}

	// And one remote offer negotiates exactly one link.
	sig.emit(t, proto.EventCurrentParticipants, proto.CurrentParticipants{
		Entries: []proto.BindingEntry{{ConnectionID: "conn-1", ParticipantID: 1}},
	})
	sig.emit(t, proto.EventReceiveOffer, proto.ReceiveOffer{From: "conn-1", SDP: "their-offer"})
	if !ctl.do(func() {}) {
		t.Fatal("event loop is gone")
	}
	if n := sig.countSent(proto.EventSendAnswer); n != 1 {
		t.Errorf("%d answers sent for one offer, want 1", n)
	}
	if st, _ := ctl.LinkState(1); st != mesh.StateAnswerSent {
		t.Errorf("link state = %v, want answer_sent", st)
	}
}

func TestQueriesBeforeStart(t *testing.T) {
	ctl := New(Options{
		CallID:    "call-1",
		SelfID:    2,
		CreatorID: 1,
		Signal:    newStubSignal(),
		Fetcher:   &stubFetcher{},
		Media:     &stubSource{media: &stubLocalMedia{}},
		Factory:   func(domain.ParticipantID) (core.MediaConnection, error) { return &stubConn{}, nil },
	})

	if got := ctl.Status(); got != domain.CallCreated {
		t.Errorf("status = %v, want created", got)
	}
	if got := ctl.Participants(); len(got) != 0 {
		t.Errorf("participants = %+v, want empty", got)
	}
	if got := ctl.Messages(); len(got) != 0 {
		t.Errorf("messages = %+v, want empty", got)
	}
	if _, ok := ctl.LinkState(1); ok {
		t.Error("link reported before any negotiation")
	}
	if !ctl.MicOn() || !ctl.CameraOn() {
		t.Error("local tracks must report enabled before start")
	}
}

func TestNewcomerAnswersExistingMember(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	h.sig.emit(t, proto.EventCurrentParticipants, proto.CurrentParticipants{
		Entries: []proto.BindingEntry{{ConnectionID: "conn-1", ParticipantID: 1}},
	})
	h.sig.emit(t, proto.EventReceiveOffer, proto.ReceiveOffer{From: "conn-1", SDP: "their-offer"})
	h.barrier(t)

	p, ok := h.sig.lastSent(proto.EventSendAnswer)
	if !ok {
		t.Fatalf("no answer sent: %v", h.sig.sentEvents())
	}
	if ans := p.(proto.SendAnswer); ans.To != 1 || ans.SDP != "answer-sdp" {
		t.Errorf("answer payload = %+v", ans)
	}
	if st, ok := h.ctl.LinkState(1); !ok || st != mesh.StateAnswerSent {
		t.Errorf("link state = %v ok=%v, want answer_sent", st, ok)
	}

	// Transport comes up; answering side reaches connected through the
	// media callback.
	h.conn(1).onConnected()
	h.barrier(t)
	if st, _ := h.ctl.LinkState(1); st != mesh.StateConnected {
		t.Errorf("link state = %v, want connected", st)
	}
}

func TestPreexistingSideOffersOnJoin(t *testing.T) {
	h := newHarness(t, 1, 1, nil)

	h.sig.emit(t, proto.EventUserJoined, proto.UserJoined{ParticipantID: 2, ConnectionID: "conn-2"})
	h.barrier(t)

	p, ok := h.sig.lastSent(proto.EventSendOffer)
	if !ok {
		t.Fatalf("no offer sent: %v", h.sig.sentEvents())
	}
	if off := p.(proto.SendOffer); off.To != 2 {
		t.Errorf("offer payload = %+v", off)
	}

	h.sig.emit(t, proto.EventReceiveAnswer, proto.ReceiveAnswer{From: "conn-2", SDP: "their-answer"})
	h.barrier(t)
	if st, _ := h.ctl.LinkState(2); st != mesh.StateConnected {
		t.Errorf("link state = %v, want connected", st)
	}

	roster := h.ctl.Participants()
	if len(roster) != 1 || roster[0].ID != 2 || !roster[0].Connected {
		t.Errorf("roster = %+v", roster)
	}
}

func TestSignalsBufferedUntilBindingResolves(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	// Offer and a trailing candidate arrive before anything bound conn-1.
	h.sig.emit(t, proto.EventReceiveOffer, proto.ReceiveOffer{From: "conn-1", SDP: "their-offer"})
	h.sig.emit(t, proto.EventReceiveCandidate, proto.ReceiveCandidate{From: "conn-1", Candidate: proto.Candidate{Candidate: "cand-1"}})
	h.barrier(t)

	if _, ok := h.sig.lastSent(proto.EventSendAnswer); ok {
		t.Fatal("answered before the sender's identity was known")
	}
	if _, ok := h.ctl.LinkState(1); ok {
		t.Fatal("link created for an unresolved connection id")
	}

	// The binding arrives; the queue replays in received order.
	h.sig.emit(t, proto.EventCurrentParticipants, proto.CurrentParticipants{
		Entries: []proto.BindingEntry{{ConnectionID: "conn-1", ParticipantID: 1}},
	})
	h.barrier(t)

	if _, ok := h.sig.lastSent(proto.EventSendAnswer); !ok {
		t.Fatalf("buffered offer never replayed: %v", h.sig.sentEvents())
	}
	c := h.conn(1)
	c.mu.Lock()
	applied := append([]proto.Candidate(nil), c.applied...)
	c.mu.Unlock()
	if len(applied) != 1 || applied[0].Candidate != "cand-1" {
		t.Errorf("buffered candidate not replayed after the offer: %+v", applied)
	}
}

func TestUnresolvedSignalsDropAfterWait(t *testing.T) {
	h := newHarness(t, 2, 1, func(o *Options) { o.BindingWait = 20 * time.Millisecond })

	h.sig.emit(t, proto.EventReceiveOffer, proto.ReceiveOffer{From: "conn-ghost", SDP: "their-offer"})
	h.barrier(t)

	time.Sleep(100 * time.Millisecond)
	h.barrier(t)

	// Late binding must not resurrect the dropped offer.
	h.sig.emit(t, proto.EventCurrentParticipants, proto.CurrentParticipants{
		Entries: []proto.BindingEntry{{ConnectionID: "conn-ghost", ParticipantID: 9}},
	})
	h.barrier(t)

	if _, ok := h.sig.lastSent(proto.EventSendAnswer); ok {
		t.Error("expired signal was replayed after the wait")
	}
}

func TestChatAppendsOnHubEchoOnly(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	if err := h.ctl.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if got := h.ctl.Messages(); len(got) != 0 {
		t.Fatalf("message appended before hub echo: %+v", got)
	}
	p, ok := h.sig.lastSent(proto.EventSendChat)
	if !ok {
		t.Fatalf("chat not sent: %v", h.sig.sentEvents())
	}
	if sc := p.(proto.SendChat); sc.Text != "hello" || sc.ParticipantID != 2 {
		t.Errorf("chat payload = %+v", sc)
	}

	h.sig.emit(t, proto.EventReceiveChat, proto.ReceiveChat{
		ID: "msg-1", ParticipantID: 2, Text: "hello", SentAt: time.Now(),
	})
	h.barrier(t)

	got := h.ctl.Messages()
	if len(got) != 1 || got[0].Text != "hello" || got[0].ID != "msg-1" {
		t.Errorf("messages = %+v", got)
	}
}

func TestSnapshotBackfillsChatHistory(t *testing.T) {
	h := newHarness(t, 2, 1, nil)
	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &proto.StateSnapshot{
		CallID:    "call-1",
		CreatorID: 1,
		Status:    domain.CallInProgress.String(),
		Participants: []proto.SnapshotParticipant{
			{ParticipantID: 1, ConnectionID: "conn-1", Connected: true, JoinedAt: sent},
		},
		Messages: []domain.ChatMessage{
			{ID: "msg-1", ParticipantID: 1, Text: "before you joined", SentAt: sent},
		},
	}

	h.ctl.do(func() { h.ctl.applySnapshot(snap) })

	got := h.ctl.Messages()
	if len(got) != 1 || got[0].Text != "before you joined" {
		t.Fatalf("late joiner chat log = %+v, want the pre-join message", got)
	}

	// The hub echo of the same message must not duplicate it.
	h.sig.emit(t, proto.EventReceiveChat, proto.ReceiveChat{
		ID: "msg-1", ParticipantID: 1, Text: "before you joined", SentAt: sent,
	})
	h.barrier(t)
	if got := h.ctl.Messages(); len(got) != 1 {
		t.Errorf("snapshot + echo of one message = %d rows, want 1", len(got))
	}

	// A fresh echo appends, and re-applying a snapshot that includes it
	// must not double it either.
	h.sig.emit(t, proto.EventReceiveChat, proto.ReceiveChat{
		ID: "msg-2", ParticipantID: 2, Text: "hello", SentAt: sent.Add(time.Second),
	})
	h.barrier(t)
	snap.Messages = append(snap.Messages, domain.ChatMessage{
		ID: "msg-2", ParticipantID: 2, Text: "hello", SentAt: sent.Add(time.Second),
	})
	h.ctl.do(func() { h.ctl.applySnapshot(snap) })

	got = h.ctl.Messages()
	if len(got) != 2 || got[0].ID != "msg-1" || got[1].ID != "msg-2" {
		t.Errorf("chat log = %+v, want msg-1 then msg-2", got)
	}
}

func TestChatRejectsOversizedText(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	err := h.ctl.SendChat(strings.Repeat("x", domain.MaxChatTextLen+1))
	if !errors.Is(err, domain.ErrChatTextTooLong) {
		t.Errorf("err = %v, want ErrChatTextTooLong", err)
	}
	if h.sig.countSent(proto.EventSendChat) != 0 {
		t.Error("oversized message still sent")
	}
}

func TestToggleMicBroadcastsWithoutRenegotiation(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	on, err := h.ctl.ToggleMic()
	if err != nil {
		t.Fatalf("ToggleMic: %v", err)
	}
	if on {
		t.Error("mic starts enabled; first toggle should disable")
	}
	h.local.mu.Lock()
	micOn := h.local.micOn
	h.local.mu.Unlock()
	if micOn {
		t.Error("local track not disabled")
	}
	p, ok := h.sig.lastSent(proto.EventMuteChanged)
	if !ok {
		t.Fatalf("mute not broadcast: %v", h.sig.sentEvents())
	}
	if mc := p.(proto.MuteChanged); !mc.Muted || mc.ParticipantID != 2 {
		t.Errorf("mute payload = %+v", mc)
	}
	if h.sig.countSent(proto.EventSendOffer) != 0 {
		t.Error("toggle triggered renegotiation")
	}
}

func TestRemoteFlagEventsUpdateRoster(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	h.sig.emit(t, proto.EventUserJoined, proto.UserJoined{ParticipantID: 3, ConnectionID: "conn-3"})
	h.sig.emit(t, proto.EventUserMuteChanged, proto.MuteChanged{ParticipantID: 3, Muted: true})
	h.sig.emit(t, proto.EventUserCameraChanged, proto.CameraChanged{ParticipantID: 3, CameraOn: true})
	h.barrier(t)

	roster := h.ctl.Participants()
	if len(roster) != 1 {
		t.Fatalf("roster = %+v", roster)
	}
	if p := roster[0]; !p.Muted || !p.CameraOn {
		t.Errorf("flags not applied: %+v", p)
	}
}

func TestNonCreatorCannotEnd(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	err := h.ctl.End(context.Background())
	if !errors.Is(err, domain.ErrNotCreator) {
		t.Fatalf("err = %v, want ErrNotCreator", err)
	}
	if h.ender.callCount() != 0 {
		t.Error("end request reached the lifecycle API")
	}
	if got := h.ctl.Status(); got != domain.CallInProgress {
		t.Errorf("status = %v; rejection must leave the session running", got)
	}
	if h.sig.isClosed() {
		t.Error("signaling closed by a rejected end")
	}
}

func TestCreatorEndTerminatesEverything(t *testing.T) {
	h := newHarness(t, 1, 1, nil)

	h.sig.emit(t, proto.EventUserJoined, proto.UserJoined{ParticipantID: 2, ConnectionID: "conn-2"})
	h.barrier(t)

	if err := h.ctl.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if h.ender.callCount() != 1 {
		t.Errorf("lifecycle API called %d times, want 1", h.ender.callCount())
	}
	if got := h.ctl.Status(); got != domain.CallEnded {
		t.Errorf("status = %v, want ended", got)
	}
	if c := h.conn(2); !c.IsClosed() {
		t.Error("peer link survived end")
	}
	if !h.local.isClosed() {
		t.Error("local media survived end")
	}
	if !h.sig.isClosed() {
		t.Error("signaling survived end")
	}

	if err := h.ctl.End(context.Background()); !errors.Is(err, domain.ErrSessionEnded) {
		t.Errorf("second End = %v, want ErrSessionEnded", err)
	}
}

func TestLeaveTearsDownLocallyOnly(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	if err := h.ctl.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if h.sig.countSent(proto.EventLeaveCall) != 1 {
		t.Errorf("leave notice missing: %v", h.sig.sentEvents())
	}
	if h.ender.callCount() != 0 {
		t.Error("leave must not end the call for everyone")
	}
	if got := h.ctl.Status(); got != domain.CallEnded {
		t.Errorf("status = %v, want ended locally", got)
	}
}

func TestEventsAfterEndAreNoOps(t *testing.T) {
	h := newHarness(t, 1, 1, nil)

	if err := h.ctl.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	h.sig.emit(t, proto.EventUserJoined, proto.UserJoined{ParticipantID: 5, ConnectionID: "conn-5"})
	h.sig.emit(t, proto.EventReceiveChat, proto.ReceiveChat{ID: "late", ParticipantID: 5, Text: "late"})
	h.barrier(t)

	if got := h.ctl.Participants(); len(got) != 0 {
		t.Errorf("late join mutated the roster: %+v", got)
	}
	if got := h.ctl.Messages(); len(got) != 0 {
		t.Errorf("late chat appended: %+v", got)
	}
	if h.sig.countSent(proto.EventSendOffer) != 0 {
		t.Error("late join started a negotiation")
	}
}

func TestRemoteEndObservedViaSnapshot(t *testing.T) {
	h := newHarness(t, 2, 1, func(o *Options) { o.PollInterval = 20 * time.Millisecond })

	h.fetcher.setStatus(domain.CallEnded.String())

	deadline := time.After(2 * time.Second)
	for h.ctl.Status() != domain.CallEnded {
		select {
		case <-deadline:
			t.Fatal("remote end never observed through polling")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !h.sig.isClosed() {
		t.Error("signaling survived remote end")
	}
}

func TestReconnectInvalidatesBindings(t *testing.T) {
	h := newHarness(t, 2, 1, nil)

	h.sig.emit(t, proto.EventCurrentParticipants, proto.CurrentParticipants{
		Entries: []proto.BindingEntry{{ConnectionID: "conn-1", ParticipantID: 1}},
	})
	h.barrier(t)

	h.sig.states <- false
	h.sig.states <- true
	// Let watchConnState forward the flip onto the loop.
	time.Sleep(50 * time.Millisecond)
	h.barrier(t)

	// The stale connection id must no longer route negotiation messages.
	h.sig.emit(t, proto.EventReceiveOffer, proto.ReceiveOffer{From: "conn-1", SDP: "their-offer"})
	h.barrier(t)
	if _, ok := h.sig.lastSent(proto.EventSendAnswer); ok {
		t.Error("offer routed through an invalidated binding")
	}
	// The roster itself survives the reconnect.
	if got := h.ctl.Participants(); len(got) != 1 {
		t.Errorf("roster lost across reconnect: %+v", got)
	}
}

var (
	_ core.SignalChannel   = (*stubSignal)(nil)
	_ core.MediaConnection = (*stubConn)(nil)
	_ core.LocalMedia      = (*stubLocalMedia)(nil)
	_ core.MediaSource     = (*stubSource)(nil)
	_ StateFetcher         = (*stubFetcher)(nil)
	_ CallEnder            = (*stubEnder)(nil)
)
