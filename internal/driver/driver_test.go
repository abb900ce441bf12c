package driver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []Message
	recv   chan Message
	closed bool

	closeErr error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{recv: make(chan Message, 16)}
}

func (f *fakeSignaler) Send(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Recv() <-chan Message { return f.recv }

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeSignaler) sentMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeSignaler) waitForSent(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.sentMessages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d sent messages, have %+v", n, f.sentMessages())
	return nil
}

type fakeNegotiator struct {
	mu sync.Mutex

	offer  json.RawMessage
	answer json.RawMessage

	localDescs  []json.RawMessage
	remoteDescs []json.RawMessage
	candidates  []json.RawMessage
	attached    []*Stream
	closed      bool

	onLocalCandidate func(json.RawMessage)
	onConnected      func()

	closeErr error
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{
		offer:  json.RawMessage(`{"type":"offer","sdp":"v=0 fake-offer"}`),
		answer: json.RawMessage(`{"type":"answer","sdp":"v=0 fake-answer"}`),
	}
}

func (f *fakeNegotiator) CreateOffer() (json.RawMessage, error)  { return f.offer, nil }
func (f *fakeNegotiator) CreateAnswer() (json.RawMessage, error) { return f.answer, nil }

func (f *fakeNegotiator) SetLocalDescription(d json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDescs = append(f.localDescs, d)
	return nil
}

func (f *fakeNegotiator) SetRemoteDescription(d json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, d)
	return nil
}

func (f *fakeNegotiator) AddICECandidate(c json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeNegotiator) OnLocalCandidate(cb func(json.RawMessage)) { f.onLocalCandidate = cb }
func (f *fakeNegotiator) OnConnected(cb func())                    { f.onConnected = cb }

func (f *fakeNegotiator) AttachStream(s *Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, s)
	return nil
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

type fakeMedia struct {
	err     error
	stopped bool
	stopErr error
}

func (f *fakeMedia) Acquire(video, audio bool) (*Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return NewStream(nil, func() error {
		f.stopped = true
		return f.stopErr
	}), nil
}

func newTestDriver(t *testing.T, sig *fakeSignaler, neg *fakeNegotiator, media MediaSource) *Driver {
	t.Helper()
	d, err := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Signaler:   sig,
		Negotiator: neg,
		Media:      media,
	})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return d
}

func startDriver(t *testing.T, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestJoinRoomSendsJoinAfterMedia(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})

	if err := d.JoinRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := d.State(); got != StateNegotiating {
		t.Fatalf("state=%v, want %v", got, StateNegotiating)
	}
	if len(neg.attached) != 1 {
		t.Fatalf("attached=%d streams, want 1", len(neg.attached))
	}
	msgs := sig.sentMessages()
	if len(msgs) != 1 || msgs[0].Type != MessageTypeJoin || msgs[0].RoomID != "room-1" {
		t.Fatalf("sent=%+v", msgs)
	}
}

func TestCreateRoomGeneratesIdentifier(t *testing.T) {
	sig := newFakeSignaler()
	d := newTestDriver(t, sig, newFakeNegotiator(), &fakeMedia{})

	roomID, err := d.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if len(roomID) != 32 {
		t.Fatalf("roomID=%q, want 32 hex chars", roomID)
	}
	if msgs := sig.sentMessages(); len(msgs) != 1 || msgs[0].RoomID != roomID {
		t.Fatalf("sent=%+v", msgs)
	}
}

func TestMediaFailureSurfacesAndSkipsJoin(t *testing.T) {
	sig := newFakeSignaler()
	d := newTestDriver(t, sig, newFakeNegotiator(), &fakeMedia{err: ErrPermissionDenied})

	err := d.JoinRoom(context.Background(), "room-1")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err=%v, want ErrPermissionDenied", err)
	}
	if got := d.State(); got != StateAwaitingLocalMedia {
		t.Fatalf("state=%v, want %v", got, StateAwaitingLocalMedia)
	}
	if msgs := sig.sentMessages(); len(msgs) != 0 {
		t.Fatalf("sent=%+v, want none", msgs)
	}
}

func TestPeerJoinedTriggersOffer(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})

	if err := d.JoinRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	startDriver(t, d)

	sig.recv <- Message{Type: MessageTypePeerJoined}

	msgs := sig.waitForSent(t, 2)
	if msgs[1].Type != MessageTypeOffer {
		t.Fatalf("second message type=%q, want offer", msgs[1].Type)
	}
	if string(msgs[1].Offer) != string(neg.offer) {
		t.Fatalf("offer=%s", msgs[1].Offer)
	}
	if len(neg.localDescs) != 1 || string(neg.localDescs[0]) != string(neg.offer) {
		t.Fatalf("localDescs=%v", neg.localDescs)
	}
}

func TestPeerJoinedWithoutMediaDoesNotOffer(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})
	startDriver(t, d)

	sig.recv <- Message{Type: MessageTypePeerJoined}

	time.Sleep(100 * time.Millisecond)
	if msgs := sig.sentMessages(); len(msgs) != 0 {
		t.Fatalf("sent=%+v, want none", msgs)
	}
}

func TestOfferProducesAnswer(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})

	if err := d.JoinRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	startDriver(t, d)

	remoteOffer := json.RawMessage(`{"type":"offer","sdp":"v=0 remote"}`)
	sig.recv <- Message{Type: MessageTypeOffer, Offer: remoteOffer}

	msgs := sig.waitForSent(t, 2)
	if msgs[1].Type != MessageTypeAnswer || string(msgs[1].Answer) != string(neg.answer) {
		t.Fatalf("msgs=%+v", msgs)
	}
	if len(neg.remoteDescs) != 1 || string(neg.remoteDescs[0]) != string(remoteOffer) {
		t.Fatalf("remoteDescs=%v", neg.remoteDescs)
	}
	if len(neg.localDescs) != 1 || string(neg.localDescs[0]) != string(neg.answer) {
		t.Fatalf("localDescs=%v", neg.localDescs)
	}
}

func TestAnswerSetsRemoteDescriptionOnly(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})

	if err := d.JoinRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	startDriver(t, d)

	remoteAnswer := json.RawMessage(`{"type":"answer","sdp":"v=0 remote"}`)
	sig.recv <- Message{Type: MessageTypeAnswer, Answer: remoteAnswer}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		neg.mu.Lock()
		n := len(neg.remoteDescs)
		neg.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(neg.remoteDescs) != 1 || string(neg.remoteDescs[0]) != string(remoteAnswer) {
		t.Fatalf("remoteDescs=%v", neg.remoteDescs)
	}
	// No answer to an answer.
	if msgs := sig.sentMessages(); len(msgs) != 1 {
		t.Fatalf("sent=%+v, want join only", msgs)
	}
}

func TestRemoteCandidateAdded(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})
	startDriver(t, d)

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 198.51.100.4 40000 typ host"}`)
	sig.recv <- Message{Type: MessageTypeCandidate, Candidate: candidate}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		neg.mu.Lock()
		n := len(neg.candidates)
		neg.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(neg.candidates) != 1 || string(neg.candidates[0]) != string(candidate) {
		t.Fatalf("candidates=%v", neg.candidates)
	}
}

func TestLocalCandidateForwarded(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})

	if err := d.JoinRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	candidate := json.RawMessage(`{"candidate":"candidate:2 1 udp 1 203.0.113.9 40001 typ host"}`)
	neg.onLocalCandidate(candidate)

	msgs := sig.sentMessages()
	if len(msgs) != 2 || msgs[1].Type != MessageTypeCandidate || string(msgs[1].Candidate) != string(candidate) {
		t.Fatalf("sent=%+v", msgs)
	}
}

func TestConnectedSignal(t *testing.T) {
	sig := newFakeSignaler()
	neg := newFakeNegotiator()
	d := newTestDriver(t, sig, neg, &fakeMedia{})

	neg.onConnected()

	select {
	case <-d.Connected():
	default:
		t.Fatal("Connected channel not closed")
	}
	if got := d.State(); got != StateConnected {
		t.Fatalf("state=%v, want %v", got, StateConnected)
	}
}

func TestCloseRunsAllTeardownSteps(t *testing.T) {
	sigErr := errors.New("signaler close failed")
	negErr := errors.New("negotiator close failed")
	stopErr := errors.New("media stop failed")

	sig := newFakeSignaler()
	sig.closeErr = sigErr
	neg := newFakeNegotiator()
	neg.closeErr = negErr
	media := &fakeMedia{stopErr: stopErr}
	d := newTestDriver(t, sig, neg, media)

	if err := d.JoinRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	err := d.Close()
	for _, want := range []error{sigErr, negErr, stopErr} {
		if !errors.Is(err, want) {
			t.Fatalf("err=%v, missing %v", err, want)
		}
	}
	if !sig.closed || !neg.closed || !media.stopped {
		t.Fatalf("teardown incomplete: sig=%v neg=%v media=%v", sig.closed, neg.closed, media.stopped)
	}
	if got := d.State(); got != StateClosed {
		t.Fatalf("state=%v, want %v", got, StateClosed)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRunReturnsNilAfterClose(t *testing.T) {
	sig := newFakeSignaler()
	d := newTestDriver(t, sig, newFakeNegotiator(), &fakeMedia{})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	_ = d.Close()
	close(sig.recv)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v after close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}
