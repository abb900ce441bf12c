package driver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State tracks where a Driver is in the call lifecycle. Transitions are
// strictly forward; a closed driver is never reused.
type State int

const (
	StateIdle State = iota
	StateAwaitingLocalMedia
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLocalMedia:
		return "awaiting-local-media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config assembles a Driver's collaborators. Signaler, Negotiator, and Media
// are required; Transcriber is optional.
type Config struct {
	Logger      *slog.Logger
	Signaler    Signaler
	Negotiator  Negotiator
	Media       MediaSource
	Transcriber Transcriber

	Video bool
	Audio bool
}

// Driver reacts to broker messages by steering the Negotiator, and re-emits
// the Negotiator's output back through the broker. Whichever peer is already
// in the room when the other joins receives peer-joined and becomes the offer
// initiator; the later joiner stays passive until the offer arrives.
type Driver struct {
	log         *slog.Logger
	sig         Signaler
	neg         Negotiator
	media       MediaSource
	transcriber Transcriber
	video       bool
	audio       bool

	connected chan struct{}
	captions  <-chan Caption

	mu            sync.Mutex
	state         State
	roomID        string
	stream        *Stream
	mediaAttached bool
	connectedOnce sync.Once
}

func New(cfg Config) (*Driver, error) {
	if cfg.Signaler == nil || cfg.Negotiator == nil || cfg.Media == nil {
		return nil, errors.New("driver requires a signaler, a negotiator, and a media source")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Driver{
		log:         log,
		sig:         cfg.Signaler,
		neg:         cfg.Negotiator,
		media:       cfg.Media,
		transcriber: cfg.Transcriber,
		video:       cfg.Video,
		audio:       cfg.Audio,
		connected:   make(chan struct{}),
		state:       StateIdle,
	}

	d.neg.OnLocalCandidate(func(candidate json.RawMessage) {
		if err := d.sig.Send(Message{Type: MessageTypeCandidate, RoomID: d.RoomID(), Candidate: candidate}); err != nil {
			d.log.Warn("send candidate failed", "err", err)
		}
	})
	d.neg.OnConnected(func() {
		d.setState(StateConnected)
		d.connectedOnce.Do(func() { close(d.connected) })
		d.log.Info("peer connection established")
	})

	return d, nil
}

// CreateRoom generates a fresh collision-resistant room identifier and joins
// it. Returns the identifier for sharing with the other party.
func (d *Driver) CreateRoom(ctx context.Context) (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	roomID := hex.EncodeToString(buf[:])
	if err := d.JoinRoom(ctx, roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

// JoinRoom acquires local media, attaches it to the negotiation engine, and
// announces this participant to the room. Media failures leave the driver in
// the awaiting-media state so the caller can retry after the user intervenes.
func (d *Driver) JoinRoom(ctx context.Context, roomID string) error {
	d.setState(StateAwaitingLocalMedia)

	stream, err := d.media.Acquire(d.video, d.audio)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	if err := d.neg.AttachStream(stream); err != nil {
		_ = stream.Stop()
		return fmt.Errorf("attach media: %w", err)
	}

	d.mu.Lock()
	d.stream = stream
	d.mediaAttached = true
	d.roomID = roomID
	d.mu.Unlock()

	if d.transcriber != nil {
		captions, err := d.transcriber.Transcribe(ctx, stream)
		if err != nil {
			d.log.Warn("transcription unavailable", "err", err)
		} else {
			d.captions = captions
		}
	}

	if err := d.sig.Send(Message{Type: MessageTypeJoin, RoomID: roomID}); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	d.setState(StateNegotiating)
	d.log.Info("joined room", "room", roomID)
	return nil
}

// Run consumes the broker's message stream until the context ends or the
// signaling connection closes. Negotiation errors are logged and the loop
// keeps going: a malformed body from the peer must not kill the session, and
// sequencing violations are an upstream concern.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.sig.Recv():
			if !ok {
				if d.State() == StateClosed {
					return nil
				}
				return errors.New("signaling connection closed")
			}
			if err := d.handle(msg); err != nil {
				d.log.Warn("signaling event failed", "type", msg.Type, "err", err)
			}
		}
	}
}

func (d *Driver) handle(msg Message) error {
	switch msg.Type {
	case MessageTypePeerJoined:
		return d.handlePeerJoined()
	case MessageTypeOffer:
		return d.handleOffer(msg)
	case MessageTypeAnswer:
		return d.neg.SetRemoteDescription(msg.Answer)
	case MessageTypeCandidate:
		return d.neg.AddICECandidate(msg.Candidate)
	default:
		return fmt.Errorf("unexpected message type %q", msg.Type)
	}
}

// handlePeerJoined starts negotiation from the side that was already present.
// Without attached media there is nothing to offer yet; the event is dropped
// and the peer will wait.
func (d *Driver) handlePeerJoined() error {
	d.mu.Lock()
	attached := d.mediaAttached
	roomID := d.roomID
	d.mu.Unlock()
	if !attached {
		d.log.Debug("peer joined before local media was ready, not offering")
		return nil
	}

	offer, err := d.neg.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := d.neg.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := d.sig.Send(Message{Type: MessageTypeOffer, RoomID: roomID, Offer: offer}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (d *Driver) handleOffer(msg Message) error {
	if err := d.neg.SetRemoteDescription(msg.Offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := d.neg.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := d.neg.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := d.sig.Send(Message{Type: MessageTypeAnswer, RoomID: d.RoomID(), Answer: answer}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// Connected is closed once the negotiation engine reports an established
// direct connection.
func (d *Driver) Connected() <-chan struct{} {
	return d.connected
}

// Captions returns the live caption stream, or nil when transcription is
// disabled or unavailable.
func (d *Driver) Captions() <-chan Caption {
	return d.captions
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) RoomID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roomID
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	if d.state != StateClosed {
		d.state = s
	}
	d.mu.Unlock()
}

// Close tears the session down: broker disconnect, negotiation engine close,
// media release. All three run on every exit path even when one fails; the
// errors are joined.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = StateClosed
	stream := d.stream
	d.mu.Unlock()

	return errors.Join(
		d.sig.Close(),
		d.neg.Close(),
		stream.Stop(),
	)
}
