package driver

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// PionNegotiator implements Negotiator over a real peer connection.
type PionNegotiator struct {
	pc *webrtc.PeerConnection
}

func NewPionNegotiator(log *slog.Logger, stunURLs []string) (*PionNegotiator, error) {
	se := webrtc.SettingEngine{LoggerFactory: newSlogLoggerFactory(log)}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionNegotiator{pc: pc}, nil
}

func (n *PionNegotiator) CreateOffer() (json.RawMessage, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return marshalDescription(offer)
}

func (n *PionNegotiator) CreateAnswer() (json.RawMessage, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return marshalDescription(answer)
}

func (n *PionNegotiator) SetLocalDescription(raw json.RawMessage) error {
	desc, err := unmarshalDescription(raw)
	if err != nil {
		return fmt.Errorf("decode local description: %w", err)
	}
	return n.pc.SetLocalDescription(desc)
}

func (n *PionNegotiator) SetRemoteDescription(raw json.RawMessage) error {
	desc, err := unmarshalDescription(raw)
	if err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	return n.pc.SetRemoteDescription(desc)
}

func (n *PionNegotiator) AddICECandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return n.pc.AddICECandidate(init)
}

func (n *PionNegotiator) OnLocalCandidate(cb func(json.RawMessage)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-gathering marker, nothing to relay.
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		cb(raw)
	})
}

func (n *PionNegotiator) OnConnected(cb func()) {
	n.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			cb()
		}
	})
}

func (n *PionNegotiator) AttachStream(s *Stream) error {
	if s == nil {
		return nil
	}
	for _, track := range s.Tracks {
		if _, err := n.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

func (n *PionNegotiator) Close() error {
	return n.pc.Close()
}
