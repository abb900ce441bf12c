package driver

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Negotiator is the connection-negotiation capability the driver steers.
// Offer/answer/candidate bodies cross the broker as opaque JSON; the
// Negotiator is the only component that interprets them.
type Negotiator interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetLocalDescription(desc json.RawMessage) error
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	// OnLocalCandidate registers a callback for locally discovered network
	// path candidates. A nil candidate marks the end of gathering and is not
	// delivered.
	OnLocalCandidate(func(candidate json.RawMessage))

	// OnConnected fires once the engine reports an established connection.
	OnConnected(func())

	// AttachStream hands local media tracks to the engine so they are part of
	// the generated offer or answer.
	AttachStream(s *Stream) error

	Close() error
}

func marshalDescription(d webrtc.SessionDescription) (json.RawMessage, error) {
	return json.Marshal(d)
}

func unmarshalDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var d webrtc.SessionDescription
	err := json.Unmarshal(raw, &d)
	return d, err
}
