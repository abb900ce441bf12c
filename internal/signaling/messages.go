package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type messageType string

const (
	messageTypeJoin       messageType = "join"
	messageTypeOffer      messageType = "offer"
	messageTypeAnswer     messageType = "answer"
	messageTypeCandidate  messageType = "candidate"
	messageTypePeerJoined messageType = "peer-joined"
)

// envelope is the broker's wire message. Offer, answer, and candidate bodies
// are opaque: they belong to the peers' negotiation engines and are forwarded
// structure-for-structure without inspection. Clients include roomId on every
// message, but routing always uses the sender's current room membership.
type envelope struct {
	Type      messageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func parseEnvelope(data []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg envelope
	if err := dec.Decode(&msg); err != nil {
		return envelope{}, err
	}
	if err := msg.validate(); err != nil {
		return envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m envelope) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("join message missing roomId")
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
		// Payload bodies are deliberately not validated. The broker routes by
		// membership only; a malformed body is the receiving client's problem.
	case messageTypePeerJoined:
		return fmt.Errorf("peer-joined is broker-originated")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// forwardBytes re-encodes m for delivery to the sender's roommates, keeping
// only the type and the opaque payload. The receiver already knows its room.
func (m envelope) forwardBytes() ([]byte, error) {
	out := envelope{Type: m.Type}
	switch m.Type {
	case messageTypeOffer:
		out.Offer = m.Offer
	case messageTypeAnswer:
		out.Answer = m.Answer
	case messageTypeCandidate:
		out.Candidate = m.Candidate
	default:
		return nil, fmt.Errorf("message type %q is not forwardable", m.Type)
	}
	return json.Marshal(out)
}

var peerJoinedBytes = []byte(`{"type":"peer-joined"}`)
