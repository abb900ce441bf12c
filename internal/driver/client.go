package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message mirrors the broker's wire envelope. Payload bodies stay opaque at
// this layer; the Driver passes them to the Negotiator untouched.
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

const (
	MessageTypeJoin       = "join"
	MessageTypeOffer      = "offer"
	MessageTypeAnswer     = "answer"
	MessageTypeCandidate  = "candidate"
	MessageTypePeerJoined = "peer-joined"
)

// Signaler is the driver's view of the broker connection: an ordered,
// reliable, bidirectional message channel.
type Signaler interface {
	Send(msg Message) error
	// Recv returns the inbound message stream. The channel closes when the
	// connection is gone.
	Recv() <-chan Message
	Close() error
}

// Client is the WebSocket Signaler used against a real broker.
type Client struct {
	conn *websocket.Conn
	recv chan Message

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func Dial(ctx context.Context, wsURL string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", wsURL, err)
	}

	c := &Client{conn: conn, recv: make(chan Message, 16)}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.recv)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// The broker only emits well-formed envelopes; anything else means
			// the stream is unusable.
			return
		}
		c.recv <- msg
	}
}

func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Recv() <-chan Message {
	return c.recv
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
