package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerwave/peerwave/internal/metrics"
)

func startBroker(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := NewServer(cfg)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// testClient wraps a WebSocket connection and pumps received messages into a
// channel so tests can assert both delivery and non-delivery.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	recv chan envelope
}

func dialClient(t *testing.T, wsURL string) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, conn: conn, recv: make(chan envelope, 16)}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		defer close(c.recv)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg envelope
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			c.recv <- msg
		}
	}()

	return c
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) join(roomID string) {
	c.t.Helper()
	c.send(`{"type":"join","roomId":"` + roomID + `"}`)
}

// expect waits for the next message and asserts its type.
func (c *testClient) expect(want messageType) envelope {
	c.t.Helper()
	select {
	case msg, ok := <-c.recv:
		if !ok {
			c.t.Fatalf("connection closed while waiting for %q", want)
		}
		if msg.Type != want {
			c.t.Fatalf("got message type %q, want %q", msg.Type, want)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for %q", want)
	}
	return envelope{}
}

// expectNone asserts that no message arrives within a short window.
func (c *testClient) expectNone() {
	c.t.Helper()
	select {
	case msg, ok := <-c.recv:
		if ok {
			c.t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	select {
	case msg, ok := <-c.recv:
		if ok {
			c.t.Fatalf("expected close, got message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for close")
	}
}

func waitForMembers(t *testing.T, srv *Server, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Registry().Members(roomID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %q never reached %d members", roomID, want)
}

func TestJoinNotifiesExistingMembersOnly(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	// First member hears nothing about its own join.
	alice.expectNone()

	bob := dialClient(t, wsURL)
	bob.join("room-1")

	alice.expect(messageTypePeerJoined)
	bob.expectNone()
}

func TestOfferAnswerCandidateRelay(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	bob := dialClient(t, wsURL)
	bob.join("room-1")
	alice.expect(messageTypePeerJoined)

	alice.send(`{"type":"offer","roomId":"room-1","offer":{"sdp":"v=0 alice","type":"offer"}}`)
	got := bob.expect(messageTypeOffer)
	if string(got.Offer) != `{"sdp":"v=0 alice","type":"offer"}` {
		t.Fatalf("offer payload=%s", got.Offer)
	}
	// The sender never receives its own message back.
	alice.expectNone()

	bob.send(`{"type":"answer","roomId":"room-1","answer":{"sdp":"v=0 bob","type":"answer"}}`)
	got = alice.expect(messageTypeAnswer)
	if string(got.Answer) != `{"sdp":"v=0 bob","type":"answer"}` {
		t.Fatalf("answer payload=%s", got.Answer)
	}

	alice.send(`{"type":"candidate","roomId":"room-1","candidate":{"candidate":"candidate:1 1 udp 1 203.0.113.7 40000 typ host"}}`)
	got = bob.expect(messageTypeCandidate)
	if !strings.Contains(string(got.Candidate), "203.0.113.7") {
		t.Fatalf("candidate payload=%s", got.Candidate)
	}
}

func TestDisconnectEvictsPeer(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	bob := dialClient(t, wsURL)
	bob.join("room-1")
	alice.expect(messageTypePeerJoined)
	waitForMembers(t, srv, "room-1", 2)

	_ = bob.conn.Close()
	waitForMembers(t, srv, "room-1", 1)

	// Candidates sent after the disconnect go nowhere; the remaining peer
	// gets no departure notification either.
	alice.send(`{"type":"candidate","roomId":"room-1","candidate":{"candidate":"candidate:1"}}`)
	alice.expectNone()
}

func TestRoomsAreIsolated(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	carol := dialClient(t, wsURL)
	carol.join("room-2")
	waitForMembers(t, srv, "room-2", 1)

	// Joining a different room notifies nobody in room-1.
	alice.expectNone()

	carol.send(`{"type":"offer","roomId":"room-2","offer":{"sdp":"v=0","type":"offer"}}`)
	alice.expectNone()
}

func TestMessageBeforeJoinIsDropped(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})
	m := srv.metrics

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	lurker := dialClient(t, wsURL)
	lurker.send(`{"type":"offer","offer":{"sdp":"v=0","type":"offer"}}`)

	alice.expectNone()
	lurker.expectNone()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.Get(metrics.DropReasonNoRoom) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Get(metrics.DropReasonNoRoom); got != 1 {
		t.Fatalf("drop_no_room=%d, want 1", got)
	}
}

func TestSecondJoinMovesMembership(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	bob := dialClient(t, wsURL)
	bob.join("room-1")
	alice.expect(messageTypePeerJoined)
	waitForMembers(t, srv, "room-1", 2)

	bob.join("room-2")
	waitForMembers(t, srv, "room-2", 1)
	waitForMembers(t, srv, "room-1", 1)

	// The departed room is not notified, and traffic from the mover now
	// routes to the new room only.
	alice.expectNone()
	bob.send(`{"type":"offer","roomId":"room-2","offer":{"sdp":"v=0","type":"offer"}}`)
	alice.expectNone()
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	_, wsURL := startBroker(t, Config{})

	c := dialClient(t, wsURL)
	c.send(`{"type":"join"}`)
	c.expectClosed()
}

func TestBinaryMessageClosesConnection(t *testing.T) {
	_, wsURL := startBroker(t, Config{})

	c := dialClient(t, wsURL)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectClosed()
}

func TestRateLimitClosesConnection(t *testing.T) {
	srv, wsURL := startBroker(t, Config{MaxMessagesPerSecond: 5})

	c := dialClient(t, wsURL)
	c.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	for i := 0; i < 50; i++ {
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"candidate","candidate":{}}`)); err != nil {
			break
		}
	}
	c.expectClosed()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.metrics.Get(metrics.DropReasonRateLimited) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.metrics.Get(metrics.DropReasonRateLimited) == 0 {
		t.Fatal("expected a rate limited drop")
	}
}

func TestCloseDisconnectsAllPeers(t *testing.T) {
	srv, wsURL := startBroker(t, Config{})

	alice := dialClient(t, wsURL)
	alice.join("room-1")
	waitForMembers(t, srv, "room-1", 1)

	srv.Close()
	alice.expectClosed()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.Registry().Rooms() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.Registry().Rooms(); got != 0 {
		t.Fatalf("rooms=%d after close, want 0", got)
	}
}
