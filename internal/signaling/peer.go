package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 1 * time.Second

// peer is one connected participant: a WebSocket connection plus its outbound
// queue. The handle exists from connection accept, before any room join, and
// dies with the connection.
//
// The connection handler goroutine is the only reader; writePump is the only
// writer. Everything else talks to the peer through trySend.
type peer struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newPeer(id string, conn *websocket.Conn, log *slog.Logger, sendBuffer int) *peer {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &peer{
		id:   id,
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// trySend queues msg without blocking and reports whether it was accepted.
// A peer that is shutting down or whose queue is full loses the message;
// the caller counts the drop. Slow receivers must never stall the broker.
func (p *peer) trySend(msg []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

// shutdown stops the write pump and closes the socket. Queued but undelivered
// messages are discarded; after shutdown nothing is ever delivered to or from
// this handle again. Safe to call more than once.
func (p *peer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump drains the outbound queue and keeps the connection alive with
// periodic pings.
func (p *peer) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.shutdown()
	}()

	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
