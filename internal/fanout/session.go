package fanout

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader is shared across streaming sessions. Origin checking is handled
// by internal/auth before a session is ever created — the upgrader itself
// always allows the handshake so the reason code returned on denial matches
// polling's (§4.3 streaming contract: "denial returns the same reason codes
// used by polling").
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HelloFrame is the first control frame sent after a successful upgrade.
type HelloFrame struct {
	Type           string `json:"type"`
	Head           int64  `json:"head"`
	RetentionFloor int64  `json:"retention_floor"`
	Cursor         int64  `json:"cursor"`
}

// CloseFrame is sent before the server closes a session it is evicting.
type CloseFrame struct {
	Type       string `json:"type"`
	ReasonCode string `json:"reason_code"`
}

// Session streams committed frames for one topic to one WebSocket
// connection. Grounded on internal/websocket/dag_streamer.go's
// register/unregister/broadcast hub, generalized from a single broadcast
// hub serving every client the same event stream to one outbound queue per
// (principal, topic) session with its own bounded backlog.
type Session struct {
	conn      *websocket.Conn
	topic     string
	principal string
	outbound  chan Message
	done      chan struct{}
	log       *slog.Logger
}

// NewSession wraps conn for streaming a single topic. outboundLimit bounds
// the session's own queue; overflow closes the session with
// slow_consumer_evicted per §4.3.
func NewSession(conn *websocket.Conn, topic, principal string, outboundLimit int) *Session {
	return &Session{
		conn:      conn,
		topic:     topic,
		principal: principal,
		outbound:  make(chan Message, outboundLimit),
		done:      make(chan struct{}),
		log:       slog.Default().With("component", "fanout", "topic", topic),
	}
}

// SendHello writes the initial hello control frame.
func (s *Session) SendHello(head, retentionFloor, cursor int64) error {
	return s.conn.WriteJSON(HelloFrame{Type: "hello", Head: head, RetentionFloor: retentionFloor, Cursor: cursor})
}

// Enqueue attempts to hand a message to the session's outbound queue.
// Returns false if the queue is full — the caller must evict the session.
func (s *Session) Enqueue(m Message) bool {
	select {
	case s.outbound <- m:
		return true
	default:
		return false
	}
}

// Run drains the outbound queue onto the socket until Close is called or a
// write fails. It is meant to run in its own goroutine, one per session,
// owning the socket exclusively on the write side.
func (s *Session) Run() {
	for {
		select {
		case m, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(m); err != nil {
				s.log.Warn("session write failed, closing", "error", err)
				s.Close("")
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close closes the underlying connection. If reasonCode is non-empty a
// close control frame is written first.
func (s *Session) Close(reasonCode string) {
	if reasonCode != "" {
		_ = s.conn.WriteJSON(CloseFrame{Type: "close", ReasonCode: reasonCode})
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}

// ReadLoop blocks reading inbound frames (pings/close) until the client
// disconnects, then closes done. Streaming sessions carry no client->server
// payload traffic; this loop exists only to detect disconnects promptly.
func (s *Session) ReadLoop() {
	defer func() {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub-level streaming registry, generalizing dag_streamer's single global
// broadcast channel into one session per (principal, topic), each with its
// own backlog and eviction policy.

// RegisterSession starts a session's Run/ReadLoop goroutines, immediately
// sends hello, and starts tailToSession, which feeds committed frames from
// the hub's ring for this topic to Enqueue as they publish.
func (h *Hub) RegisterSession(sess *Session, afterSeq int64) {
	r := h.getRing(sess.topic)
	_, floor, head, _ := r.snapshot()
	cursor := afterSeq
	if afterSeq < floor-1 {
		cursor = floor - 1
	}
	go sess.Run()
	go sess.ReadLoop()
	_ = sess.SendHello(head, floor, cursor)

	go h.tailToSession(sess, cursor)
}

// tailToSession polls the ring on a short interval and forwards any new
// messages to the session, closing it with slow_consumer_evicted if the
// session's own outbound queue ever overflows. A short poll loop is used
// instead of a condition variable to keep the ring's locking simple (one
// mutex per topic, no per-session broadcast fan-out list to maintain).
func (h *Hub) tailToSession(sess *Session, afterSeq int64) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	cursor := afterSeq

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			r := h.getRing(sess.topic)
			buf, _, _, _ := r.snapshot()
			for _, m := range buf {
				if m.Sequence <= cursor {
					continue
				}
				if !sess.Enqueue(m) {
					sess.Close("slow_consumer_evicted")
					return
				}
				cursor = m.Sequence
			}
		}
	}
}
