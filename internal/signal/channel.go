// Package signal owns the single duplex signaling connection. It frames
// messages via the proto catalogue, authenticates on every (re)connect and
// reconnects with exponential backoff. Delivery is best-effort: Send drops
// silently while the connection is down; callers rely on the session
// manager's timeouts for failure detection, not on queued replay.
package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/util"
)

// State of the channel as observed by consumers.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	backoffBase = 1 * time.Second
	backoffCap  = 10 * time.Second

	writeTimeout = 5 * time.Second

	// traceDepth is how many recent frames the debug buffer keeps.
	traceDepth = 128
)

// TraceEntry is one recent wire frame, kept for the debug surface.
type TraceEntry struct {
	At       time.Time  `json:"at"`
	Outbound bool       `json:"outbound"`
	Type     proto.Kind `json:"type"`
}

// Channel is the process-wide signaling connection for one authenticated
// user. At most one live websocket exists at a time.
type Channel struct {
	url    string
	userID int64
	connID string // correlation id for log lines across reconnects

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	listenerMu     sync.RWMutex
	listeners      map[chan *proto.Message]struct{}
	stateListeners map[chan State]struct{}

	trace *util.RingBuffer[TraceEntry]

	done chan struct{}
}

// Dial creates the channel and starts connecting immediately. The returned
// Channel is usable at once; messages sent before the socket opens are
// dropped per the best-effort contract.
func Dial(url string, userID int64) *Channel {
	c := &Channel{
		url:            url,
		userID:         userID,
		connID:         uuid.NewString()[:8],
		state:          StateConnecting,
		listeners:      make(map[chan *proto.Message]struct{}),
		stateListeners: make(map[chan State]struct{}),
		trace:          util.NewRingBuffer[TraceEntry](traceDepth),
		done:           make(chan struct{}),
	}
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one message, fire-and-forget. Returns ErrNotOpen when the
// connection is down; the message is not queued.
func (c *Channel) Send(m *proto.Message) error {
	data, err := proto.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return ErrNotOpen
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signal send: %w", err)
	}
	c.trace.Push(TraceEntry{At: time.Now(), Outbound: true, Type: m.Type})
	return nil
}

// ErrNotOpen is returned by Send while the connection is down.
var ErrNotOpen = fmt.Errorf("signaling channel not open")

// Subscribe returns a channel of inbound messages. Slow subscribers drop
// messages rather than stalling the read loop.
func (c *Channel) Subscribe() (ch chan *proto.Message, cancel func()) {
	ch = make(chan *proto.Message, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeState returns a channel of state transitions. The current state
// is delivered first so subscribers never miss the initial value.
func (c *Channel) SubscribeState() (ch chan State, cancel func()) {
	ch = make(chan State, 8)

	// Register before snapshotting, and send the snapshot while still
	// holding listenerMu: a transition racing this call either lands in
	// the snapshot or is fanned out after it, never lost. setState never
	// holds both locks at once, so taking mu here cannot deadlock.
	c.listenerMu.Lock()
	c.stateListeners[ch] = struct{}{}
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	ch <- cur
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.stateListeners[ch]; ok {
			delete(c.stateListeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Trace returns the newest n wire frames, oldest first. n <= 0 returns
// everything the buffer holds.
func (c *Channel) Trace(n int) []TraceEntry {
	if n <= 0 {
		return c.trace.Snapshot()
	}
	return c.trace.Last(n)
}

// Close shuts the channel down permanently.
func (c *Channel) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(StateClosed)
}

// run is the connect/read loop. One iteration per connection lifetime.
func (c *Channel) run() {
	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			delay := backoffDelay(attempt)
			attempt++
			log.Printf("SIGNAL [%s]: connect failed (attempt %d, retry in %s): %v", c.connID, attempt, delay, err)
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		log.Printf("SIGNAL [%s]: connected to %s as user %d", c.connID, c.url, c.userID)
		c.setState(StateOpen)

		c.readLoop(conn)

		select {
		case <-c.done:
			return
		default:
		}
		log.Printf("SIGNAL [%s]: connection lost, reconnecting", c.connID)
		c.setState(StateConnecting)
	}
}

// connect dials the websocket and authenticates before anything else may be
// written on the new connection.
func (c *Channel) connect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	auth, err := proto.Encode(&proto.Message{
		Type: proto.KindAuth,
		Auth: &proto.Auth{UserID: c.userID},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.trace.Push(TraceEntry{At: time.Now(), Outbound: true, Type: proto.KindAuth})
	return conn, nil
}

// readLoop reads frames until the connection dies, decoding and fanning out
// each message. Malformed frames are logged and dropped at this boundary.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.Decode(data)
		if err != nil {
			log.Printf("SIGNAL [%s]: dropping malformed frame: %v", c.connID, err)
			continue
		}
		c.trace.Push(TraceEntry{At: time.Now(), Outbound: false, Type: msg.Type})
		c.fanout(msg)
	}
}

func (c *Channel) fanout(msg *proto.Message) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.listenerMu.RLock()
	for ch := range c.stateListeners {
		select {
		case ch <- s:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

// backoffDelay returns the exponential backoff delay for the given attempt:
// 1s, 2s, 4s, 8s, then capped at 10s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
