package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.
)

// Application close codes sent in the websocket close frame.
const (
	CloseAuthFailed   = 4401
	CloseForbidden    = 4403
	CloseSlowConsumer = 4008
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("slow consumer evicted")
)

type Options struct {
	// QueueSize bounds the outbound queue.
	QueueSize int
	// SendWait is how long Send may wait on a full queue before evicting.
	// Zero evicts immediately.
	SendWait time.Duration
	// MaxMessageBytes limits inbound frames.
	MaxMessageBytes int64
	// OnEvict runs once when the connection is closed for being slow.
	OnEvict func(*Conn)
}

// Conn is one live duplex connection of a principal on a channel. Writes go
// through a bounded queue drained by WritePump; Send never blocks longer than
// SendWait.
type Conn struct {
	ID          string
	PrincipalID int64
	ChannelKey  string

	ws   *websocket.Conn
	opts Options

	send chan []byte
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

// NewConn wraps ws. A nil ws gives a detached connection whose queue is read
// through Outbound; the in-process tests and bridges use that.
func NewConn(ws *websocket.Conn, principalID int64, channelKey string, opts Options) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Conn{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		ChannelKey:  channelKey,
		ws:          ws,
		opts:        opts,
		send:        make(chan []byte, opts.QueueSize),
		done:        make(chan struct{}),
	}
}

// Send enqueues payload. A full queue closes the connection with
// CloseSlowConsumer instead of stalling the caller.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
	}

	if c.opts.SendWait > 0 {
		t := time.NewTimer(c.opts.SendWait)
		defer t.Stop()
		select {
		case c.send <- payload:
			return nil
		case <-c.done:
			return ErrClosed
		case <-t.C:
		}
	}

	c.Close(CloseSlowConsumer, "slow consumer")
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(c)
	}
	return ErrSlowConsumer
}

// Close is idempotent. The first call records the code and sends it to the
// peer in a close frame.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.done)
		if c.ws == nil {
			return
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Outbound exposes the queue for detached connections.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// CloseStatus reports the code passed to the first Close, or 0 while open.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// ReadPump delivers inbound frames to handle until the peer goes away. It
// blocks, so callers run it on the connection's own goroutine.
func (c *Conn) ReadPump(handle func([]byte)) {
	defer c.Close(websocket.CloseNormalClosure, "")

	if c.opts.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		handle(message)
	}
}

// WritePump drains the outbound queue onto the socket and keeps the peer
// alive with pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			// Flush whatever queued up meanwhile before going back to select.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.send); err != nil {
					c.Close(websocket.CloseAbnormalClosure, "write failed")
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(message []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

// Reject closes a freshly upgraded socket that never got registered.
func Reject(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}
