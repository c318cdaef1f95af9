package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a gorilla websocket connection for one streaming session.
// The server is the only sender; a background read loop exists solely to
// observe the client closing.
type Connection struct {
	id         string
	socket     *websocket.Conn
	mu         sync.Mutex
	closed     atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once
	lastActive atomic.Int64
}

// NewConnection creates a tracked websocket connection and starts its
// close-observer loop.
func NewConnection(id string, socket *websocket.Conn) *Connection {
	conn := &Connection{
		id:     id,
		socket: socket,
		done:   make(chan struct{}),
	}
	conn.touch()
	go conn.watch()
	return conn
}

// watch consumes inbound messages until the peer goes away. Clients send
// nothing meaningful; any read error means the connection is dead.
func (c *Connection) watch() {
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			c.markDone()
			return
		}
		c.touch()
	}
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// WriteFrame sends one envelope message to the client.
func (c *Connection) WriteFrame(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("connection %s already closed", c.id)
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
		c.markDone()
		return err
	}
	c.touch()
	return nil
}

// SendAudio implements the pipeline transport contract.
func (c *Connection) SendAudio(seq uint32, payload []byte) error {
	return c.WriteFrame(AudioFrame{Seq: seq, Data: payload})
}

// SendEos implements the pipeline transport contract.
func (c *Connection) SendEos() error {
	return c.WriteFrame(EosFrame{})
}

// SendError implements the pipeline transport contract.
func (c *Connection) SendError(code int, message string) error {
	return c.WriteFrame(ErrorFrame{Code: code, Message: message})
}

// CloseWithCode sends a close frame with the given code and closes the
// socket.
func (c *Connection) CloseWithCode(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.markDone()

	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.socket.Close()
}

// Close terminates the connection with a normal close code.
func (c *Connection) Close() error {
	return c.CloseWithCode(CloseNormal, "")
}

// Alive reports whether the peer is still connected.
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.closed.Load()
	}
}

// Done is closed when the peer disconnects or the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// LastActive exposes when the client last interacted with the server.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}
