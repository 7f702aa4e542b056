// ABOUTME: WebSocket-backed implementation of the relay connection handle.
// ABOUTME: Serializes outbound pushes through a buffered write pump.

package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentlabs-dev/relay/internal/relay"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
)

var errConnClosed = errors.New("ws: connection closed")

// Conn adapts a websocket connection to relay.Connection. All writes go
// through the send channel so only the write pump touches the socket.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn

	send      chan relay.Event
	done      chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

func newConn(wsConn *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		id:         uuid.New().String(),
		remoteAddr: wsConn.RemoteAddr().String(),
		ws:         wsConn,
		send:       make(chan relay.Event, sendBufferSize),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go c.writePump()
	return c
}

// ID returns the unique id assigned to this connection.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Push queues an event for delivery. It never blocks; if the peer is not
// draining its socket the event is rejected instead of stalling the relay.
func (c *Conn) Push(ev relay.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errors.New("ws: send buffer full")
	}
}

// Close stops the write pump after flushing queued events and closes the
// underlying socket. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case ev := <-c.send:
			if !c.writeEvent(ev) {
				return
			}
		case <-c.done:
			// Flush whatever is still queued before tearing down.
			for {
				select {
				case ev := <-c.send:
					if !c.writeEvent(ev) {
						return
					}
				default:
					deadline := time.Now().Add(writeTimeout)
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					return
				}
			}
		}
	}
}

func (c *Conn) writeEvent(ev relay.Event) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(ev); err != nil {
		c.logger.Debug("websocket write failed", "connection_id", c.id, "error", err)
		return false
	}
	return true
}
