package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerClosed is returned by Send after the peer's connection has been
// closed.
var ErrPeerClosed = errors.New("peer connection closed")

// Conn is the subset of *websocket.Conn a Peer writes through. Tests
// substitute an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Peer is the registry entry for one live connection: its stable identity
// plus an exclusively-writable handle to the outbound stream. A Peer may be
// handed to many concurrent fan-outs; its mutex guarantees at most one
// in-flight physical write per connection.
type Peer struct {
	id string

	nameMu      sync.RWMutex
	displayName string

	writeMu      sync.Mutex
	conn         Conn
	closed       bool
	writeTimeout time.Duration

	closeOnce sync.Once
}

// NewPeer wraps conn in a send handle for the given identity. writeTimeout
// bounds each physical write; zero means no deadline.
func NewPeer(id, displayName string, conn Conn, writeTimeout time.Duration) *Peer {
	return &Peer{
		id:           id,
		displayName:  displayName,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// ID returns the peer's stable identifier.
func (p *Peer) ID() string { return p.id }

// DisplayName returns the peer's current display name.
func (p *Peer) DisplayName() string {
	p.nameMu.RLock()
	defer p.nameMu.RUnlock()
	return p.displayName
}

func (p *Peer) setDisplayName(name string) {
	p.nameMu.Lock()
	p.displayName = name
	p.nameMu.Unlock()
}

// Send writes one binary frame to the peer. Writes are serialized: a send
// in progress completes or fails before the next one begins. An error means
// the transport did not accept the bytes; it does not close the connection,
// the caller decides that.
func (p *Peer) Send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline for %s: %w", p.id, err)
		}
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send to %s: %w", p.id, err)
	}
	return nil
}

// Close tears down the underlying connection. It is safe to call from any
// goroutine and any number of times; only the first call closes the conn.
// Closing unblocks the owning session's read loop, which then runs cleanup.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		p.closed = true
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}
