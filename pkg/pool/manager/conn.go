package manager

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AutoMQ/connpool/pkg/pool"
)

// Conn is a TCP connection handed out by a Manager.
// It is not safe for concurrent use; only its holder may use it.
type Conn struct {
	id       uuid.UUID
	endpoint *pool.Endpoint
	m        *Manager
	rwc      net.Conn

	createdAt  time.Time
	lastActive time.Time // guarded by m.mu while idle

	checkedOut atomic.Bool
	unusable   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newConn(m *Manager, rwc net.Conn) *Conn {
	now := time.Now()
	return &Conn{
		id:         uuid.New(),
		endpoint:   m.endpoint,
		m:          m,
		rwc:        rwc,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the unique id of the connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Endpoint implements pool.Conn.
func (c *Conn) Endpoint() *pool.Endpoint {
	return c.endpoint
}

// Destroy implements pool.Conn. It closes the underlying connection; later calls return the
// result of the first one.
func (c *Conn) Destroy() error {
	c.closeOnce.Do(func() {
		c.unusable.Store(true)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// MarkUnusable tells the manager to discard the connection instead of reusing it.
func (c *Conn) MarkUnusable() {
	c.unusable.Store(true)
}

// Usable reports whether the connection may be reused.
func (c *Conn) Usable() bool {
	return !c.unusable.Load()
}

// Read reads from the connection. The connection becomes unusable on any error.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.rwc.Read(b)
	if err != nil {
		c.MarkUnusable()
	}
	return n, err
}

// Write writes to the connection. The connection becomes unusable on any error.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.rwc.Write(b)
	if err != nil {
		c.MarkUnusable()
	}
	return n, err
}

// SetDeadline sets the read and write deadlines of the connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.rwc.SetDeadline(t)
}

func (c *Conn) LocalAddr() net.Addr {
	return c.rwc.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.rwc.RemoteAddr()
}

func (c *Conn) expired(now time.Time, maxIdleTime time.Duration) bool {
	return maxIdleTime > 0 && now.Sub(c.lastActive) >= maxIdleTime
}
