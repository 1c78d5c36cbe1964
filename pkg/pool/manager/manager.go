// Package manager provides a TCP connection manager for a single endpoint,
// to be registered in a pool.Registry.
package manager

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/AutoMQ/connpool/pkg/config"
	"github.com/AutoMQ/connpool/pkg/pool"
	"github.com/AutoMQ/connpool/pkg/util/logutil"
)

// Manager errors
var (
	// ErrConnect is returned when a new connection could not be established.
	ErrConnect = errors.New("connect to endpoint")
	// ErrPoolExhausted is returned when no connection is available within the wait timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrManagerClosed is returned when the manager has been shut down.
	ErrManagerClosed = errors.New("connection manager closed")
)

// Stats is a snapshot of the counters of a Manager.
type Stats struct {
	// Total is the number of open connections, checked out or idle.
	Total int
	// Idle is the number of idle connections.
	Idle int
	// Dialed is the number of connections ever dialed.
	Dialed int64
	// Reused is the number of acquisitions served by an idle connection.
	Reused int64
	// Expired is the number of idle connections closed for exceeding the max idle time.
	Expired int64
}

// Manager pools TCP connections to one endpoint.
// It is safe for concurrent use by multiple goroutines.
type Manager struct {
	key      string
	endpoint *pool.Endpoint
	cfg      *config.Pool
	dialer   net.Dialer
	slots    *semaphore.Weighted // nil if unlimited

	mu     sync.Mutex // guards following
	idle   []*Conn    // most recently used last
	total  int
	closed bool

	dialed  atomic.Int64
	reused  atomic.Int64
	expired atomic.Int64

	reaperStop chan struct{}
	reaperDone chan struct{}

	lg *zap.Logger
}

// NewFactory returns a pool.ManagerFactory creating a Manager per endpoint with the same configuration.
func NewFactory(cfg *config.Pool, lg *zap.Logger) pool.ManagerFactory {
	return func(key string) (pool.Manager, error) {
		m, err := New(key, cfg, lg)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// New creates a Manager for the endpoint identified by key, in the format of "host:port".
func New(key string, cfg *config.Pool, lg *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.NewPool()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid pool config")
	}
	ep, err := pool.ParseEndpoint(key)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		key:      key,
		endpoint: ep,
		cfg:      cfg,
		dialer:   net.Dialer{Timeout: cfg.ConnectTimeout},
		lg:       lg.With(zap.String("endpoint", key)),
	}
	if cfg.MaxConns > 0 {
		m.slots = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	if cfg.IdleCheckInterval > 0 && cfg.MaxIdleTime > 0 {
		m.reaperStop = make(chan struct{})
		m.reaperDone = make(chan struct{})
		go m.reap(cfg.IdleCheckInterval)
	}
	return m, nil
}

// Acquire returns an idle connection, or dials a new one.
// When MaxConns connections are checked out, it waits for one to be released, up to WaitTimeout.
func (m *Manager) Acquire(ctx context.Context) (pool.Conn, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	if err := m.acquireSlot(ctx); err != nil {
		return nil, err
	}
	if m.isClosed() {
		m.releaseSlot()
		return nil, ErrManagerClosed
	}

	if cc := m.popIdle(); cc != nil {
		m.reused.Add(1)
		return cc, nil
	}

	cc, err := m.dial(ctx)
	if err != nil {
		m.releaseSlot()
		return nil, err
	}
	return cc, nil
}

// Release puts conn back to the idle connections, or closes it if it is unusable, the idle
// connections are full, or the manager has been shut down.
func (m *Manager) Release(conn pool.Conn) {
	if conn == nil {
		return
	}
	cc, ok := m.own(conn)
	if !ok {
		m.lg.Warn("release foreign connection, destroy it")
		_ = conn.Destroy()
		return
	}
	if !cc.checkedOut.CompareAndSwap(true, false) {
		m.lg.Warn("release connection which is not checked out", zap.Stringer("conn-id", cc.id))
		return
	}
	defer m.releaseSlot()

	m.mu.Lock()
	reason := ""
	switch {
	case m.closed:
		reason = "manager closed"
	case !cc.Usable():
		reason = "connection unusable"
	case m.cfg.MaxIdle > 0 && len(m.idle) >= m.cfg.MaxIdle:
		reason = "too many idle connections"
	}
	if reason == "" {
		cc.lastActive = time.Now()
		m.idle = append(m.idle, cc)
		m.mu.Unlock()
		return
	}
	m.total--
	m.mu.Unlock()

	m.destroy(cc, reason)
}

// Close discards conn.
func (m *Manager) Close(conn pool.Conn) error {
	if conn == nil {
		return nil
	}
	cc, ok := m.own(conn)
	if !ok {
		return conn.Destroy()
	}
	if cc.checkedOut.CompareAndSwap(true, false) {
		m.mu.Lock()
		m.total--
		m.mu.Unlock()
		m.releaseSlot()
	}
	err := cc.Destroy()
	if err != nil {
		return errors.WithMessagef(err, "close connection to %s", m.key)
	}
	m.lg.Debug("connection closed", zap.Stringer("conn-id", cc.id))
	return nil
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	total, idle := m.total, len(m.idle)
	m.mu.Unlock()
	return Stats{
		Total:   total,
		Idle:    idle,
		Dialed:  m.dialed.Load(),
		Reused:  m.reused.Load(),
		Expired: m.expired.Load(),
	}
}

func (m *Manager) String() string {
	s := m.Stats()
	return fmt.Sprintf("Manager{key=%s, total=%d, idle=%d, maxConns=%d}", m.key, s.Total, s.Idle, m.cfg.MaxConns)
}

// Shutdown stops the background reaper and closes all idle connections.
// Connections checked out are closed when they are released.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	idle := m.idle
	m.idle = nil
	m.total -= len(idle)
	m.mu.Unlock()

	var errs error
	for _, cc := range idle {
		errs = multierr.Append(errs, cc.Destroy())
	}

	if m.reaperStop != nil {
		close(m.reaperStop)
		select {
		case <-m.reaperDone:
		case <-ctx.Done():
			errs = multierr.Append(errs, errors.WithMessage(ctx.Err(), "wait for idle connection reaper"))
		}
	}

	m.lg.Info("connection manager shut down", zap.Int("closed-idle", len(idle)), zap.Error(errs))
	return errs
}

func (m *Manager) own(conn pool.Conn) (*Conn, bool) {
	cc, ok := conn.(*Conn)
	if !ok || cc.m != m {
		return nil, false
	}
	return cc, true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) acquireSlot(ctx context.Context) error {
	if m.slots == nil {
		return nil
	}
	waitCtx := ctx
	if m.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.WaitTimeout)
		defer cancel()
	}
	err := m.slots.Acquire(waitCtx, 1)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		return errors.Wrapf(ErrPoolExhausted, "wait for a connection to %s longer than %s", m.key, m.cfg.WaitTimeout)
	}
	return errors.WithMessagef(err, "wait for a connection to %s", m.key)
}

func (m *Manager) releaseSlot() {
	if m.slots != nil {
		m.slots.Release(1)
	}
}

// popIdle returns the most recently used idle connection which is still usable, or nil.
func (m *Manager) popIdle() *Conn {
	now := time.Now()
	for {
		m.mu.Lock()
		n := len(m.idle)
		if n == 0 {
			m.mu.Unlock()
			return nil
		}
		cc := m.idle[n-1]
		m.idle[n-1] = nil
		m.idle = m.idle[:n-1]

		if cc.Usable() && !cc.expired(now, m.cfg.MaxIdleTime) {
			cc.lastActive = now
			cc.checkedOut.Store(true)
			m.mu.Unlock()
			return cc
		}
		m.total--
		m.mu.Unlock()

		if cc.Usable() {
			m.expired.Add(1)
			m.destroy(cc, "idle too long")
		} else {
			m.destroy(cc, "connection unusable")
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*Conn, error) {
	rwc, err := m.dialer.DialContext(ctx, "tcp", m.key)
	if err != nil {
		m.lg.Warn("failed to dial", zap.Error(err))
		return nil, &connectError{addr: m.key, err: err}
	}
	cc := newConn(m, rwc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = cc.Destroy()
		return nil, ErrManagerClosed
	}
	m.total++
	m.mu.Unlock()

	cc.checkedOut.Store(true)
	m.dialed.Add(1)
	m.lg.Debug("connection created", zap.Stringer("conn-id", cc.id), zap.Stringer("local-addr", rwc.LocalAddr()))
	return cc, nil
}

func (m *Manager) destroy(cc *Conn, reason string) {
	logger := m.lg.With(zap.Stringer("conn-id", cc.id), zap.String("reason", reason))
	if err := cc.Destroy(); err != nil {
		logger.Warn("failed to destroy connection", zap.Error(err))
		return
	}
	logger.Debug("connection destroyed")
}

// reap runs in its own goroutine and closes expired idle connections periodically.
func (m *Manager) reap(interval time.Duration) {
	defer logutil.LogPanic(m.lg)
	defer close(m.reaperDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case now := <-ticker.C:
			m.removeExpired(now)
		}
	}
}

func (m *Manager) removeExpired(now time.Time) {
	m.mu.Lock()
	var expired []*Conn
	kept := m.idle[:0]
	for _, cc := range m.idle {
		if cc.expired(now, m.cfg.MaxIdleTime) {
			expired = append(expired, cc)
			continue
		}
		kept = append(kept, cc)
	}
	for i := len(kept); i < len(m.idle); i++ {
		m.idle[i] = nil
	}
	m.idle = kept
	m.total -= len(expired)
	m.mu.Unlock()

	for _, cc := range expired {
		m.expired.Add(1)
		m.destroy(cc, "idle too long")
	}
}

// connectError reports a failed dial. It matches ErrConnect and unwraps to the dial error.
type connectError struct {
	addr string
	err  error
}

func (e *connectError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrConnect, e.addr, e.err)
}

func (e *connectError) Is(target error) bool {
	return target == ErrConnect
}

func (e *connectError) Unwrap() error {
	return e.err
}
