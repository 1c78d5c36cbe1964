package pool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Conn is a connection handed out by a Manager.
type Conn interface {
	// Endpoint returns the endpoint the connection belongs to.
	Endpoint() *Endpoint
	// Destroy closes the connection unconditionally.
	Destroy() error
}

// Manager pools connections to a single endpoint.
type Manager interface {
	// Acquire returns a usable connection, reusing an idle one if possible.
	Acquire(ctx context.Context) (Conn, error)
	// Release gives a connection back. The manager decides whether to keep it idle or discard it.
	Release(conn Conn)
	// Close discards a connection.
	Close(conn Conn) error
	String() string
}

// ManagerFactory creates the Manager for the endpoint identified by key.
type ManagerFactory func(key string) (Manager, error)

// ReleaseOutcome reports what Registry.Release did with a connection.
type ReleaseOutcome int

const (
	// ReleaseNoop means there was nothing to release.
	ReleaseNoop ReleaseOutcome = iota
	// ReleaseDelegated means the connection was handed back to its manager.
	ReleaseDelegated
	// ReleaseDestroyed means no manager was registered and the connection was destroyed.
	ReleaseDestroyed
	// ReleaseDestroyFailed means no manager was registered and destroying the connection failed.
	ReleaseDestroyFailed
)

func (o ReleaseOutcome) String() string {
	switch o {
	case ReleaseNoop:
		return "noop"
	case ReleaseDelegated:
		return "delegated"
	case ReleaseDestroyed:
		return "destroyed"
	case ReleaseDestroyFailed:
		return "destroy-failed"
	default:
		return "unknown"
	}
}

// shutdowner is implemented by managers which hold resources beyond the connections they hand out.
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Registry maps endpoints to their connection managers.
// A manager is created lazily on the first Acquire for its endpoint, and
// exactly one manager exists per endpoint until the registry is shut down.
// It is safe for concurrent use by multiple goroutines.
type Registry struct {
	factory  ManagerFactory
	managers cmap.ConcurrentMap[string, Manager]
	creating singleflight.Group

	mu     sync.RWMutex // held for reading while creating a manager
	closed atomic.Bool

	lg *zap.Logger
}

// NewRegistry creates a Registry which uses factory to create managers.
func NewRegistry(factory ManagerFactory, lg *zap.Logger) *Registry {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Registry{
		factory:  factory,
		managers: cmap.New[Manager](),
		lg:       lg,
	}
}

// Acquire returns a connection to ep from the manager of ep, creating the manager if necessary.
// It returns (nil, nil) if ep is nil.
// Errors returned by the manager are passed through unchanged.
func (r *Registry) Acquire(ctx context.Context, ep *Endpoint) (Conn, error) {
	key, ok := keyOf(ep)
	if !ok {
		return nil, nil
	}
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	m, err := r.getOrCreate(key)
	if err != nil {
		return nil, err
	}
	return m.Acquire(ctx)
}

func (r *Registry) getOrCreate(key string) (Manager, error) {
	if m, ok := r.managers.Get(key); ok {
		return m, nil
	}

	v, err, _ := r.creating.Do(key, func() (interface{}, error) {
		// the previous flight for the key may have finished between the lookup above and now
		if m, ok := r.managers.Get(key); ok {
			return m, nil
		}

		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.closed.Load() {
			return nil, ErrRegistryClosed
		}

		m, err := r.factory(key)
		if err == nil && m == nil {
			err = errors.New("factory returned nil manager")
		}
		if err != nil {
			return nil, &createManagerError{key: key, err: err}
		}
		r.managers.Set(key, m)
		r.lg.Info("connection manager created", zap.String("key", key))
		return m, nil
	})
	if err != nil {
		r.lg.Error("failed to create connection manager", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return v.(Manager), nil
}

// Release hands conn back to its manager.
// If no manager is registered for the endpoint of conn, conn is destroyed instead. A failure to
// destroy it is logged and reported by the returned outcome, and never returned as an error.
func (r *Registry) Release(conn Conn) ReleaseOutcome {
	if conn == nil {
		return ReleaseNoop
	}
	key, ok := keyOf(conn.Endpoint())
	if !ok {
		r.lg.Warn("release connection without endpoint")
		return ReleaseNoop
	}

	if m, ok := r.managers.Get(key); ok {
		m.Release(conn)
		return ReleaseDelegated
	}

	logger := r.lg.With(zap.String("key", key))
	if err := conn.Destroy(); err != nil {
		logger.Warn("failed to destroy unmanaged connection", zap.Error(err))
		return ReleaseDestroyFailed
	}
	logger.Debug("unmanaged connection destroyed on release")
	return ReleaseDestroyed
}

// Close discards conn through its manager.
// If no manager is registered for the endpoint of conn, conn is destroyed directly and
// any failure is returned.
func (r *Registry) Close(conn Conn) error {
	if conn == nil {
		return nil
	}
	key, ok := keyOf(conn.Endpoint())
	if !ok {
		r.lg.Warn("close connection without endpoint")
		return nil
	}

	if m, ok := r.managers.Get(key); ok {
		return m.Close(conn)
	}

	if err := conn.Destroy(); err != nil {
		return errors.WithMessagef(err, "destroy unmanaged connection to %s", key)
	}
	return nil
}

// Count returns the number of registered managers.
func (r *Registry) Count() int {
	return r.managers.Count()
}

// String renders every registered key and its manager, one per line, ordered by key.
// It returns an empty string if no manager is registered.
func (r *Registry) String() string {
	items := r.managers.Items()
	if len(items) == 0 {
		return ""
	}
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString("key:")
		b.WriteString(key)
		b.WriteString(" -------- entry:")
		b.WriteString(items[key].String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Shutdown rejects further acquisitions and shuts down every registered manager that supports it.
// Registered managers stay in the registry so in-flight connections can still be released or closed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	wasClosed := r.closed.Swap(true)
	r.mu.Unlock()
	if wasClosed {
		return nil
	}

	var errs error
	for key, m := range r.managers.Items() {
		s, ok := m.(shutdowner)
		if !ok {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, errors.WithMessagef(err, "shutdown manager %s", key))
		}
	}
	r.lg.Info("registry shut down", zap.Int("managers", r.managers.Count()), zap.Error(errs))
	return errs
}
