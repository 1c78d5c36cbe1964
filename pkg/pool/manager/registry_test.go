package manager

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AutoMQ/connpool/pkg/config"
	"github.com/AutoMQ/connpool/pkg/pool"
)

func TestRegistryWithManager(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	s := startServer(t)
	ep, err := pool.ParseEndpoint(s.Addr())
	re.NoError(err)

	r := pool.NewRegistry(NewFactory(&config.Pool{MaxConns: 2, WaitTimeout: time.Second}, zap.NewNop()), zap.NewNop())
	defer func() {
		re.NoError(r.Shutdown(context.Background()))
	}()

	conn, err := r.Acquire(context.Background(), ep)
	re.NoError(err)
	id := conn.(*Conn).ID()
	re.Equal(pool.ReleaseDelegated, r.Release(conn))

	conn, err = r.Acquire(context.Background(), pool.NewEndpoint(ep.Host, ep.Port))
	re.NoError(err)
	re.Equal(id, conn.(*Conn).ID())
	re.Equal(1, r.Count())

	snapshot := r.String()
	re.True(strings.HasPrefix(snapshot, "key:"+s.Addr()+" -------- entry:Manager{key="+s.Addr()))

	re.NoError(r.Close(conn))
	re.False(conn.(*Conn).Usable())
}

func TestRegistryWithManager_Unmanaged(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	s := startServer(t)
	ep, err := pool.ParseEndpoint(s.Addr())
	re.NoError(err)

	owner := pool.NewRegistry(NewFactory(nil, nil), zap.NewNop())
	defer func() {
		re.NoError(owner.Shutdown(context.Background()))
	}()
	other := pool.NewRegistry(NewFactory(nil, nil), zap.NewNop())

	c1, err := owner.Acquire(context.Background(), ep)
	re.NoError(err)
	c2, err := owner.Acquire(context.Background(), ep)
	re.NoError(err)

	// the other registry has never seen the endpoint
	re.Equal(pool.ReleaseDestroyed, other.Release(c1))
	re.False(c1.(*Conn).Usable())
	re.NoError(other.Close(c2))
	re.False(c2.(*Conn).Usable())
	re.Empty(other.String())
}

func TestRegistryWithManager_Concurrent(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	const maxConns = 4
	servers := []*server{startServer(t), startServer(t)}
	r := pool.NewRegistry(NewFactory(&config.Pool{MaxConns: maxConns, WaitTimeout: 5 * time.Second}, zap.NewNop()), zap.NewNop())
	defer func() {
		re.NoError(r.Shutdown(context.Background()))
	}()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		s := servers[i%len(servers)]
		g.Go(func() error {
			ep, err := pool.ParseEndpoint(s.Addr())
			if err != nil {
				return err
			}
			for j := 0; j < 20; j++ {
				conn, err := r.Acquire(ctx, ep)
				if err != nil {
					return err
				}
				r.Release(conn)
			}
			return nil
		})
	}
	re.NoError(g.Wait())

	re.Equal(len(servers), r.Count())
	for _, s := range servers {
		m, err := r.Acquire(context.Background(), mustParse(t, s.Addr()))
		re.NoError(err)
		mgr := m.(*Conn).m
		r.Release(m)

		stats := mgr.Stats()
		re.LessOrEqual(stats.Total, maxConns)
		re.Equal(stats.Total, stats.Idle)
		re.LessOrEqual(s.accepted.Load(), int32(stats.Dialed))
	}
}

func mustParse(tb testing.TB, addr string) *pool.Endpoint {
	ep, err := pool.ParseEndpoint(addr)
	require.NoError(tb, err)
	return ep
}
