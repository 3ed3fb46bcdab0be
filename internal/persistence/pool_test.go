package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
)

type fakeConn struct {
	pingErr error
	closed  bool
}

func (f *fakeConn) Ping(context.Context) error  { return f.pingErr }
func (f *fakeConn) Close(context.Context) error { f.closed = true; return nil }
func (f *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}
func (f *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func countingDial(fail int) (Dial, *int) {
	calls := 0
	failures := fail
	dial := func(context.Context) (Conn, error) {
		calls++
		if failures > 0 {
			failures--
			return nil, errors.New("dial refused")
		}
		return &fakeConn{}, nil
	}
	return dial, &calls
}

func poolConfig(size int) config.PostgresConfig {
	return config.PostgresConfig{PoolSize: size, AcquireTimeoutSeconds: 1}
}

func TestNewPoolDegradesOnDialFailures(t *testing.T) {
	dial, _ := countingDial(2)
	p := NewPool(context.Background(), poolConfig(5), dial, zap.NewNop())

	require.Equal(t, 5, p.Capacity())
	require.Equal(t, 3, p.Available())
}

func TestAcquireValidatesAndReplacesDeadConnection(t *testing.T) {
	dead := &fakeConn{pingErr: errors.New("server closed the connection")}
	dialed := false
	dial := func(context.Context) (Conn, error) {
		dialed = true
		return &fakeConn{}, nil
	}

	p := &Pool{
		dial:           dial,
		conns:          make(chan Conn, 1),
		capacity:       1,
		acquireTimeout: poolConfig(1).AcquireTimeout(),
		logger:         zap.NewNop(),
	}
	p.conns <- dead

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, dead.closed)
	require.True(t, dialed)
	require.NotSame(t, dead, conn)
}

func TestAcquireFallsBackToFreshConnectionWhenExhausted(t *testing.T) {
	dial, calls := countingDial(5)
	p := NewPool(context.Background(), poolConfig(5), dial, zap.NewNop())
	require.Equal(t, 0, p.Available())

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 6, *calls)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	dial, _ := countingDial(1)
	p := NewPool(context.Background(), poolConfig(1), dial, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReleaseReturnsOrClosesByCapacity(t *testing.T) {
	dial, _ := countingDial(0)
	p := NewPool(context.Background(), poolConfig(1), dial, zap.NewNop())

	ctx := context.Background()
	pooled, err := p.Acquire(ctx)
	require.NoError(t, err)
	extra := &fakeConn{}

	p.Release(ctx, pooled)
	require.Equal(t, 1, p.Available())

	p.Release(ctx, extra)
	require.True(t, extra.closed, "over-capacity release should close the connection")
}

func TestReleaseDiscardsInvalidConnection(t *testing.T) {
	dial, _ := countingDial(1)
	p := NewPool(context.Background(), poolConfig(1), dial, zap.NewNop())

	dead := &fakeConn{pingErr: errors.New("broken pipe")}
	p.Release(context.Background(), dead)
	require.True(t, dead.closed)
	require.Equal(t, 0, p.Available())
}
