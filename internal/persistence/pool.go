package persistence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
)

// Conn is the subset of *pgx.Conn the store layer needs. Abstracting it lets
// the pool validate and replace connections without caring how they are made.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Dial creates one database connection.
type Dial func(ctx context.Context) (Conn, error)

// PgxDial returns a Dial backed by pgx against the given DSN.
func PgxDial(dsn string) Dial {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Pool is a bounded set of validated connections. Acquire waits a bounded
// time for a pooled connection and falls back to dialing a fresh one, so pool
// exhaustion never blocks a caller indefinitely. Every connection handed out
// is probed first; probe failures discard the connection and dial a new one.
type Pool struct {
	dial           Dial
	conns          chan Conn
	capacity       int
	acquireTimeout time.Duration
	logger         *zap.Logger
}

// NewPool dials up to cfg.PoolSize connections. Individual dial failures are
// logged and skipped; the pool degrades to fewer slots (or zero, in which
// case every Acquire dials on demand).
func NewPool(ctx context.Context, cfg config.PostgresConfig, dial Dial, logger *zap.Logger) *Pool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 10
	}
	p := &Pool{
		dial:           dial,
		conns:          make(chan Conn, size),
		capacity:       size,
		acquireTimeout: cfg.AcquireTimeout(),
		logger:         logger,
	}

	created := 0
	for i := 0; i < size; i++ {
		conn, err := dial(ctx)
		if err != nil {
			logger.Error("create pooled connection", zap.Int("slot", i+1), zap.Error(err))
			continue
		}
		p.conns <- conn
		created++
	}
	if created == 0 {
		logger.Warn("connection pool is empty; falling back to on-demand connections")
	}
	logger.Info("connection pool initialized",
		zap.Int("connections", created),
		zap.Int("capacity", size))
	return p
}

// Acquire returns a live connection within a bounded wait.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.conns:
		if err := conn.Ping(ctx); err != nil {
			p.logger.Warn("pooled connection failed liveness probe", zap.Error(err))
			_ = conn.Close(ctx)
			return p.dial(ctx)
		}
		return conn, nil
	case <-timer.C:
		return p.dial(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a validated connection to the pool if under capacity,
// otherwise closes it.
func (p *Pool) Release(ctx context.Context, conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Ping(ctx); err != nil {
		p.logger.Warn("connection failed probe on release, closing", zap.Error(err))
		_ = conn.Close(ctx)
		return
	}
	select {
	case p.conns <- conn:
	default:
		_ = conn.Close(ctx)
	}
}

// Ping acquires and releases one connection to verify database reachability.
func (p *Pool) Ping(ctx context.Context) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	p.Release(ctx, conn)
	return nil
}

// Available reports how many idle connections the pool currently holds.
func (p *Pool) Available() int {
	return len(p.conns)
}

// Capacity reports the configured pool size.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Close drains and closes all pooled connections.
func (p *Pool) Close(ctx context.Context) {
	for {
		select {
		case conn := <-p.conns:
			_ = conn.Close(ctx)
		default:
			return
		}
	}
}
