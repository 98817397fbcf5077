// Package leader elects one instance to run evaluation ticks when several
// share a Postgres database.
package leader

import (
	"context"
	"crypto/md5"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Locker grants exclusive leadership for a named task.
type Locker interface {
	// Acquire returns true when this instance now holds the lock.
	Acquire(ctx context.Context, name string) (bool, error)
	// Release gives up a held lock. Releasing a lock not held is a no-op.
	Release(ctx context.Context, name string) error
}

// Local always grants the lock. It serves single-node stores.
type Local struct{}

// Acquire always succeeds.
func (Local) Acquire(context.Context, string) (bool, error) { return true, nil }

// Release does nothing.
func (Local) Release(context.Context, string) error { return nil }

// PostgresLocker uses session-level advisory locks. Each held lock pins one
// connection from the pool until it is released.
type PostgresLocker struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewPostgresLocker creates a locker on db.
func NewPostgresLocker(db *sql.DB, logger *slog.Logger) *PostgresLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLocker{db: db, logger: logger, conns: make(map[string]*sql.Conn)}
}

// LockID derives the advisory lock key from name. The same name always maps
// to the same key on every instance.
func LockID(name string) int64 {
	hash := md5.Sum([]byte("cronwatch:" + name))

	var id int64
	for i := 0; i < 8; i++ {
		id = id<<8 | int64(hash[i])
	}
	return id & math.MaxInt64
}

// Acquire tries pg_try_advisory_lock without waiting.
func (p *PostgresLocker) Acquire(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, held := p.conns[name]; held {
		// The lock lives as long as the session; a dead session lost it.
		if err := conn.PingContext(ctx); err == nil {
			return true, nil
		}
		p.logger.Warn("leader lock session lost", "lock", name)
		delete(p.conns, name)
		discard(conn)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("leader lock %s: get connection: %w", name, err)
	}

	lockID := LockID(name)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("leader lock %s: %w", name, err)
	}
	if !acquired {
		conn.Close()
		p.logger.Debug("leader lock held by another instance", "lock", name, "lock_id", lockID)
		return false, nil
	}

	p.conns[name] = conn
	p.logger.Debug("leader lock acquired", "lock", name, "lock_id", lockID)
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (p *PostgresLocker) Release(ctx context.Context, name string) error {
	p.mu.Lock()
	conn, held := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()

	if !held {
		return nil
	}

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", LockID(name)).Scan(&released); err != nil {
		// The session may still hold the lock; ending it is the only way
		// to be sure it is gone.
		discard(conn)
		return fmt.Errorf("release leader lock %s: %w", name, err)
	}
	if !released {
		p.logger.Warn("released a leader lock that was not held", "lock", name)
	}
	return conn.Close()
}

// discard closes the session behind conn instead of returning it to the pool.
func discard(conn *sql.Conn) {
	conn.Raw(func(any) error { return driver.ErrBadConn })
	conn.Close()
}

// Close releases every held lock.
func (p *PostgresLocker) Close(ctx context.Context) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	p.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := p.Release(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
