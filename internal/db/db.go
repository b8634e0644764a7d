package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"testgate/internal/fault"
)

const defaultDBName = "testgate.db"

// Config controls where the database lives and how the pool behaves.
type Config struct {
	Workspace      string
	MaxConns       int           // 0 means DefaultMaxConns
	AcquireTimeout time.Duration // 0 means DefaultAcquireTimeout
}

const (
	DefaultMaxConns       = 8
	DefaultAcquireTimeout = 5 * time.Second
)

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".testgate", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".testgate")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// DB wraps the SQLite pool with a bounded acquisition timeout and
// introspection counters.
type DB struct {
	*sql.DB
	acquireTimeout time.Duration
}

// Open opens the SQLite database with foreign keys on and a bounded pool.
func Open(cfg Config) (*DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	// WAL keeps readers unblocked while a stage advance holds the write
	// lock; busy_timeout makes racing writers queue instead of erroring.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &DB{DB: conn, acquireTimeout: timeout}, nil
}

// PoolStats is a point-in-time view of connection usage.
type PoolStats struct {
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	MaxOpen   int `json:"max_open"`
	WaitCount int `json:"wait_count"`
}

// Stats exposes pool usage for observability.
func (d *DB) Stats() PoolStats {
	s := d.DB.Stats()
	return PoolStats{
		Active:    s.InUse,
		Idle:      s.Idle,
		MaxOpen:   s.MaxOpenConnections,
		WaitCount: int(s.WaitCount),
	}
}

// Acquire checks a connection out of the pool, failing fast with a timeout
// fault when the pool is saturated longer than the configured deadline. The
// caller must Close the returned conn on every exit path.
func (d *DB) Acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	defer cancel()
	conn, err := d.DB.Conn(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil {
			return nil, fault.New(fault.Timeout, "pool_acquire_timeout",
				"no database connection available within %s", d.acquireTimeout)
		}
		return nil, err
	}
	return conn, nil
}

// WithConn scopes fn to a single pooled connection: checkout goes through
// Acquire so a saturated pool surfaces a timeout fault instead of queueing
// behind the caller's context, and the connection is returned when fn ends.
func (d *DB) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := d.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
