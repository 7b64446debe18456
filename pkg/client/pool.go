package client

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Get after the pool has been closed.
var ErrPoolClosed = errors.New("connection pool closed")

// ConnectionPool manages connections to a single server node.
//
// The pool dials connections on demand up to maxConns and hands idle ones
// back out before dialing again. A connection whose state is uncertain
// (an I/O error or a reply that may still be in flight) must be returned
// with Discard so it is never reused.
type ConnectionPool struct {
	idle        chan net.Conn // idle connections ready for reuse
	address     string        // server address (host:port)
	connTimeout time.Duration // dial timeout and wait limit when exhausted
	logger      *slog.Logger

	mu       sync.Mutex // protects created and closed
	maxConns int
	created  int
	closed   bool
}

func newConnectionPool(address string, maxConns int, connTimeout time.Duration, logger *slog.Logger) *ConnectionPool {
	return &ConnectionPool{
		idle:        make(chan net.Conn, maxConns),
		address:     address,
		connTimeout: connTimeout,
		logger:      logger,
		maxConns:    maxConns,
	}
}

// Get returns an idle connection or dials a new one. The bool result reports
// whether the connection was reused. When the pool is at capacity Get waits
// up to the connection timeout for one to be returned.
func (cp *ConnectionPool) Get() (net.Conn, bool, error) {
	select {
	case conn, ok := <-cp.idle:
		if !ok {
			return nil, false, ErrPoolClosed
		}
		return conn, true, nil
	default:
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, false, ErrPoolClosed
	}
	if cp.created < cp.maxConns {
		cp.created++
		cp.mu.Unlock()

		dialer := &net.Dialer{Timeout: cp.connTimeout}
		conn, err := dialer.DialContext(context.Background(), "tcp", cp.address)
		if err != nil {
			cp.release()
			return nil, false, errors.Wrapf(err, "dial %s", cp.address)
		}
		return conn, false, nil
	}
	cp.mu.Unlock()

	select {
	case conn, ok := <-cp.idle:
		if !ok {
			return nil, false, ErrPoolClosed
		}
		return conn, true, nil
	case <-time.After(cp.connTimeout):
		return nil, false, errors.Errorf("connection pool for %s exhausted", cp.address)
	}
}

// Put returns a healthy connection to the pool for reuse.
func (cp *ConnectionPool) Put(conn net.Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		cp.closeConn(conn)
		cp.created--
		return
	}

	select {
	case cp.idle <- conn:
	default:
		cp.closeConn(conn)
		cp.created--
	}
}

// Discard closes conn and frees its slot.
func (cp *ConnectionPool) Discard(conn net.Conn) {
	cp.closeConn(conn)
	cp.release()
}

// Close closes every idle connection. Connections currently checked out are
// closed when they are returned.
func (cp *ConnectionPool) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	close(cp.idle)
	cp.mu.Unlock()

	for conn := range cp.idle {
		cp.closeConn(conn)
		cp.release()
	}
}

func (cp *ConnectionPool) release() {
	cp.mu.Lock()
	cp.created--
	cp.mu.Unlock()
}

func (cp *ConnectionPool) closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		cp.logger.Debug("error closing connection", "addr", cp.address, "error", err)
	}
}
