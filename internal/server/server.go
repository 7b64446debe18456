// Package server implements the lrukv TCP server.
//
// The server accepts stream connections and runs one goroutine per
// connection. Each goroutine decodes binary command frames back to back from
// its connection, hands every command to the shared cache and writes the
// reply bytes verbatim. Only the cache call is serialized across
// connections; reading and writing happen concurrently.
//
// Architecture:
//   - TCP listener with an optional connection cap
//   - Per-connection buffered decoding of self-delimiting frames
//   - Shared cache.Cache for all store access
//   - Graceful shutdown through Stop or context cancellation
//
// Example usage:
//
//	srv := server.New(cfg, c, logger)
//	if err := srv.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Connection lifecycle:
//   - A read of zero bytes at a frame boundary ends the connection cleanly.
//   - A malformed frame cannot be resynchronized, so the connection is closed.
//   - Commands without a reply (Get on a missing key) write nothing.
//   - Any I/O error terminates only that connection.
package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/cachemir/lrukv/internal/logger"
	"github.com/cachemir/lrukv/internal/metrics"
	"github.com/cachemir/lrukv/pkg/cache"
	"github.com/cachemir/lrukv/pkg/config"
	"github.com/cachemir/lrukv/pkg/protocol"
)

// readBufferSize is the per-connection read buffer.
const readBufferSize = 1024

// ErrServerClosed is returned by Listen after Stop.
var ErrServerClosed = errors.New("server: closed")

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches Prometheus connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server represents an lrukv server instance.
// It manages TCP connections and forwards decoded commands to the cache.
//
// Example:
//
//	srv := server.New(cfg, c, logger)
//	go func() {
//		if err := srv.Start(ctx); err != nil {
//			logger.Error("server error", "error", err)
//		}
//	}()
//
//	// Later, to stop the server
//	srv.Stop()
type Server struct {
	cfg     *config.ServerConfig
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted // nil when connections are unbounded
	active  atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Server for cfg backed by c. The server is not listening
// until Listen or Start is called. A nil logger discards all output.
//
// Parameters:
//   - cfg: Bind address, connection cap and timeouts
//   - c: The cache every connection shares
//   - l: Structured logger for connection events
//
// Returns:
//   - A new Server instance ready to be started
func New(cfg *config.ServerConfig, c *cache.Cache, l *slog.Logger, opts ...Option) *Server {
	if l == nil {
		l = logger.Nop()
	}

	s := &Server{
		cfg:    cfg,
		cache:  c,
		logger: l,
		conns:  make(map[net.Conn]struct{}),
	}
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves connections until Stop is called or
// ctx is cancelled. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the configured address without accepting connections yet.
func (s *Server) Listen(ctx context.Context) error {
	addr := s.cfg.Address()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = listener.Close()
		return ErrServerClosed
	}
	s.listener = listener

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Serve accepts connections on the bound listener until Stop is called or
// ctx is cancelled, then waits for every connection goroutine to exit.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Stop() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.metrics.ConnectionRejected()
			s.logger.Warn("connection limit reached, rejecting",
				"remote", conn.RemoteAddr().String(), "max_conns", s.cfg.MaxConns)
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			s.release()
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener and every open connection. Serve returns once
// all connection goroutines have exited. Stop is safe to call repeatedly.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	return err
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// handleConnection runs the read, execute and reply loop for one client
// until it disconnects, sends a malformed frame or an I/O error occurs.
func (s *Server) handleConnection(conn net.Conn) {
	log := s.logger.With("conn", uuid.NewString(), "remote", conn.RemoteAddr().String())
	log.Info("new connection")

	s.active.Inc()
	defer s.active.Dec()
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("error closing connection", "error", err)
		}
	}()

	reader := bufio.NewReaderSize(conn, readBufferSize)

	for {
		if s.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				log.Error("error setting read deadline", "error", err)
				return
			}
		}

		cmd, err := protocol.ReadCommand(reader)
		if err != nil {
			s.logReadError(log, err)
			return
		}

		reply, ok, err := s.cache.HandleCommand(cmd)
		if err != nil {
			log.Error("command failed, closing connection", "command", cmd.Type.String(), "error", err)
			return
		}
		if !ok {
			log.Debug("command produced no reply", "command", cmd.String())
			continue
		}

		if s.cfg.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				log.Error("error setting write deadline", "error", err)
				return
			}
		}
		if err := protocol.WriteReply(conn, reply); err != nil {
			log.Error("failed to write reply", "error", err)
			return
		}
	}
}

func (s *Server) logReadError(log *slog.Logger, err error) {
	var decodeErr *protocol.DecodeError
	var netErr net.Error

	switch {
	case errors.Is(err, io.EOF):
		log.Info("connection closed")
	case errors.As(err, &decodeErr):
		s.metrics.RecordDecodeError()
		log.Warn("malformed command, closing connection",
			"field", decodeErr.Field, "offset", decodeErr.Offset, "error", decodeErr.Err)
	case errors.Is(err, net.ErrClosed):
		log.Debug("connection closed by server")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Info("connection idle timeout")
	default:
		log.Error("error reading command", "error", err)
	}
}
