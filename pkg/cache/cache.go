// Package cache provides the concurrency boundary around the lrukv storage engine.
//
// A Cache owns one store engine and serializes every access to it with a
// single mutex: at most one command or sweep runs against the engine at any
// instant, and the order in which callers acquire the mutex is the only
// ordering guarantee. Reading requests and writing replies happen outside the
// lock, so connection I/O never blocks other connections.
//
// The cache also keeps process-lifetime usage metrics (a command counter and
// start time, periodically logged as throughput) and feeds the Prometheus
// collectors when configured with WithMetrics.
//
// Example usage:
//
//	c, err := cache.New(1000, cache.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	c.StartSweeper(ctx, time.Minute)
//
//	reply, ok, err := c.HandleCommand(protocol.NewSet("user:123", "john_doe"))
//
// Poisoning:
//
// A panic inside the engine while the mutex is held leaves the engine in an
// unknown state. The cache recovers the panic, logs it with a stack trace and
// marks itself poisoned. That command and every later command or sweep fail
// with ErrPoisoned, Health reports the failure, and the channel returned by
// Poisoned is closed so the process can shut down.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/cachemir/lrukv/internal/logger"
	"github.com/cachemir/lrukv/internal/metrics"
	"github.com/cachemir/lrukv/pkg/protocol"
	"github.com/cachemir/lrukv/pkg/store"
)

// DefaultReportEvery is how many commands pass between throughput reports.
const DefaultReportEvery = 10000

// ErrPoisoned is returned once a panic has escaped the engine.
var ErrPoisoned = errors.New("cache: poisoned by a panic during execution")

// Engine is the single-threaded storage contract the cache serializes.
// *store.Engine implements it.
type Engine interface {
	Execute(cmd *protocol.Command) (reply string, ok bool)
	SweepExpired() int
	Len() int
	Stats() store.Stats
}

// Stats is a snapshot of usage metrics.
type Stats struct {
	StartTime     time.Time
	Uptime        time.Duration
	TotalCommands int64
	Keys          int
	Engine        store.Stats
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithReportEvery sets the number of commands between throughput log lines.
// Zero or a negative value disables the reports.
func WithReportEvery(n int64) Option {
	return func(c *Cache) {
		c.reportEvery = n
	}
}

// WithClock replaces time.Now for uptime and throughput reporting.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache serializes access to one Engine across any number of goroutines.
type Cache struct {
	mu       sync.Mutex
	engine   Engine
	poisoned error       // guarded by mu
	last     store.Stats // engine counters already reported to metrics, guarded by mu

	poisonedCh   chan struct{}
	poisonedOnce sync.Once

	commands    atomic.Int64
	startTime   time.Time
	reportEvery int64
	now         func() time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics

	// Sweeper goroutine ownership.
	sweepMu sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Cache around a fresh store engine holding at most maxSize
// entries.
//
// Example:
//
//	c, err := cache.New(1000)
//	if err != nil {
//		log.Fatalf("cache: %v", err)
//	}
//
// Returns:
//   - A Cache ready for concurrent use
//   - store.ErrInvalidCapacity if maxSize is below one
func New(maxSize int, opts ...Option) (*Cache, error) {
	c := newCache(opts)

	engine, err := store.New(maxSize, store.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return c, nil
}

// NewWithEngine creates a Cache around an existing engine.
func NewWithEngine(engine Engine, opts ...Option) *Cache {
	c := newCache(opts)
	c.engine = engine
	return c
}

func newCache(opts []Option) *Cache {
	c := &Cache{
		poisonedCh:  make(chan struct{}),
		reportEvery: DefaultReportEvery,
		now:         time.Now,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.now()
	return c
}

// HandleCommand executes one command with exclusive access to the engine and
// returns its reply. ok is false when the command has no reply (a Get on a
// missing key). err is non-nil only for commands of unknown type and once
// the cache is poisoned; logical outcomes such as "Not Found" are replies.
//
// Example:
//
//	reply, ok, err := c.HandleCommand(protocol.NewGet("greeting"))
//	switch {
//	case err != nil:
//		// cache unusable
//	case !ok:
//		// key absent
//	default:
//		fmt.Println(reply)
//	}
func (c *Cache) HandleCommand(cmd *protocol.Command) (reply string, ok bool, err error) {
	if !cmd.Type.Valid() {
		return "", false, errors.Wrapf(protocol.ErrUnknownCommand, "tag %d", uint8(cmd.Type))
	}

	start := time.Now()

	c.mu.Lock()
	reply, ok, err = c.executeLocked(cmd)
	c.mu.Unlock()

	if err != nil {
		return "", false, err
	}

	total := c.commands.Inc()
	c.metrics.RecordCommand(cmd.Type.String(), time.Since(start))
	if c.reportEvery > 0 && total%c.reportEvery == 0 {
		c.reportThroughput(total)
	}

	return reply, ok, nil
}

func (c *Cache) executeLocked(cmd *protocol.Command) (reply string, ok bool, err error) {
	if c.poisoned != nil {
		return "", false, c.poisoned
	}

	defer func() {
		if r := recover(); r != nil {
			err = c.poisonLocked(r, "command", cmd.String())
			reply, ok = "", false
		}
	}()

	reply, ok = c.engine.Execute(cmd)
	c.recordStoreLocked()
	return reply, ok, nil
}

// CleanupExpiredKeys removes every expired key with exclusive access to the
// engine and returns how many were removed.
func (c *Cache) CleanupExpiredKeys() (removed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned != nil {
		return 0, c.poisoned
	}

	defer func() {
		if r := recover(); r != nil {
			err = c.poisonLocked(r, "operation", "sweep")
			removed = 0
		}
	}()

	removed = c.engine.SweepExpired()
	c.recordStoreLocked()
	return removed, nil
}

func (c *Cache) poisonLocked(r any, attrs ...any) error {
	c.poisoned = errors.Wrap(ErrPoisoned, fmt.Sprint(r))
	c.logger.Error("panic while holding the store lock, rejecting further commands",
		append(attrs, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))...)
	c.poisonedOnce.Do(func() { close(c.poisonedCh) })
	return c.poisoned
}

// recordStoreLocked pushes engine counters gained since the last call into
// the Prometheus collectors.
func (c *Cache) recordStoreLocked() {
	if c.metrics == nil {
		return
	}
	stats := c.engine.Stats()
	c.metrics.RecordStore(c.engine.Len(), stats.Evictions-c.last.Evictions, stats.Expirations-c.last.Expirations)
	c.last = stats
}

func (c *Cache) reportThroughput(total int64) {
	elapsed := c.now().Sub(c.startTime)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(total) / elapsed.Seconds()
	}
	c.logger.Info("throughput",
		"commands", total,
		"elapsed", elapsed.Round(time.Millisecond),
		"commands_per_sec", fmt.Sprintf("%.1f", rate))
}

// StartSweeper launches a goroutine calling CleanupExpiredKeys every interval
// until ctx is cancelled or Close is called. It is a no-op when interval is
// not positive, when a sweeper is already running, or after Close.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.closed || c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RunSweeper(ctx, interval)
	}()
}

// RunSweeper sweeps expired keys every interval and blocks until ctx is
// cancelled or the cache is poisoned.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Debug("expired-key sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			removed, err := c.CleanupExpiredKeys()
			if err != nil {
				c.logger.Error("stopping expired-key sweeper", "error", err)
				return
			}
			c.metrics.RecordSweep(time.Since(start))
			if removed > 0 {
				c.logger.Debug("swept expired keys", "removed", removed)
			}
		}
	}
}

// Close stops the sweeper started by StartSweeper and waits for it to exit.
// Close is safe to call multiple times.
func (c *Cache) Close() error {
	c.sweepMu.Lock()
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.sweepMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

// Health returns nil while the cache is usable and the poisoning error after.
func (c *Cache) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

// Poisoned returns a channel closed when the cache becomes poisoned.
func (c *Cache) Poisoned() <-chan struct{} {
	return c.poisonedCh
}

// Stats returns a snapshot of the usage metrics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	keys := c.engine.Len()
	engineStats := c.engine.Stats()
	c.mu.Unlock()

	return Stats{
		StartTime:     c.startTime,
		Uptime:        c.now().Sub(c.startTime),
		TotalCommands: c.commands.Load(),
		Keys:          keys,
		Engine:        engineStats,
	}
}
