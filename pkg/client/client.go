// Package client provides a client SDK for lrukv servers.
//
// The client spreads keys over one or more independent servers with
// consistent hashing, keeps a connection pool per server and retries
// commands that are safe to repeat when a connection fails.
//
// Key Features:
//   - Consistent hashing for node selection (pkg/hash)
//   - Connection pooling per server node
//   - Retry of connection failures for Get, Set and Keys
//   - Keys fans out to every node and merges the listings
//   - Safe for concurrent use
//
// Basic Usage:
//
//	c, err := client.New([]string{"server1:6379", "server2:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Set("user:123", "john_doe")
//	value, found, err := c.Get("user:123")
//	ok, err := c.Expire("user:123", time.Hour)
//	n, err := c.Incr("visits")
//	keys, err := c.Keys("user:*")
//
// Replies on the wire carry no framing and a Get on a missing key produces
// no bytes at all. The client therefore waits ReplyTimeout for each reply;
// a Get that times out reports the key as absent, and the connection is
// dropped in case a late reply is still in flight. A stored empty string
// is indistinguishable from a missing key for the same reason.
package client

import (
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/lrukv/internal/logger"
	"github.com/cachemir/lrukv/pkg/config"
	"github.com/cachemir/lrukv/pkg/hash"
	"github.com/cachemir/lrukv/pkg/protocol"
)

// Errors returned by the client.
var (
	ErrNoNodes         = errors.New("no available nodes")
	ErrNoReply         = errors.New("no reply before timeout")
	ErrInvalidPattern  = errors.New("invalid key pattern")
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrClosed          = errors.New("client closed")
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection and retry events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// replyBuffers holds read buffers shared by every connection of every client.
var replyBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, protocol.MaxReplySize)
		return &buf
	},
}

func readChunk(conn net.Conn) (string, error) {
	buf := replyBuffers.Get().(*[]byte)
	defer replyBuffers.Put(buf)
	return protocol.ReadReplyBuffer(conn, *buf)
}

// replyReader reads one reply from conn within timeout.
type replyReader func(conn net.Conn, timeout time.Duration) (string, error)

// Client talks to a set of lrukv servers.
//
// Example:
//
//	c, _ := client.New([]string{"server1:6379", "server2:6379"})
//	defer c.Close()
//
//	// The client selects the node for each key
//	c.Set("user:123", "data")    // may go to server1
//	c.Set("session:abc", "data") // may go to server2
type Client struct {
	config *config.ClientConfig
	ring   *hash.ConsistentHash
	logger *slog.Logger

	mu     sync.RWMutex // protects pools and closed
	pools  map[string]*ConnectionPool
	closed bool
}

// New creates a Client for the given nodes using defaults and LRUKV_*
// environment settings for everything else.
//
// Example:
//
//	c, err := client.New([]string{"localhost:6379"})
func New(nodes []string, opts ...Option) (*Client, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	cfg.Nodes = nodes

	return NewWithConfig(cfg, opts...)
}

// NewWithConfig creates a Client from cfg.
//
// Example:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Nodes = []string{"server1:6379", "server2:6379"}
//	cfg.ReplyTimeout = 200 * time.Millisecond
//	c, err := client.NewWithConfig(cfg)
//
// Returns:
//   - A Client ready for use; connections are dialed lazily
//   - Error wrapping config.ErrInvalidConfig if cfg fails validation
func NewWithConfig(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: cfg,
		ring:   hash.New(cfg.VirtualNodes),
		logger: logger.Nop(),
		pools:  make(map[string]*ConnectionPool),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, node := range cfg.Nodes {
		c.AddNode(node)
	}
	return c, nil
}

// AddNode adds a server to the ring. Keys owned by the arcs it takes over
// are routed to it from now on; their existing values stay on the old node.
func (c *Client) AddNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pools[address]; !ok {
		c.pools[address] = newConnectionPool(address, c.config.MaxConnsPerNode, c.config.ConnTimeout, c.logger)
	}
	c.ring.AddNode(address)
}

// RemoveNode removes a server from the ring and closes its pool.
func (c *Client) RemoveNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring.RemoveNode(address)
	if pool, ok := c.pools[address]; ok {
		pool.Close()
		delete(c.pools, address)
	}
}

// Nodes returns the servers currently on the ring.
func (c *Client) Nodes() []string {
	return c.ring.GetNodes()
}

// Set stores value under key and clears any expiration.
func (c *Client) Set(key, value string) error {
	reply, err := c.execute(protocol.NewSet(key, value), readReply)
	if err != nil {
		return err
	}
	if reply != protocol.ReplyOK {
		return errors.Wrapf(ErrUnexpectedReply, "SET %s: %q", key, reply)
	}
	return nil
}

// Get returns the value stored under key. found is false when the server
// sent no reply within ReplyTimeout, which is how a missing key looks.
func (c *Client) Get(key string) (value string, found bool, err error) {
	reply, err := c.execute(protocol.NewGet(key), readReply)
	if errors.Is(err, ErrNoReply) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reply, true, nil
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(key string) (bool, error) {
	reply, err := c.execute(protocol.NewDelete(key), readReply)
	if err != nil {
		return false, err
	}
	return foundReply("DEL", key, reply, protocol.ReplyDeleted)
}

// Expire sets key to expire after ttl, truncated to whole seconds; a ttl
// under one second expires the key immediately. It reports whether the key
// existed.
func (c *Client) Expire(key string, ttl time.Duration) (bool, error) {
	var seconds uint64
	if ttl > 0 {
		seconds = uint64(ttl / time.Second)
	}

	reply, err := c.execute(protocol.NewExpire(key, seconds), readReply)
	if err != nil {
		return false, err
	}
	return foundReply("EXPIRE", key, reply, protocol.ReplyOK)
}

// Incr adds one to the integer stored at key and returns the new value.
// A missing or non-numeric value counts as zero.
func (c *Client) Incr(key string) (int64, error) {
	return c.executeInt(protocol.NewIncr(key))
}

// Decr subtracts one from the integer stored at key and returns the new value.
func (c *Client) Decr(key string) (int64, error) {
	return c.executeInt(protocol.NewDecr(key))
}

// Keys returns every live key matching pattern on every node, sorted.
// '*' matches any run of characters; other characters keep their regular
// expression meaning on the server.
func (c *Client) Keys(pattern string) ([]string, error) {
	nodes := c.ring.GetNodes()
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	cmd := protocol.NewKeys(pattern)
	results := make([][]string, len(nodes))

	var g errgroup.Group
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			reply, err := c.executeOn(node, cmd, readKeyList)
			if err != nil {
				return err
			}
			if reply == protocol.ReplyInvalidPattern {
				return errors.Wrap(ErrInvalidPattern, pattern)
			}
			keys, err := protocol.DecodeKeyList(reply)
			if err != nil {
				return errors.Wrapf(ErrUnexpectedReply, "KEYS from %s: %q", node, reply)
			}
			results[i] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, keys := range results {
		for _, key := range keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, key)
		}
	}
	sort.Strings(merged)
	return merged, nil
}

// Close closes every pool. Further commands fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, pool := range c.pools {
		pool.Close()
	}
	return nil
}

func foundReply(op, key, reply, success string) (bool, error) {
	switch reply {
	case success:
		return true, nil
	case protocol.ReplyNotFound:
		return false, nil
	default:
		return false, errors.Wrapf(ErrUnexpectedReply, "%s %s: %q", op, key, reply)
	}
}

func (c *Client) executeInt(cmd *protocol.Command) (int64, error) {
	reply, err := c.execute(cmd, readReply)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(reply, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnexpectedReply, "%s %s: %q", cmd.Type, cmd.Key, reply)
	}
	return n, nil
}

// execute routes cmd to the node owning its key.
func (c *Client) execute(cmd *protocol.Command, read replyReader) (string, error) {
	node := c.ring.GetNode(cmd.Key)
	if node == "" {
		return "", ErrNoNodes
	}
	return c.executeOn(node, cmd, read)
}

// executeOn sends cmd to node, retrying connection failures. Once a command
// has been written it is retried only if repeating it cannot change the
// outcome (Get, Set and Keys).
func (c *Client) executeOn(node string, cmd *protocol.Command, read replyReader) (string, error) {
	frame, err := cmd.Serialize()
	if err != nil {
		return "", err
	}

	repeatable := cmd.Type == protocol.CmdGet || cmd.Type == protocol.CmdSet || cmd.Type == protocol.CmdKeys

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		reply, sent, err := c.roundTrip(node, frame, read)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, ErrNoReply) || errors.Is(err, ErrClosed) {
			return "", err
		}

		lastErr = err
		if sent && !repeatable {
			break
		}
		c.logger.Debug("retrying command", "command", cmd.Type.String(), "node", node, "attempt", attempt+1, "error", err)
	}

	return "", errors.Wrapf(lastErr, "%s on %s", cmd.Type, node)
}

// roundTrip writes one frame and reads its reply. sent reports whether the
// frame reached the connection.
func (c *Client) roundTrip(node string, frame []byte, read replyReader) (reply string, sent bool, err error) {
	c.mu.RLock()
	pool, ok := c.pools[node]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return "", false, ErrClosed
	}
	if !ok {
		return "", false, errors.Errorf("no connection pool for node: %s", node)
	}

	conn, _, err := pool.Get()
	if err != nil {
		return "", false, err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		pool.Discard(conn)
		return "", false, err
	}
	if _, err := conn.Write(frame); err != nil {
		pool.Discard(conn)
		return "", false, errors.Wrap(err, "write command")
	}

	reply, err = read(conn, c.config.ReplyTimeout)
	if err != nil {
		pool.Discard(conn)
		return "", true, err
	}

	pool.Put(conn)
	return reply, true, nil
}

// readReply performs one read. Replies other than key listings fit in a
// single segment.
func readReply(conn net.Conn, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	reply, err := readChunk(conn)
	if err != nil {
		return "", replyError(err)
	}
	return reply, nil
}

// readKeyList reads until the accumulated bytes form a complete key listing
// or the invalid-pattern reply.
func readKeyList(conn net.Conn, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	var buf []byte
	for {
		chunk, err := readChunk(conn)
		if err != nil {
			return "", replyError(err)
		}
		buf = append(buf, chunk...)

		reply := string(buf)
		if reply == protocol.ReplyInvalidPattern {
			return reply, nil
		}
		if _, err := protocol.DecodeKeyList(reply); err == nil {
			return reply, nil
		}
	}
}

func replyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNoReply
	}
	return errors.Wrap(err, "read reply")
}
