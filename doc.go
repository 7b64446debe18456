// Package lrukv is an in-memory key-value cache server with LRU-bounded
// capacity, per-key expiration and a compact binary command protocol.
//
// Clients open a stream connection and send typed command frames; the server
// replies with raw text. All string values live in a single store that holds
// at most a configured number of entries, evicting the least recently used
// entry when a new key would exceed it.
//
// # Architecture Overview
//
//   - Protocol (pkg/protocol): binary command codec and reply helpers
//   - Store engine (pkg/store): map, recency list and deadlines; single-threaded
//   - Cache (pkg/cache): mutex-guarded facade, expired-key sweeper, usage stats
//   - Server (internal/server): TCP accept loop, one goroutine per connection
//   - Metrics (internal/metrics): Prometheus collectors, /metrics and /health
//   - Configuration (pkg/config): defaults, LRUKV_* environment, flags
//   - Client SDK (pkg/client): pooled connections, consistent hashing over nodes
//
// # Commands
//
//	SET key value     -> "OK"                 (clears any expiration)
//	GET key           -> value | no reply
//	DEL key           -> "Deleted" | "Not Found"
//	EXPIRE key secs   -> "OK" | "Not Found"
//	INCR key          -> new value            (missing or non-numeric counts as 0)
//	DECR key          -> new value
//	KEYS pattern      -> JSON array | "Invalid pattern"
//
// A KEYS pattern is anchored; '*' matches any run of characters and every
// other character keeps its regular expression meaning.
//
// # Wire Format
//
// Each command is one self-delimiting frame: a tag byte (SET=1, GET=2, DEL=3,
// EXPIRE=4, INCR=5, DECR=6, KEYS=7), then each string as a one-byte length
// followed by that many UTF-8 bytes, and for EXPIRE an unsigned 64-bit
// little-endian second count after the key. Frames may be sent back to back
// on one connection. Replies are written verbatim with no framing.
//
// # Quick Start
//
// Server:
//
//	go run ./cmd/server -port 6379 -max-cache-size 1000 -cleanup-interval 60s
//
// Client:
//
//	c, err := client.New([]string{"localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	c.Set("user:123", "john_doe")
//	c.Expire("user:123", time.Hour)
//	value, found, err := c.Get("user:123")
//
// Embedded:
//
//	c, _ := cache.New(1000)
//	reply, ok, err := c.HandleCommand(protocol.NewIncr("hits"))
//
// # Configuration
//
// Server settings come from defaults, then LRUKV_* environment variables,
// then flags. The store capacity and sweep period are LRUKV_MAX_CACHE_SIZE
// and LRUKV_CLEANUP_INTERVAL_SECS (or -max-cache-size and -cleanup-interval).
// See pkg/config for the full list.
package lrukv
