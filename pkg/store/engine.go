// Package store implements the lrukv storage engine: a key-value table with
// per-key expiration, an LRU recency queue bounding the number of entries,
// atomic numeric mutation and glob-style key enumeration.
//
// The engine does no locking of its own. It executes one command at a time
// and expects its caller to serialize access (see package cache).
//
// Data structures:
//   - items: key -> element of the recency list (O(1) lookup)
//   - lru: doubly-linked list, front = most recently used, back = least
//   - expirations: key -> absolute deadline, present only for keys with a TTL
//
// Every key in items is in lru exactly once, and every key in expirations is
// also in items. The table never holds more than capacity entries once a
// command has returned.
//
// Keys patterns are translated to regular expressions by replacing each '*'
// with ".*". Every other character keeps its regular-expression meaning, so
// "user.1" also matches "userX1" and "a+" matches "aa". Clients that need a
// literal metacharacter must escape it themselves.
package store

import (
	"container/list"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cachemir/lrukv/pkg/protocol"
)

// maxExpireSeconds is the largest relative expiration representable as a
// time.Duration. Longer requests are clamped to it (roughly 292 years).
const maxExpireSeconds = math.MaxInt64 / int64(time.Second)

// ErrInvalidCapacity is returned by New for a capacity below one.
var ErrInvalidCapacity = errors.New("store: capacity must be positive")

// entry is the value stored in the recency list elements. The key is kept
// here because eviction starts from list nodes.
type entry struct {
	key   string
	value string
}

// Stats counts engine events since construction.
type Stats struct {
	Hits        uint64 // Get found a live key
	Misses      uint64 // Get found nothing
	Evictions   uint64 // entries removed to respect capacity
	Expirations uint64 // entries removed because their deadline passed
}

// Engine is the single-threaded key-value table. The zero value is not
// usable; construct with New.
type Engine struct {
	items       map[string]*list.Element
	lru         *list.List // Front = MRU, Back = LRU
	expirations map[string]time.Time
	now         func() time.Time
	capacity    int
	stats       Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an empty engine holding at most capacity entries.
//
// Example:
//
//	engine, err := store.New(1000)
//	if err != nil {
//		log.Fatal(err)
//	}
//	reply, ok := engine.Execute(protocol.NewSet("greeting", "hello"))
func New(capacity int, opts ...Option) (*Engine, error) {
	if capacity < 1 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "got %d", capacity)
	}

	e := &Engine{
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		expirations: make(map[string]time.Time),
		now:         time.Now,
		capacity:    capacity,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute applies one command and returns its reply. ok is false when the
// command has no reply, which only happens for a Get on a missing or
// expired key; that is distinct from a present empty value.
//
// Execute panics on a command type it does not know. Callers decode
// commands through package protocol, which never yields one.
func (e *Engine) Execute(cmd *protocol.Command) (reply string, ok bool) {
	now := e.now()

	switch cmd.Type {
	case protocol.CmdSet:
		return e.set(cmd.Key, cmd.Value), true
	case protocol.CmdGet:
		return e.get(cmd.Key, now)
	case protocol.CmdDelete:
		return e.del(cmd.Key, now), true
	case protocol.CmdExpire:
		return e.expire(cmd.Key, cmd.Seconds, now), true
	case protocol.CmdIncr:
		return e.incrBy(cmd.Key, 1, now), true
	case protocol.CmdDecr:
		return e.incrBy(cmd.Key, -1, now), true
	case protocol.CmdKeys:
		return e.keys(cmd.Pattern, now), true
	default:
		panic("store: unknown command type " + cmd.Type.String())
	}
}

// set stores value under key, clearing any TTL. A write resets lifetime.
func (e *Engine) set(key, value string) string {
	delete(e.expirations, key)

	if el, ok := e.items[key]; ok {
		el.Value.(*entry).value = value
		e.lru.MoveToFront(el)
		return protocol.ReplyOK
	}

	e.insert(key, value)
	return protocol.ReplyOK
}

func (e *Engine) get(key string, now time.Time) (string, bool) {
	e.expireIfDue(key, now)

	el, ok := e.items[key]
	if !ok {
		e.stats.Misses++
		return "", false
	}

	e.stats.Hits++
	e.lru.MoveToFront(el)
	return el.Value.(*entry).value, true
}

func (e *Engine) del(key string, now time.Time) string {
	e.expireIfDue(key, now)

	if !e.remove(key) {
		return protocol.ReplyNotFound
	}
	return protocol.ReplyDeleted
}

// expire sets key's deadline to now+seconds. Zero seconds yields a deadline
// that is already due, so the next access removes the key.
func (e *Engine) expire(key string, seconds uint64, now time.Time) string {
	e.expireIfDue(key, now)

	el, ok := e.items[key]
	if !ok {
		return protocol.ReplyNotFound
	}

	if seconds > uint64(maxExpireSeconds) {
		seconds = uint64(maxExpireSeconds)
	}
	e.expirations[key] = now.Add(time.Duration(seconds) * time.Second)
	e.lru.MoveToFront(el)
	return protocol.ReplyOK
}

// incrBy adds delta to the base-10 integer stored at key. A missing or
// unparsable value counts as zero, so this never fails. Overflow wraps.
// The key's TTL, if any, is kept.
func (e *Engine) incrBy(key string, delta int64, now time.Time) string {
	e.expireIfDue(key, now)

	el, ok := e.items[key]
	if !ok {
		next := strconv.FormatInt(delta, 10)
		e.insert(key, next)
		return next
	}

	ent := el.Value.(*entry)
	current, err := strconv.ParseInt(ent.value, 10, 64)
	if err != nil {
		current = 0
	}

	ent.value = strconv.FormatInt(current+delta, 10)
	e.lru.MoveToFront(el)
	return ent.value
}

// keys lists live keys matching pattern. It neither removes expired keys nor
// touches recency; expired keys are simply left out of the listing.
func (e *Engine) keys(pattern string, now time.Time) string {
	re, err := compilePattern(pattern)
	if err != nil {
		return protocol.ReplyInvalidPattern
	}

	matched := make([]string, 0)
	for key := range e.items {
		if e.isDue(key, now) {
			continue
		}
		if re.MatchString(key) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	return protocol.EncodeKeyList(matched)
}

// compilePattern turns a glob into an anchored regular expression by
// substituting ".*" for every '*'. The substituted expression must compile on
// its own before it is anchored.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	expr := strings.ReplaceAll(pattern, "*", ".*")
	if _, err := regexp.Compile(expr); err != nil {
		return nil, err
	}
	return regexp.Compile("^(?:" + expr + ")$")
}

// SweepExpired removes every key whose deadline has passed and returns how
// many were removed.
func (e *Engine) SweepExpired() int {
	now := e.now()

	var due []string
	for key, deadline := range e.expirations {
		if !now.Before(deadline) {
			due = append(due, key)
		}
	}

	for _, key := range due {
		e.remove(key)
	}
	e.stats.Expirations += uint64(len(due))
	return len(due)
}

// Len returns the number of entries, including expired ones not yet removed.
func (e *Engine) Len() int {
	return len(e.items)
}

// Capacity returns the maximum number of entries.
func (e *Engine) Capacity() int {
	return e.capacity
}

// Keys returns all stored keys in MRU -> LRU order.
func (e *Engine) Keys() []string {
	out := make([]string, 0, e.lru.Len())
	for el := e.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// Stats returns a snapshot of the event counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

func (e *Engine) insert(key, value string) {
	e.items[key] = e.lru.PushFront(&entry{key: key, value: value})
	e.evictIfNeeded()
}

// evictIfNeeded drops the least recently used entry when the table is over
// capacity. One insert can overshoot by at most one entry.
func (e *Engine) evictIfNeeded() {
	if len(e.items) <= e.capacity {
		return
	}

	el := e.lru.Back()
	if el == nil {
		return
	}
	e.remove(el.Value.(*entry).key)
	e.stats.Evictions++
}

func (e *Engine) isDue(key string, now time.Time) bool {
	deadline, ok := e.expirations[key]
	return ok && !now.Before(deadline)
}

func (e *Engine) expireIfDue(key string, now time.Time) {
	if e.isDue(key, now) {
		e.remove(key)
		e.stats.Expirations++
	}
}

// remove deletes key from the table, the recency list and the expiration
// index together.
func (e *Engine) remove(key string) bool {
	el, ok := e.items[key]
	if !ok {
		return false
	}
	delete(e.items, key)
	delete(e.expirations, key)
	e.lru.Remove(el)
	return true
}
