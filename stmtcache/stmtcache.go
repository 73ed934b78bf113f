// Package stmtcache implements a connection-scoped cache of prepared
// statements, keyed by SQL text, with single-flight preparation: if two
// callers ask to prepare the same statement at the same time, only one
// actually issues Parse/Describe; the other waits on the result.
package stmtcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq/oid"
)

// Metadata describes a prepared statement once the server has parsed and
// described it: the parameter type OIDs and the result column descriptions,
// enough to bind and execute it without re-describing.
type Metadata struct {
	StatementID string
	Parameters  []oid.Oid
	Columns     []ColumnDescription

	// Nullable holds the nullability engine's verdict for each Columns
	// entry, in the same order, once a caller has supplied enough
	// context (a parsed statement and catalog) for inference to run.
	// It is nil until then.
	Nullable []bool
}

// ColumnDescription is the subset of RowDescription fields the cache needs
// to keep. The executor owns the wire-level decoding; this package only
// stores the result.
type ColumnDescription struct {
	Name         string
	TableOID     oid.Oid
	TableColumn  int16
	DataTypeOID  oid.Oid
	DataTypeSize int16
	TypeModifier int32
	Format       int16
}

// entry is either resolved (Cached) or being prepared by some other caller
// right now (InFlight). This mirrors the two-state design needed for
// single-flight preparation: a second caller asking for the same statement
// while the first is still preparing it must wait rather than issue its own
// duplicate Parse.
type entry struct {
	cached   *Metadata
	waiters  []chan struct{}
	inFlight bool
}

// Cache is a connection-scoped, bounded, single-flight statement cache.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *entry]
	limit int
	seq   atomic.Uint64

	// onEvict, if set, is called with the server-side statement name of a
	// cached (not in-flight) entry evicted from the LRU, so the caller can
	// close it on the wire. It runs in its own goroutine, never while mu is
	// held.
	onEvict func(statementID string)
}

// New constructs a Cache holding at most limit statements. Evicting an
// entry that is still InFlight notifies its waiters with a nil result,
// signalling them to become the preparer themselves.
func New(limit int) *Cache {
	if limit <= 0 {
		limit = 512
	}

	c := &Cache{limit: limit}
	l, _ := lru.NewWithEvict[string, *entry](limit, func(_ string, e *entry) {
		c.notifyEvicted(e)
	})
	c.lru = l

	return c
}

func (c *Cache) notifyEvicted(e *entry) {
	if e.inFlight {
		for _, w := range e.waiters {
			close(w)
		}
		return
	}

	if c.onEvict != nil && e.cached != nil && e.cached.StatementID != "" {
		id := e.cached.StatementID
		go c.onEvict(id)
	}
}

// SetCloser registers the function called, in its own goroutine, to close a
// named server-side statement that fell out of the LRU while still cached.
func (c *Cache) SetCloser(fn func(statementID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvict = fn
}

// NextStatementID allocates the next name in this connection's s0, s1, …
// sequence of named prepared statements.
func (c *Cache) NextStatementID() string {
	return fmt.Sprintf("s%d", c.seq.Add(1)-1)
}

// lookupResult tells the caller of Get what to do next.
type lookupResult int

const (
	// Miss means the caller must prepare the statement itself and call
	// Insert once finished.
	Miss lookupResult = iota
	// Hit means metadata was returned immediately.
	Hit
	// Wait means another caller is already preparing it; WaitFor
	// blocks until that completes and then the caller should call Get
	// again.
	Wait
)

// Get looks up metadata for query. It returns (Hit, metadata) if cached,
// (Miss, nil) if the caller should prepare it (and is now responsible for
// calling Insert), or (Wait, nil) if another caller is already preparing it
// - use WaitFor to block until that's done, then call Get again.
func (c *Cache) Get(query string) (lookupResult, *Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(query)
	if !ok {
		c.lru.Add(query, &entry{inFlight: true})
		return Miss, nil
	}

	if e.inFlight {
		return Wait, nil
	}

	return Hit, e.cached
}

// WaitFor blocks until the in-flight preparation for query completes (or
// ctx is cancelled), then returns. The caller should call Get again
// afterward: the statement may now be cached, or the preparer may have
// failed and the caller becomes responsible for preparing it.
func (c *Cache) WaitFor(ctx context.Context, query string) error {
	c.mu.Lock()
	e, ok := c.lru.Get(query)
	if !ok || !e.inFlight {
		c.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert completes a Miss: it stores the prepared metadata and wakes
// anyone waiting on it.
func (c *Cache) Insert(query string, meta *Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(query)
	if !ok {
		e = &entry{}
		c.lru.Add(query, e)
	}

	e.inFlight = false
	e.cached = meta
	waiters := e.waiters
	e.waiters = nil

	for _, w := range waiters {
		close(w)
	}
}

// Abandon completes a Miss unsuccessfully: the preparer failed, so the
// entry is removed and any waiters are woken to retry as the new preparer.
func (c *Cache) Abandon(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(query)
	if !ok {
		return
	}

	c.lru.Remove(query)

	for _, w := range e.waiters {
		close(w)
	}
}

// Len reports how many statements are currently tracked (cached or
// in-flight).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}
