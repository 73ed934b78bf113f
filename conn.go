// Package pgengine implements an asynchronous Postgres client connection:
// a single socket-owning worker goroutine, the extended-query protocol
// state machine layered on top of it, statement and type-OID caches, a
// pipelined multi-query engine, and a SQL nullability inference engine used
// to decide which projected columns of a query may return NULL.
package pgengine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgengine/pgengine/errors"
	"github.com/pgengine/pgengine/executor"
	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/internal/worker"
	"github.com/pgengine/pgengine/protocol"
	"github.com/pgengine/pgengine/stmtcache"
	"github.com/pgengine/pgengine/typecache"
)

// Conn is a single asynchronous connection to a Postgres server. All wire
// traffic for a Conn is serialized through one worker goroutine; every
// method on Conn is safe to call concurrently from many goroutines, which
// is the whole point of the design: callers pipeline work without each
// needing their own socket.
type Conn struct {
	id     uuid.UUID
	logger *slog.Logger
	conn   net.Conn
	pipe   *pipe.Pipe
	cfg    *Config

	stmts *stmtcache.Cache
	types *typecache.Cache

	parameters    map[string]string
	backendPID    int32
	backendSecret int32

	notifications chan Notification
	closing       atomic.Bool
	wg            sync.WaitGroup

	workerErr error
	workerMu  sync.Mutex

	// txMu guards transaction status and nesting depth. It is only ever
	// held across a map/field read or write, never across a pipe send.
	txMu     sync.Mutex
	txStatus protocol.TransactionStatus
	txDepth  int
}

// Connect dials addr, performs the startup handshake and authentication,
// and returns a ready-to-use Conn.
func Connect(ctx context.Context, addr string, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	logger := cfg.logger()

	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	result, err := establish(ctx, logger, raw, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}

	c := &Conn{
		id:            uuid.New(),
		logger:        logger,
		conn:          result.conn,
		pipe:          pipe.New(64),
		cfg:           cfg,
		parameters:    result.parameters,
		backendPID:    result.backendPID,
		backendSecret: result.backendSecret,
		notifications: make(chan Notification, 64),
		txStatus:      protocol.TransactionIdle,
	}

	c.stmts = stmtcache.New(cfg.statementCacheSize())
	c.types = typecache.New()
	c.stmts.SetCloser(c.closeEvictedStatement)

	w := worker.New(logger, result.conn, c.pipe, cfg.bufferedMsgSize(), c.handleAsync)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := w.Run(ctx)
		c.workerMu.Lock()
		c.workerErr = err
		c.workerMu.Unlock()
		close(c.notifications)
	}()

	return c, nil
}

// Submit pushes a pipe.Request onto this connection's worker. Higher-level
// packages (executor, pipeline) use this to drive the protocol state
// machine without reaching into worker internals.
func (c *Conn) Submit(ctx context.Context, req *pipe.Request) error {
	if c.closing.Load() {
		return fmt.Errorf("connection %s is closing", c.id)
	}

	return c.pipe.Submit(ctx, req)
}

// Statements returns the connection's statement cache.
func (c *Conn) Statements() *stmtcache.Cache {
	return c.stmts
}

// Types returns the connection's type-OID cache.
func (c *Conn) Types() *typecache.Cache {
	return c.types
}

// Executor returns a request builder bound to this connection's pipe, used
// to run the extended-query protocol for a single statement.
func (c *Conn) Executor() *executor.Executor {
	return executor.New(c.pipe, c.stmts, c.types)
}

// BackendPID returns the process ID the server reported for this
// connection's backend, used to issue a CancelRequest on a side channel.
func (c *Conn) BackendPID() int32 {
	return c.backendPID
}

// Parameter returns a parameter the server announced with ParameterStatus
// during startup (e.g. "server_version", "client_encoding"). ParameterStatus
// messages received after startup are not recorded.
func (c *Conn) Parameter(name string) (string, bool) {
	v, ok := c.parameters[name]
	return v, ok
}

// TxStatus returns the connection's last-known transaction status, as
// reported by the most recent ReadyForQuery.
func (c *Conn) TxStatus() protocol.TransactionStatus {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	return c.txStatus
}

// TxDepth returns the connection's current transaction nesting depth: the
// number of successful BEGIN/SAVEPOINT calls not yet matched by a
// COMMIT/ROLLBACK/RELEASE.
func (c *Conn) TxDepth() int {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	return c.txDepth
}

// recvReadyForQuery updates the connection's transaction status from a
// ReadyForQuery frame's status byte.
func (c *Conn) recvReadyForQuery(status protocol.TransactionStatus) {
	c.txMu.Lock()
	c.txStatus = status
	c.txMu.Unlock()
}

// pipeMsgOnce submits a single already-encoded frontend frame and waits for
// the worker to write it, without expecting any backend response.
func (c *Conn) pipeMsgOnce(ctx context.Context, payload []byte) error {
	req := pipe.NewRequest(payload, pipe.UntilNone)
	if err := c.Submit(ctx, req); err != nil {
		return err
	}

	return req.Wait(ctx)
}

// ping writes a bare Sync and waits for the ReadyForQuery it provokes,
// refreshing transaction status without touching any statement or portal.
func (c *Conn) ping(ctx context.Context) error {
	var payload bytes.Buffer
	writer := protocol.NewWriter(nil, &payload)
	writer.Start(protocol.FrontendSync)
	if err := writer.End(); err != nil {
		return &errors.EncodeError{Reason: "Sync frame", Cause: err}
	}

	req := pipe.NewRequest(payload.Bytes(), pipe.UntilReadyForQuery)
	if err := c.Submit(ctx, req); err != nil {
		return err
	}

	for frame := range req.Frames() {
		if frame.Type == protocol.BackendReadyForQuery && len(frame.Body) > 0 {
			c.recvReadyForQuery(protocol.TransactionStatus(frame.Body[0]))
		}
	}

	return req.Wait(ctx)
}

// queueSimpleQuery writes a simple-query Query message and waits for the
// ReadyForQuery that ends it, updating transaction status from it. Any
// ErrorResponse frame is returned as the call's error once ReadyForQuery
// arrives; the connection itself remains usable.
func (c *Conn) queueSimpleQuery(ctx context.Context, sql string) error {
	var payload bytes.Buffer
	writer := protocol.NewWriter(nil, &payload)
	writer.Start(protocol.FrontendQuery)
	writer.AddNullTerminate(sql)
	if err := writer.End(); err != nil {
		return &errors.EncodeError{Reason: "Query frame", Cause: err}
	}

	req := pipe.NewRequest(payload.Bytes(), pipe.UntilReadyForQuery)
	if err := c.Submit(ctx, req); err != nil {
		return err
	}

	var queryErr error
	for frame := range req.Frames() {
		switch frame.Type {
		case protocol.BackendErrorResponse:
			queryErr = executor.DecodeErrorResponse(frame.Body)
		case protocol.BackendReadyForQuery:
			if len(frame.Body) > 0 {
				c.recvReadyForQuery(protocol.TransactionStatus(frame.Body[0]))
			}
		}
	}

	if err := req.Wait(ctx); err != nil {
		return err
	}

	return queryErr
}

// Begin starts a transaction, or, if one is already open on this
// connection, opens a savepoint nested inside it. Transaction depth is
// incremented only after the round trip succeeds and, for the outermost
// BEGIN, the server actually reports an in-transaction status.
func (c *Conn) Begin(ctx context.Context) error {
	depth := c.TxDepth()

	sql := "BEGIN"
	if depth > 0 {
		sql = fmt.Sprintf("SAVEPOINT pgengine_sp_%d", depth)
	}

	if err := c.queueSimpleQuery(ctx, sql); err != nil {
		return err
	}

	if depth == 0 && c.TxStatus() != protocol.TransactionInBlock {
		return &errors.BeginFailedError{Got: c.TxStatus()}
	}

	c.txMu.Lock()
	c.txDepth++
	c.txMu.Unlock()

	return nil
}

// Commit ends the innermost open transaction or savepoint and decrements
// transaction depth.
func (c *Conn) Commit(ctx context.Context) error {
	depth := c.TxDepth()
	if depth == 0 {
		return &errors.InvalidSavepointError{Reason: "commit with no open transaction"}
	}

	sql := "COMMIT"
	if depth > 1 {
		sql = fmt.Sprintf("RELEASE SAVEPOINT pgengine_sp_%d", depth-1)
	}

	if err := c.queueSimpleQuery(ctx, sql); err != nil {
		return err
	}

	c.txMu.Lock()
	c.txDepth--
	c.txMu.Unlock()

	return nil
}

// Rollback undoes the innermost open transaction or savepoint and
// decrements transaction depth regardless of whether the server reported an
// error, matching the rule that depth converges to zero on drop.
func (c *Conn) Rollback(ctx context.Context) error {
	depth := c.TxDepth()
	if depth == 0 {
		return &errors.InvalidSavepointError{Reason: "rollback with no open transaction"}
	}

	sql := "ROLLBACK"
	if depth > 1 {
		sql = fmt.Sprintf("ROLLBACK TO SAVEPOINT pgengine_sp_%d", depth-1)
	}

	err := c.queueSimpleQuery(ctx, sql)

	c.txMu.Lock()
	c.txDepth--
	c.txMu.Unlock()

	return err
}

// closeEvictedStatement closes a named prepared statement the cache has
// evicted while it was still referenced server-side. It runs on its own
// goroutine (see stmtcache.Cache.SetCloser) with a bounded timeout, since
// nothing is waiting on it.
func (c *Conn) closeEvictedStatement(statementID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Executor().CloseStatement(ctx, statementID); err != nil {
		c.logger.Warn("failed to close evicted statement",
			slog.String("statement", statementID), slog.String("err", err.Error()))
	}
}

// Close terminates the connection: it sends a Terminate frame through the
// worker, closes the pipe so no further requests are accepted, and waits
// for the worker goroutine to exit.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	var payload bytes.Buffer
	writer := protocol.NewWriter(c.logger, &payload)
	writer.Start(protocol.FrontendTerminate)
	if err := writer.End(); err != nil {
		c.logger.Warn("failed to build terminate message", slog.String("err", err.Error()))
	} else {
		// Submitted straight to the pipe, bypassing Submit's closing guard:
		// closing is already true by this point, and this is the one frame
		// still allowed through on the way out, routed through the worker
		// goroutine so it never races the worker's own writes to conn.
		req := pipe.NewRequest(payload.Bytes(), pipe.UntilNone)
		if err := c.pipe.Submit(ctx, req); err != nil {
			c.logger.Warn("failed to submit terminate message", slog.String("err", err.Error()))
		} else if err := req.Wait(ctx); err != nil {
			c.logger.Warn("failed to write terminate message", slog.String("err", err.Error()))
		}
	}

	// An idle worker waits on the request channel, not the socket, so
	// closing conn alone does not stop it. A request with no payload puts
	// it back into a socket read, which fails once conn is closed below
	// (or earlier, when the server hangs up after Terminate).
	if err := c.pipe.Submit(ctx, pipe.NewRequest(nil, pipe.UntilReadyForQuery)); err != nil {
		c.logger.Warn("failed to wake worker for shutdown", slog.String("err", err.Error()))
	}

	c.pipe.Close()
	closeErr := c.conn.Close()
	c.wg.Wait()

	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if worker.IsClosed(c.workerErr) {
		return closeErr
	}

	return c.workerErr
}
