// Package worker implements the single goroutine that owns a connection's
// socket. All reads and all writes for a connection happen on this one
// goroutine; every other goroutine in the process talks to it exclusively
// through a pipe.Pipe, the same single-owner pattern a server's command loop
// uses for its buffer.Reader/buffer.Writer pair, reached only through
// channel-based primitives.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	pgerrors "github.com/pgengine/pgengine/errors"
	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/protocol"
)

// AsyncHandler receives backend frames that are not a reply to any pending
// Request: NotificationResponse, NoticeResponse and ParameterStatus can
// arrive at any time the protocol allows, not only as a direct response to
// something we sent.
type AsyncHandler func(frame pipe.Frame)

// Worker owns a single connection's wire reader/writer and the backlog of
// requests waiting on frames from it.
type Worker struct {
	logger *slog.Logger
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	pipe   *pipe.Pipe
	async  AsyncHandler

	backlog []*pipe.Request
}

// New constructs a Worker. Run must be called to start processing.
func New(logger *slog.Logger, conn net.Conn, p *pipe.Pipe, maxMessageSize int, async AsyncHandler) *Worker {
	return &Worker{
		logger: logger,
		conn:   conn,
		reader: protocol.NewReader(logger, conn, maxMessageSize),
		writer: protocol.NewWriter(logger, conn),
		pipe:   p,
		async:  async,
	}
}

// Run drains pending requests and incoming frames until ctx is cancelled or
// the connection fails. It is meant to be the body of the single goroutine
// that owns this connection.
func (w *Worker) Run(ctx context.Context) error {
	requests := w.pipe.Requests()

	for {
		if len(w.backlog) == 0 {
			// Nothing in flight; block until either a new request arrives
			// or the connection is torn down.
			select {
			case <-ctx.Done():
				w.failBacklog(ctx.Err())
				return ctx.Err()
			case req, ok := <-requests:
				if !ok {
					w.failBacklog(&pgerrors.WorkerCrashedError{Cause: io.EOF})
					return nil
				}

				if err := w.dispatch(req); err != nil {
					w.failBacklog(&pgerrors.WorkerCrashedError{Cause: err})
					return err
				}
			}

			continue
		}

		// Requests are in flight awaiting replies; drain any newly
		// submitted request without blocking, then read one frame.
		select {
		case <-ctx.Done():
			w.failBacklog(ctx.Err())
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				w.failBacklog(&pgerrors.WorkerCrashedError{Cause: io.EOF})
				return nil
			}

			if err := w.dispatch(req); err != nil {
				w.failBacklog(&pgerrors.WorkerCrashedError{Cause: err})
				return err
			}
		default:
			if err := w.pumpOne(); err != nil {
				w.failBacklog(&pgerrors.WorkerCrashedError{Cause: err})
				return err
			}
		}
	}
}

// dispatch writes a request's frontend payload, if any, and either resolves
// it immediately (UntilNone) or appends it to the backlog to await frames.
func (w *Worker) dispatch(req *pipe.Request) error {
	if len(req.Payload) > 0 {
		if _, err := w.conn.Write(req.Payload); err != nil {
			req.Resolve(err)
			return err
		}
	}

	if req.Until == pipe.UntilNone {
		req.Resolve(nil)
		return nil
	}

	w.backlog = append(w.backlog, req)
	return nil
}

// pumpOne reads exactly one frame and routes it to either the async handler
// or the head of the backlog.
func (w *Worker) pumpOne() error {
	t, _, err := w.reader.ReadTypedMsg()
	if err != nil {
		return err
	}

	frame := pipe.Frame{Type: t, Body: cloneBytes(w.reader.Remaining())}

	switch t {
	case protocol.BackendNotificationResponse, protocol.BackendNoticeResponse, protocol.BackendParameterStatus:
		if w.async != nil {
			w.async(frame)
		}
		return nil
	}

	if len(w.backlog) == 0 {
		// A frame with no request to claim it; drop it rather than stall.
		return nil
	}

	head := w.backlog[0]
	head.Deliver(frame)

	// ErrorResponse is forwarded to the front request like any other
	// frame, but it never by itself pops the backlog: Postgres always
	// follows it with the ReadyForQuery that closes out the Sync it
	// belongs to, and that RFQ is the only frame carrying the resulting
	// transaction status. Popping early would strand that RFQ on an
	// empty backlog where it gets silently dropped below.
	done := false
	switch head.Until {
	case pipe.UntilReadyForQuery:
		done = t == protocol.BackendReadyForQuery
	case pipe.UntilReadyForQueryOrCopyIn:
		done = t == protocol.BackendReadyForQuery || t == protocol.BackendCopyInResponse
	case pipe.UntilNReadyForQuery:
		done = t == protocol.BackendReadyForQuery && head.Countdown()
	}

	if done {
		w.backlog = w.backlog[1:]
		head.Resolve(nil)
	}

	return nil
}

func (w *Worker) failBacklog(err error) {
	for _, req := range w.backlog {
		req.Resolve(err)
	}
	w.backlog = nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// IsClosed reports whether err signals an expected connection teardown.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
