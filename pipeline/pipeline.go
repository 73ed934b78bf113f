// Package pipeline batches several independent statements onto the wire in
// a single write before waiting on any of their results: every statement
// keeps its own Parse/Describe (when not already cached)/Bind/Execute/Sync
// group, but all groups for one call to Run are flushed together, so the
// round trip cost of the batch is one network flush rather than one per
// statement. This is the same backlog-and-drain shape the worker package
// already gives a single statement; pipeline exists to coalesce many
// statements into one flush instead of relying on the caller to fire them
// one at a time, while still giving each statement its own Sync boundary so
// one failing statement never aborts its siblings.
package pipeline

import (
	"bytes"
	"context"

	"github.com/pgengine/pgengine/errors"
	"github.com/pgengine/pgengine/executor"
	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/protocol"
	"github.com/pgengine/pgengine/stmtcache"
)

// Query is one statement to run as part of a batch.
type Query struct {
	SQL           string
	Params        [][]byte
	ParamFormats  []int16
	ResultFormats []int16
}

// Result pairs a Query's outcome with any error specific to it. A failed
// statement does not cancel the rest of the batch: each statement has its
// own Sync boundary, so a server-side error only aborts work up to that
// statement's own terminator, not the statements around it.
type Result struct {
	Rows *executor.Rows
	Err  error
}

// Engine runs batches of queries against one connection's pipe, coalescing
// every statement in a batch behind a single flush.
type Engine struct {
	pipe  *pipe.Pipe
	stmts *stmtcache.Cache
}

// New constructs an Engine bound to the given pipe and statement cache.
func New(p *pipe.Pipe, stmts *stmtcache.Cache) *Engine {
	return &Engine{pipe: p, stmts: stmts}
}

// resolved is what Run knows about one query before building the wire
// payload: either it is already cached (meta set), it is the first
// occurrence of its SQL text in this batch and must be prepared (fresh),
// or it repeats an earlier fresh occurrence within the same batch
// (shareOf >= 0), in which case it binds that occurrence's statement id
// without re-sending Parse/Describe.
type resolved struct {
	query   Query
	stmtID  string
	meta    *stmtcache.Metadata
	fresh   bool
	shareOf int
}

// resolve consults the statement cache for q.SQL the same way
// executor.GetOrPrepare does, returning either cached metadata, or a fresh
// statement id the caller is now responsible for preparing and inserting.
func (e *Engine) resolve(ctx context.Context, q Query) (resolved, error) {
	for {
		result, meta := e.stmts.Get(q.SQL)
		switch result {
		case stmtcache.Hit:
			return resolved{query: q, stmtID: meta.StatementID, meta: meta, shareOf: -1}, nil
		case stmtcache.Wait:
			if err := e.stmts.WaitFor(ctx, q.SQL); err != nil {
				return resolved{}, err
			}
			continue
		case stmtcache.Miss:
			return resolved{query: q, stmtID: e.stmts.NextStatementID(), fresh: true, shareOf: -1}, nil
		}
	}
}

// Run executes every query in queries, preparing any that are not already
// cached, and binds and executes all of them in one flush, each behind its
// own Sync. It returns one Result per input query, same length and order as
// queries.
func (e *Engine) Run(ctx context.Context, queries []Query) ([]Result, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	groups := make([]resolved, len(queries))
	firstFresh := map[string]int{}

	abandonFresh := func(upTo int) {
		for _, r := range groups[:upTo] {
			if r.fresh && r.shareOf < 0 {
				e.stmts.Abandon(r.query.SQL)
			}
		}
	}

	for i, q := range queries {
		if j, ok := firstFresh[q.SQL]; ok {
			groups[i] = resolved{query: q, stmtID: groups[j].stmtID, shareOf: j}
			continue
		}

		r, err := e.resolve(ctx, q)
		if err != nil {
			abandonFresh(i)
			return nil, err
		}

		if r.fresh {
			firstFresh[q.SQL] = i
		}
		groups[i] = r
	}

	var payload bytes.Buffer
	writer := protocol.NewWriter(nil, &payload)

	for _, r := range groups {
		q := r.query

		if r.fresh && r.shareOf < 0 {
			writer.Start(protocol.FrontendParse)
			writer.AddNullTerminate(r.stmtID)
			writer.AddNullTerminate(q.SQL)
			writer.AddInt16(0)
			if err := writer.End(); err != nil {
				abandonFresh(len(groups))
				return nil, &errors.EncodeError{Reason: "Parse frame", Cause: err}
			}

			writer.Start(protocol.FrontendDescribe)
			writer.AddByte(byte(protocol.DescribeStatement))
			writer.AddNullTerminate(r.stmtID)
			if err := writer.End(); err != nil {
				abandonFresh(len(groups))
				return nil, &errors.EncodeError{Reason: "Describe frame", Cause: err}
			}
		}

		writer.Start(protocol.FrontendBind)
		writer.AddNullTerminate("")
		writer.AddNullTerminate(r.stmtID)
		writer.AddInt16(int16(len(q.ParamFormats)))
		for _, f := range q.ParamFormats {
			writer.AddInt16(f)
		}
		writer.AddInt16(int16(len(q.Params)))
		for _, p := range q.Params {
			writer.AddBytes(p)
		}
		writer.AddInt16(int16(len(q.ResultFormats)))
		for _, f := range q.ResultFormats {
			writer.AddInt16(f)
		}
		if err := writer.End(); err != nil {
			abandonFresh(len(groups))
			return nil, &errors.EncodeError{Reason: "Bind frame", Cause: err}
		}

		writer.Start(protocol.FrontendExecute)
		writer.AddNullTerminate("")
		writer.AddInt32(0)
		if err := writer.End(); err != nil {
			abandonFresh(len(groups))
			return nil, &errors.EncodeError{Reason: "Execute frame", Cause: err}
		}

		writer.Start(protocol.FrontendSync)
		if err := writer.End(); err != nil {
			abandonFresh(len(groups))
			return nil, &errors.EncodeError{Reason: "Sync frame", Cause: err}
		}
	}

	req := pipe.NewBatchRequest(payload.Bytes(), len(groups))
	if err := e.pipe.Submit(ctx, req); err != nil {
		abandonFresh(len(groups))
		return nil, err
	}

	results := make([]Result, len(groups))
	groupMeta := make([]*stmtcache.Metadata, len(groups))

	for i, r := range groups {
		switch {
		case r.meta != nil:
			groupMeta[i] = r.meta
			results[i].Rows = &executor.Rows{Columns: r.meta.Columns}
		case r.shareOf >= 0:
			results[i].Rows = &executor.Rows{}
		default:
			groupMeta[i] = &stmtcache.Metadata{StatementID: r.stmtID}
			results[i].Rows = &executor.Rows{}
		}
	}

	finishGroup := func(i int) {
		r := groups[i]
		if !r.fresh || r.shareOf >= 0 {
			return
		}

		if results[i].Err != nil {
			e.stmts.Abandon(r.query.SQL)
			return
		}

		e.stmts.Insert(r.query.SQL, groupMeta[i])
	}

	current := 0

	for frame := range req.Frames() {
		if current >= len(results) {
			continue
		}

		switch frame.Type {
		case protocol.BackendParseComplete, protocol.BackendBindComplete:
			continue
		case protocol.BackendParameterDescription:
			params, err := executor.DecodeParameterDescription(frame.Body)
			if err != nil {
				results[current].Err = err
				continue
			}
			if groupMeta[current] != nil {
				groupMeta[current].Parameters = params
			}
		case protocol.BackendRowDescription:
			cols, err := executor.DecodeRowDescription(frame.Body)
			if err != nil {
				results[current].Err = err
				continue
			}
			if groupMeta[current] != nil {
				groupMeta[current].Columns = cols
			}
			results[current].Rows.Columns = cols
		case protocol.BackendNoData:
			if groupMeta[current] != nil {
				groupMeta[current].Columns = nil
			}
		case protocol.BackendDataRow:
			values, err := executor.DecodeDataRow(frame.Body)
			if err != nil {
				results[current].Err = err
				continue
			}
			results[current].Rows.Values = append(results[current].Rows.Values, values)
		case protocol.BackendCommandComplete:
			tag, err := executor.DecodeCString(frame.Body)
			if err != nil {
				results[current].Err = err
				continue
			}
			results[current].Rows.Tag = tag
		case protocol.BackendErrorResponse:
			results[current].Err = executor.DecodeErrorResponse(frame.Body)
		case protocol.BackendReadyForQuery:
			finishGroup(current)
			current++
			if current < len(groups) && groups[current].shareOf >= 0 {
				results[current].Rows.Columns = groupMeta[groups[current].shareOf].Columns
			}
		}
	}

	return results, req.Wait(ctx)
}
