// Package executor drives the extended-query protocol state machine for a
// single statement: GetOrPrepare (consult the statement cache, issuing
// Parse+Describe only on a miss), BindExecute (bind parameters to a portal
// and execute it), and receiving the resulting rows. It is the layer
// between a caller's Query/Exec call and the raw frames a worker goroutine
// moves across the wire.
package executor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/lib/pq/oid"
	"github.com/pgengine/pgengine/ast"
	"github.com/pgengine/pgengine/errors"
	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/nullable"
	"github.com/pgengine/pgengine/protocol"
	"github.com/pgengine/pgengine/stmtcache"
	"github.com/pgengine/pgengine/typecache"
)

// Executor runs the extended-query protocol for one connection's pipe.
type Executor struct {
	pipe  *pipe.Pipe
	stmts *stmtcache.Cache
	types *typecache.Cache
}

// New constructs an Executor bound to the given pipe and caches.
func New(p *pipe.Pipe, stmts *stmtcache.Cache, types *typecache.Cache) *Executor {
	return &Executor{pipe: p, stmts: stmts, types: types}
}

// Rows is the decoded result of executing a statement: column metadata plus
// the rows received before the terminating CommandComplete/ReadyForQuery.
type Rows struct {
	Columns []stmtcache.ColumnDescription
	Values  [][][]byte
	Tag     string
}

// Query runs sql with the given already wire-encoded parameter values,
// preparing it first if it is not already cached on this connection.
func (e *Executor) Query(ctx context.Context, sql string, params [][]byte, paramFormats []int16, resultFormats []int16) (*Rows, error) {
	meta, err := e.GetOrPrepare(ctx, sql)
	if err != nil {
		return nil, err
	}

	return e.BindExecute(ctx, meta, params, paramFormats, resultFormats)
}

// GetOrPrepare returns cached metadata for sql, issuing Parse+Describe over
// the wire only if no other caller has already done so (or is doing so
// right now).
func (e *Executor) GetOrPrepare(ctx context.Context, sql string) (*stmtcache.Metadata, error) {
	for {
		result, meta := e.stmts.Get(sql)
		switch result {
		case stmtcache.Hit:
			return meta, nil
		case stmtcache.Wait:
			if err := e.stmts.WaitFor(ctx, sql); err != nil {
				return nil, err
			}
			continue
		case stmtcache.Miss:
			id := e.stmts.NextStatementID()
			meta, err := e.parseDescribe(ctx, sql, id)
			if err != nil {
				e.stmts.Abandon(sql)
				return nil, err
			}

			e.stmts.Insert(sql, meta)
			return meta, nil
		}
	}
}

// parseDescribe sends Parse+Describe(Statement)+Sync for the named
// statement id and assembles the resulting ParameterDescription and
// RowDescription into Metadata. The statement stays on the server until the
// cache evicts it and closes it explicitly, so later callers can Bind
// against it without re-parsing.
func (e *Executor) parseDescribe(ctx context.Context, sql, id string) (*stmtcache.Metadata, error) {
	var payload bytes.Buffer
	writer := protocol.NewWriter(nil, &payload)

	writer.Start(protocol.FrontendParse)
	writer.AddNullTerminate(id)
	writer.AddNullTerminate(sql)
	writer.AddInt16(0)
	if err := writer.End(); err != nil {
		return nil, &errors.EncodeError{Reason: "Parse frame", Cause: err}
	}

	writer.Start(protocol.FrontendDescribe)
	writer.AddByte(byte(protocol.DescribeStatement))
	writer.AddNullTerminate(id)
	if err := writer.End(); err != nil {
		return nil, &errors.EncodeError{Reason: "Describe frame", Cause: err}
	}

	writer.Start(protocol.FrontendSync)
	if err := writer.End(); err != nil {
		return nil, &errors.EncodeError{Reason: "Sync frame", Cause: err}
	}

	req := pipe.NewRequest(payload.Bytes(), pipe.UntilReadyForQuery)
	if err := e.pipe.Submit(ctx, req); err != nil {
		return nil, err
	}

	meta := &stmtcache.Metadata{StatementID: id}

	for frame := range req.Frames() {
		switch frame.Type {
		case protocol.BackendParseComplete:
			continue
		case protocol.BackendParameterDescription:
			params, err := decodeParameterDescription(frame.Body)
			if err != nil {
				return nil, err
			}
			meta.Parameters = params
		case protocol.BackendRowDescription:
			cols, err := decodeRowDescription(frame.Body)
			if err != nil {
				return nil, err
			}
			meta.Columns = cols
		case protocol.BackendNoData:
			meta.Columns = nil
		case protocol.BackendErrorResponse:
			return nil, decodeErrorResponse(frame.Body)
		case protocol.BackendReadyForQuery:
			return meta, req.Wait(ctx)
		}
	}

	return meta, req.Wait(ctx)
}

// BindExecute binds params to a fresh unnamed portal over meta's named
// prepared statement, executes it to completion, and collects its rows. The
// portal is unnamed and implicitly closed by the next Sync; the statement
// itself stays named and server-side so later callers can bind it again
// without re-parsing.
func (e *Executor) BindExecute(ctx context.Context, meta *stmtcache.Metadata, params [][]byte, paramFormats, resultFormats []int16) (*Rows, error) {
	var payload bytes.Buffer
	writer := protocol.NewWriter(nil, &payload)

	writer.Start(protocol.FrontendBind)
	writer.AddNullTerminate("")
	writer.AddNullTerminate(meta.StatementID)
	writer.AddInt16(int16(len(paramFormats)))
	for _, f := range paramFormats {
		writer.AddInt16(f)
	}
	writer.AddInt16(int16(len(params)))
	for _, p := range params {
		writer.AddBytes(p)
	}
	writer.AddInt16(int16(len(resultFormats)))
	for _, f := range resultFormats {
		writer.AddInt16(f)
	}
	if err := writer.End(); err != nil {
		return nil, &errors.EncodeError{Reason: "Bind frame", Cause: err}
	}

	writer.Start(protocol.FrontendExecute)
	writer.AddNullTerminate("")
	writer.AddInt32(0)
	if err := writer.End(); err != nil {
		return nil, &errors.EncodeError{Reason: "Execute frame", Cause: err}
	}

	writer.Start(protocol.FrontendSync)
	if err := writer.End(); err != nil {
		return nil, &errors.EncodeError{Reason: "Sync frame", Cause: err}
	}

	req := pipe.NewRequest(payload.Bytes(), pipe.UntilReadyForQuery)
	if err := e.pipe.Submit(ctx, req); err != nil {
		return nil, err
	}

	rows := &Rows{Columns: meta.Columns}

	for frame := range req.Frames() {
		switch frame.Type {
		case protocol.BackendBindComplete:
			continue
		case protocol.BackendDataRow:
			values, err := decodeDataRow(frame.Body)
			if err != nil {
				return nil, err
			}
			rows.Values = append(rows.Values, values)
		case protocol.BackendCommandComplete:
			tag, err := decodeCString(frame.Body)
			if err != nil {
				return nil, err
			}
			rows.Tag = tag
		case protocol.BackendErrorResponse:
			return nil, decodeErrorResponse(frame.Body)
		case protocol.BackendReadyForQuery:
			return rows, req.Wait(ctx)
		}
	}

	return rows, req.Wait(ctx)
}

// CloseStatement sends Close(Statement=id)+Sync and waits for the server's
// CloseComplete/ReadyForQuery. It is used by the statement cache's eviction
// callback to release a named prepared statement the LRU has dropped but
// the server still holds open.
func (e *Executor) CloseStatement(ctx context.Context, statementID string) error {
	var payload bytes.Buffer
	writer := protocol.NewWriter(nil, &payload)

	writer.Start(protocol.FrontendClose)
	writer.AddByte(byte(protocol.DescribeStatement))
	writer.AddNullTerminate(statementID)
	if err := writer.End(); err != nil {
		return &errors.EncodeError{Reason: "Close frame", Cause: err}
	}

	writer.Start(protocol.FrontendSync)
	if err := writer.End(); err != nil {
		return &errors.EncodeError{Reason: "Sync frame", Cause: err}
	}

	req := pipe.NewRequest(payload.Bytes(), pipe.UntilReadyForQuery)
	if err := e.pipe.Submit(ctx, req); err != nil {
		return err
	}

	for frame := range req.Frames() {
		switch frame.Type {
		case protocol.BackendCloseComplete:
			continue
		case protocol.BackendErrorResponse:
			return decodeErrorResponse(frame.Body)
		case protocol.BackendReadyForQuery:
			return req.Wait(ctx)
		}
	}

	return req.Wait(ctx)
}

// GetOrPrepareAnnotated behaves like GetOrPrepare, but additionally runs
// the nullability engine over stmt (the caller's own parse of sql)
// against source the first time sql is prepared, attaching the result to
// the cached Metadata. Later calls for the same sql reuse the cached
// Nullable verdict along with everything else GetOrPrepare already
// caches, so inference runs at most once per distinct statement per
// connection, same as Parse/Describe itself.
func (e *Executor) GetOrPrepareAnnotated(ctx context.Context, sql string, stmt *ast.Statement, source nullable.Source) (*stmtcache.Metadata, error) {
	meta, err := e.GetOrPrepare(ctx, sql)
	if err != nil {
		return nil, err
	}

	if stmt == nil || meta.Nullable != nil || len(meta.Columns) == 0 {
		return meta, nil
	}

	names := make([]string, len(meta.Columns))
	for i, col := range meta.Columns {
		names[i] = col.Name
	}

	verdict, err := nullable.Infer(stmt, source, names)
	if err != nil {
		return nil, fmt.Errorf("inferring column nullability: %w", err)
	}

	meta.Nullable = verdict
	return meta, nil
}

// DecodeErrorResponse decodes an ErrorResponse frame body into an
// *errors.DatabaseError wrapping the parsed *errors.Error, or an
// *errors.ProtocolError if the body is malformed. Exported so the pipeline
// package can reuse it when decoding a batched response stream.
func DecodeErrorResponse(body []byte) error {
	return decodeErrorResponse(body)
}

// DecodeDataRow decodes a DataRow frame body into its raw column values.
// Exported for the pipeline package.
func DecodeDataRow(body []byte) ([][]byte, error) {
	return decodeDataRow(body)
}

// DecodeCString decodes a single null-terminated string, such as a
// CommandComplete tag. Exported for the pipeline package.
func DecodeCString(body []byte) (string, error) {
	return decodeCString(body)
}

// DecodeRowDescription decodes a RowDescription frame body into column
// metadata. Exported for the pipeline package.
func DecodeRowDescription(body []byte) ([]stmtcache.ColumnDescription, error) {
	return decodeRowDescription(body)
}

// DecodeParameterDescription decodes a ParameterDescription frame body into
// its parameter type OIDs. Exported for the pipeline package.
func DecodeParameterDescription(body []byte) ([]oid.Oid, error) {
	return decodeParameterDescription(body)
}

func decodeErrorResponse(body []byte) error {
	parsed, err := errors.ParseFields(&cursor{body: body})
	if err != nil {
		return &errors.ProtocolError{Reason: fmt.Sprintf("decoding error response: %v", err)}
	}

	return &errors.DatabaseError{Error: parsed}
}

// cursor implements the minimal reader surface errors.ParseFields needs
// over an already-captured frame body.
type cursor struct {
	body []byte
}

func (c *cursor) GetByte() (byte, error) {
	if len(c.body) < 1 {
		return 0, fmt.Errorf("short frame")
	}
	b := c.body[0]
	c.body = c.body[1:]
	return b, nil
}

func (c *cursor) GetString() (string, error) {
	for i, b := range c.body {
		if b == 0 {
			s := string(c.body[:i])
			c.body = c.body[i+1:]
			return s, nil
		}
	}
	return "", fmt.Errorf("missing null terminator")
}

func decodeCString(body []byte) (string, error) {
	for i, b := range body {
		if b == 0 {
			return string(body[:i]), nil
		}
	}
	return string(body), nil
}

func decodeParameterDescription(body []byte) ([]oid.Oid, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("short ParameterDescription")
	}

	n := int(body[0])<<8 | int(body[1])
	body = body[2:]

	params := make([]oid.Oid, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("short ParameterDescription parameter %d", i)
		}
		v := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
		params = append(params, oid.Oid(v))
		body = body[4:]
	}

	return params, nil
}

func decodeRowDescription(body []byte) ([]stmtcache.ColumnDescription, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("short RowDescription")
	}

	n := int(body[0])<<8 | int(body[1])
	body = body[2:]

	cols := make([]stmtcache.ColumnDescription, 0, n)
	for i := 0; i < n; i++ {
		nameEnd := -1
		for j, b := range body {
			if b == 0 {
				nameEnd = j
				break
			}
		}
		if nameEnd == -1 {
			return nil, fmt.Errorf("short RowDescription column %d name", i)
		}

		name := string(body[:nameEnd])
		body = body[nameEnd+1:]

		if len(body) < 18 {
			return nil, fmt.Errorf("short RowDescription column %d fields", i)
		}

		tableOID := be32(body[0:4])
		tableColumn := be16(body[4:6])
		dataTypeOID := be32(body[6:10])
		dataTypeSize := be16(body[10:12])
		typeModifier := int32(be32(body[12:16]))
		format := be16(body[16:18])
		body = body[18:]

		cols = append(cols, stmtcache.ColumnDescription{
			Name:         name,
			TableOID:     oid.Oid(tableOID),
			TableColumn:  int16(tableColumn),
			DataTypeOID:  oid.Oid(dataTypeOID),
			DataTypeSize: int16(dataTypeSize),
			TypeModifier: typeModifier,
			Format:       int16(format),
		})
	}

	return cols, nil
}

func decodeDataRow(body []byte) ([][]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("short DataRow")
	}

	n := int(body[0])<<8 | int(body[1])
	body = body[2:]

	values := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("short DataRow column %d length", i)
		}

		length := int32(be32(body[0:4]))
		body = body[4:]

		if length == -1 {
			values = append(values, nil)
			continue
		}

		if int32(len(body)) < length {
			return nil, fmt.Errorf("short DataRow column %d value", i)
		}

		values = append(values, body[:length])
		body = body[length:]
	}

	return values, nil
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
