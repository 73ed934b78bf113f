package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/pgengine/pgengine/internal/mock"
	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/internal/worker"
	"github.com/pgengine/pgengine/protocol"
	"github.com/pgengine/pgengine/stmtcache"
	"github.com/stretchr/testify/assert"
)

func newEngine(t *testing.T) (*Engine, *mock.Backend, *stmtcache.Cache, context.Context) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	backend := mock.NewBackend(server)
	p := pipe.New(8)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := worker.New(logger, client, p, protocol.DefaultBufferSize, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	stmts := stmtcache.New(8)

	return New(p, stmts), backend, stmts, ctx
}

func sendParseComplete(t *testing.T, b *mock.Backend) {
	t.Helper()
	b.StartMessage(protocol.BackendParseComplete)
	assert.NoError(t, b.Writer.End())
}

func sendBindComplete(t *testing.T, b *mock.Backend) {
	t.Helper()
	b.StartMessage(protocol.BackendBindComplete)
	assert.NoError(t, b.Writer.End())
}

func sendNoData(t *testing.T, b *mock.Backend) {
	t.Helper()
	b.StartMessage(protocol.BackendNoData)
	assert.NoError(t, b.Writer.End())
}

func sendCommandComplete(t *testing.T, b *mock.Backend, tag string) {
	t.Helper()
	b.StartMessage(protocol.BackendCommandComplete)
	b.Writer.AddNullTerminate(tag)
	assert.NoError(t, b.Writer.End())
}

func TestRunEmptyBatchReturnsNil(t *testing.T) {
	e, _, _, ctx := newEngine(t)

	results, err := e.Run(ctx, nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestRunPreparesAllFreshQueriesThenBindsEachBehindOwnSync(t *testing.T) {
	e, backend, _, ctx := newEngine(t)

	queries := []Query{
		{SQL: "insert into a values (1)"},
		{SQL: "insert into b values (2)"},
	}

	done := make(chan struct{})
	var results []Result
	var runErr error
	go func() {
		defer close(done)
		results, runErr = e.Run(ctx, queries)
	}()

	// Both statements are fresh: Parse+Describe+Bind+Execute+Sync, back to
	// back, in one flush before either Sync's response comes back.
	backend.ExpectFrontend(t, protocol.FrontendParse)
	backend.ExpectFrontend(t, protocol.FrontendDescribe)
	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)
	backend.ExpectFrontend(t, protocol.FrontendParse)
	backend.ExpectFrontend(t, protocol.FrontendDescribe)
	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)

	sendParseComplete(t, backend)
	sendNoData(t, backend)
	sendBindComplete(t, backend)
	sendCommandComplete(t, backend, "INSERT 0 1")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	sendParseComplete(t, backend)
	sendNoData(t, backend)
	sendBindComplete(t, backend)
	sendCommandComplete(t, backend, "INSERT 0 1")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	<-done
	assert.NoError(t, runErr)
	assert.Len(t, results, 2)
	assert.Equal(t, "INSERT 0 1", results[0].Rows.Tag)
	assert.Equal(t, "INSERT 0 1", results[1].Rows.Tag)
}

func TestRunFailingQueryDoesNotAbortLaterQueriesInBatch(t *testing.T) {
	e, backend, _, ctx := newEngine(t)

	queries := []Query{
		{SQL: "bad sql"},
		{SQL: "good sql"},
	}

	done := make(chan struct{})
	var results []Result
	var runErr error
	go func() {
		defer close(done)
		results, runErr = e.Run(ctx, queries)
	}()

	backend.ExpectFrontend(t, protocol.FrontendParse)
	backend.ExpectFrontend(t, protocol.FrontendDescribe)
	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)
	backend.ExpectFrontend(t, protocol.FrontendParse)
	backend.ExpectFrontend(t, protocol.FrontendDescribe)
	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)

	// First group errors out at Parse itself; server still reports
	// ReadyForQuery to close its Sync.
	backend.SendErrorResponse(t, "42601", "ERROR", "syntax error")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	// Second group succeeds normally.
	sendParseComplete(t, backend)
	sendNoData(t, backend)
	sendBindComplete(t, backend)
	sendCommandComplete(t, backend, "SELECT 1")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	<-done
	assert.NoError(t, runErr)
	assert.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "SELECT 1", results[1].Rows.Tag)
}

func TestRunDuplicateSQLInBatchSharesStatementWithoutSecondPrepare(t *testing.T) {
	e, backend, _, ctx := newEngine(t)

	queries := []Query{
		{SQL: "select 1"},
		{SQL: "select 1"},
	}

	done := make(chan struct{})
	var results []Result
	var runErr error
	go func() {
		defer close(done)
		results, runErr = e.Run(ctx, queries)
	}()

	// Only one Parse+Describe should be sent for the repeated SQL text;
	// both occurrences get their own Bind+Execute+Sync.
	backend.ExpectFrontend(t, protocol.FrontendParse)
	backend.ExpectFrontend(t, protocol.FrontendDescribe)
	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)
	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)

	sendParseComplete(t, backend)
	sendNoData(t, backend)
	sendBindComplete(t, backend)
	sendCommandComplete(t, backend, "SELECT 1")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	sendBindComplete(t, backend)
	sendCommandComplete(t, backend, "SELECT 1")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	<-done
	assert.NoError(t, runErr)
	assert.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}

func TestRunUsesCachedStatementOnHitWithoutReparsing(t *testing.T) {
	e, backend, stmts, ctx := newEngine(t)
	stmts.Insert("select 1", &stmtcache.Metadata{StatementID: "s7"})

	done := make(chan struct{})
	var results []Result
	var runErr error
	go func() {
		defer close(done)
		results, runErr = e.Run(ctx, []Query{{SQL: "select 1"}})
	}()

	backend.ExpectFrontend(t, protocol.FrontendBind)
	backend.ExpectFrontend(t, protocol.FrontendExecute)
	backend.ExpectFrontend(t, protocol.FrontendSync)

	sendBindComplete(t, backend)
	sendCommandComplete(t, backend, "SELECT 1")
	backend.SendReadyForQuery(t, protocol.TransactionIdle)

	<-done
	assert.NoError(t, runErr)
	assert.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}
