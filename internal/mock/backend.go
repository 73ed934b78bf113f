// Package mock implements a scriptable fake Postgres backend for exercising
// the connection engine without a real server. Tests dial a net.Pipe, hand
// one end to a Backend and the other to the code under test.
package mock

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/pgengine/pgengine/protocol"
)

// NewBackend wraps the server side of a connection with the frame codec,
// speaking BackendMessage tags outward and reading FrontendMessage tags in.
func NewBackend(conn net.Conn) *Backend {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &Backend{
		conn:   conn,
		Reader: protocol.NewReader(logger, conn, protocol.DefaultBufferSize),
		Writer: protocol.NewWriter(logger, conn),
	}
}

// Backend is the test double standing in for a real Postgres server.
type Backend struct {
	conn net.Conn
	*protocol.Reader
	*protocol.Writer
}

// Close closes the underlying connection.
func (b *Backend) Close() error {
	return b.conn.Close()
}

// StartMessage begins a new outgoing frame tagged with a backend message
// type.
func (b *Backend) StartMessage(t protocol.BackendMessage) {
	b.Writer.StartTag(byte(t))
}

// ReadStartupPacket consumes the untyped startup packet a client sends first:
// a 4-byte length, a 4-byte protocol version, and a sequence of
// null-terminated key/value parameter pairs terminated by an empty key.
func (b *Backend) ReadStartupPacket(t *testing.T) (protocol.Version, map[string]string) {
	t.Helper()

	size, err := b.Reader.ReadUntypedMsg()
	if err != nil {
		t.Fatalf("reading startup packet: %v", err)
	}
	_ = size

	version, err := b.Reader.GetInt32()
	if err != nil {
		t.Fatalf("reading startup version: %v", err)
	}

	params := map[string]string{}
	for {
		key, err := b.Reader.GetString()
		if err != nil {
			t.Fatalf("reading startup parameter key: %v", err)
		}

		if key == "" {
			break
		}

		value, err := b.Reader.GetString()
		if err != nil {
			t.Fatalf("reading startup parameter value: %v", err)
		}

		params[key] = value
	}

	return protocol.Version(version), params
}

// SendAuthOK writes an Authentication(Ok) message.
func (b *Backend) SendAuthOK(t *testing.T) {
	t.Helper()

	b.StartMessage(protocol.BackendAuth)
	b.Writer.AddInt32(int32(protocol.AuthOK))
	if err := b.Writer.End(); err != nil {
		t.Fatalf("writing auth ok: %v", err)
	}
}

// SendAuthCleartextPassword writes an Authentication(CleartextPassword)
// request.
func (b *Backend) SendAuthCleartextPassword(t *testing.T) {
	t.Helper()

	b.StartMessage(protocol.BackendAuth)
	b.Writer.AddInt32(int32(protocol.AuthCleartextPassword))
	if err := b.Writer.End(); err != nil {
		t.Fatalf("writing auth cleartext request: %v", err)
	}
}

// SendParameterStatus writes a ParameterStatus message.
func (b *Backend) SendParameterStatus(t *testing.T, name, value string) {
	t.Helper()

	b.StartMessage(protocol.BackendParameterStatus)
	b.Writer.AddNullTerminate(name)
	b.Writer.AddNullTerminate(value)
	if err := b.Writer.End(); err != nil {
		t.Fatalf("writing parameter status: %v", err)
	}
}

// SendBackendKeyData writes a BackendKeyData message.
func (b *Backend) SendBackendKeyData(t *testing.T, pid, secret int32) {
	t.Helper()

	b.StartMessage(protocol.BackendBackendKeyData)
	b.Writer.AddInt32(pid)
	b.Writer.AddInt32(secret)
	if err := b.Writer.End(); err != nil {
		t.Fatalf("writing backend key data: %v", err)
	}
}

// SendReadyForQuery writes a ReadyForQuery message with the given
// transaction status.
func (b *Backend) SendReadyForQuery(t *testing.T, status protocol.TransactionStatus) {
	t.Helper()

	b.StartMessage(protocol.BackendReadyForQuery)
	b.Writer.AddByte(byte(status))
	if err := b.Writer.End(); err != nil {
		t.Fatalf("writing ready for query: %v", err)
	}
}

// SendErrorResponse writes an ErrorResponse carrying the given SQLSTATE code
// and message text.
func (b *Backend) SendErrorResponse(t *testing.T, code, severity, message string) {
	t.Helper()

	b.StartMessage(protocol.BackendErrorResponse)
	b.Writer.AddByte('S')
	b.Writer.AddNullTerminate(severity)
	b.Writer.AddByte('C')
	b.Writer.AddNullTerminate(code)
	b.Writer.AddByte('M')
	b.Writer.AddNullTerminate(message)
	b.Writer.AddByte(0)
	if err := b.Writer.End(); err != nil {
		t.Fatalf("writing error response: %v", err)
	}
}

// ExpectFrontend reads the next frame and fails the test if its tag does not
// match want. It returns the frame's length as carried in its length field
// (the payload plus the four length bytes).
func (b *Backend) ExpectFrontend(t *testing.T, want protocol.FrontendMessage) int {
	t.Helper()

	tag, err := b.Reader.ReadTag()
	if err != nil {
		t.Fatalf("reading frontend tag: %v", err)
	}

	if protocol.FrontendMessage(tag) != want {
		t.Fatalf("unexpected frontend message %q, expected %q", protocol.FrontendMessage(tag), want)
	}

	n, err := b.Reader.ReadUntypedMsg()
	if err != nil {
		t.Fatalf("reading frontend payload: %v", err)
	}

	return n
}
