package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"unsafe"
)

// DefaultBufferSize is used whenever the caller does not configure a buffer
// size for a connection's reader.
const DefaultBufferSize = 1 << 16 // 65536 bytes

// BufferedReader extends io.Reader with the convenience methods the frame
// decoder needs.
type BufferedReader interface {
	io.Reader
	io.ByteReader
}

// Reader decodes length-prefixed backend frames off of the wire: one tag
// byte, a 4-byte big-endian length covering the length field itself, and a
// payload. A single Reader is owned exclusively by the connection's I/O
// worker goroutine.
type Reader struct {
	logger         *slog.Logger
	buffer         BufferedReader
	msg            []byte
	MaxMessageSize int
	header         [4]byte
}

// NewReader constructs a Reader around the given io.Reader.
func NewReader(logger *slog.Logger, reader io.Reader, bufferSize int) *Reader {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Reader{
		logger:         logger,
		buffer:         bufio.NewReaderSize(reader, bufferSize),
		MaxMessageSize: bufferSize,
	}
}

func (r *Reader) reset(size int) {
	if cap(r.msg) >= size {
		r.msg = r.msg[:size]
		return
	}

	alloc := size
	if alloc < 4096 {
		alloc = 4096
	}
	r.msg = make([]byte, size, alloc)
}

// ReadTag reads a single raw message tag byte, with no length framing. Most
// callers want ReadType or ReadTypedMsg instead; ReadTag exists so that test
// fakes speaking the opposite direction of the protocol can reuse this
// decoder.
func (r *Reader) ReadTag() (byte, error) {
	return r.buffer.ReadByte()
}

// ReadType reads a single backend message tag byte.
func (r *Reader) ReadType() (BackendMessage, error) {
	b, err := r.ReadTag()
	if err != nil {
		return 0, err
	}

	return BackendMessage(b), nil
}

// ReadTypedMsg reads one complete frame: a tag byte followed by the
// length-prefixed payload. It returns the tag and the frame length as
// carried in its length field: the payload bytes plus the four bytes of
// the length itself.
func (r *Reader) ReadTypedMsg() (BackendMessage, int, error) {
	t, err := r.ReadType()
	if err != nil {
		return t, 0, err
	}

	n, err := r.readUntypedMsg()
	if err != nil {
		return 0, 0, err
	}

	return t, n, nil
}

// ReadUntypedMsg reads the length-prefixed payload of a frame whose tag has
// already been consumed separately, or of the untyped startup packet which
// carries no tag at all.
func (r *Reader) ReadUntypedMsg() (int, error) {
	return r.readUntypedMsg()
}

// readUntypedMsg reads the 4-byte length (which counts itself) and then
// exactly that many bytes minus 4 into the message buffer.
func (r *Reader) readUntypedMsg() (int, error) {
	if _, err := io.ReadFull(r.buffer, r.header[:]); err != nil {
		return 0, err
	}

	size := int(binary.BigEndian.Uint32(r.header[:])) - 4
	if size < 0 || size > r.MaxMessageSize {
		return size, ErrMessageSizeExceeded{Size: size, Max: r.MaxMessageSize}
	}

	r.reset(size)
	n, err := io.ReadFull(r.buffer, r.msg)
	return len(r.header) + n, err
}

// Slurp discards size bytes, used to resynchronize after an oversized
// message has been rejected.
func (r *Reader) Slurp(size int) error {
	remaining := size
	for remaining > 0 {
		reading := remaining
		if reading > r.MaxMessageSize {
			reading = r.MaxMessageSize
		}

		r.reset(reading)
		n, err := io.ReadFull(r.buffer, r.msg)
		if err != nil {
			return err
		}

		remaining -= n
	}

	return nil
}

// GetString reads a null-terminated string out of the current message.
func (r *Reader) GetString() (string, error) {
	pos := bytes.IndexByte(r.msg, 0)
	if pos == -1 {
		return "", ErrMissingNulTerminator{}
	}

	s := r.msg[:pos]
	r.msg = r.msg[pos+1:]
	return *((*string)(unsafe.Pointer(&s))), nil
}

// GetBytes returns the next n bytes of the current message. n == -1 is used
// by the wire format to indicate a SQL NULL value.
func (r *Reader) GetBytes(n int) ([]byte, error) {
	if n == -1 {
		return nil, nil
	}

	if len(r.msg) < n {
		return nil, ErrInsufficientData{Have: len(r.msg), Want: n}
	}

	v := r.msg[:n]
	r.msg = r.msg[n:]
	return v, nil
}

// GetByte returns the next single byte of the current message.
func (r *Reader) GetByte() (byte, error) {
	if len(r.msg) < 1 {
		return 0, ErrInsufficientData{Have: 0, Want: 1}
	}

	v := r.msg[0]
	r.msg = r.msg[1:]
	return v, nil
}

// GetUint16 returns the next big-endian uint16 of the current message.
func (r *Reader) GetUint16() (uint16, error) {
	if len(r.msg) < 2 {
		return 0, ErrInsufficientData{Have: len(r.msg), Want: 2}
	}

	v := binary.BigEndian.Uint16(r.msg[:2])
	r.msg = r.msg[2:]
	return v, nil
}

// GetInt16 returns the next big-endian int16 of the current message.
func (r *Reader) GetInt16() (int16, error) {
	v, err := r.GetUint16()
	return int16(v), err
}

// GetUint32 returns the next big-endian uint32 of the current message.
func (r *Reader) GetUint32() (uint32, error) {
	if len(r.msg) < 4 {
		return 0, ErrInsufficientData{Have: len(r.msg), Want: 4}
	}

	v := binary.BigEndian.Uint32(r.msg[:4])
	r.msg = r.msg[4:]
	return v, nil
}

// GetInt32 returns the next big-endian int32 of the current message.
func (r *Reader) GetInt32() (int32, error) {
	v, err := r.GetUint32()
	return int32(v), err
}

// Remaining returns the bytes left unread in the current message.
func (r *Reader) Remaining() []byte {
	return r.msg
}

// ErrMessageSizeExceeded is returned when a frame claims a length larger
// than the reader's configured maximum, or a negative length.
type ErrMessageSizeExceeded struct {
	Size int
	Max  int
}

func (e ErrMessageSizeExceeded) Error() string {
	return fmt.Sprintf("message of size %d exceeds the maximum allowed size %d", e.Size, e.Max)
}

// ErrMissingNulTerminator is returned when a null-terminated string field
// runs off the end of the message without a terminator.
type ErrMissingNulTerminator struct{}

func (ErrMissingNulTerminator) Error() string { return "expected null terminated string" }

// ErrInsufficientData is returned when a fixed-width field is read past the
// end of the current message.
type ErrInsufficientData struct {
	Have, Want int
}

func (e ErrInsufficientData) Error() string {
	return fmt.Sprintf("insufficient data: have %d bytes, want %d", e.Have, e.Want)
}
