package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
)

// Writer encodes length-prefixed frontend frames onto the wire. A Start call
// reserves space for the tag and length header; End backpatches the length
// once the payload has been written.
type Writer struct {
	io.Writer
	logger *slog.Logger

	frame  bytes.Buffer
	putbuf [64]byte
	err    error
	tagged bool
}

// NewWriter constructs a Writer around the given io.Writer.
func NewWriter(logger *slog.Logger, writer io.Writer) *Writer {
	return &Writer{
		Writer: writer,
		logger: logger,
	}
}

// Start begins a new frame with the given tag. A zero tag omits the tag
// byte, used for the untyped startup packet.
func (w *Writer) Start(t FrontendMessage) {
	w.StartTag(byte(t))
}

// StartTag begins a new frame with a raw tag byte. A zero tag omits the tag
// byte entirely. It exists so test fakes speaking the opposite direction of
// the protocol can reuse this encoder for BackendMessage tags.
func (w *Writer) StartTag(t byte) {
	w.frame.Reset()
	w.err = nil
	w.tagged = t != 0

	if w.tagged {
		w.frame.WriteByte(t)
	}

	// placeholder for the length, backpatched in End.
	w.frame.Write(w.putbuf[:4])
}

// AddByte appends a single byte to the frame.
func (w *Writer) AddByte(b byte) {
	if w.err != nil {
		return
	}

	w.frame.WriteByte(b)
}

// AddInt16 appends a big-endian int16 to the frame.
func (w *Writer) AddInt16(n int16) {
	if w.err != nil {
		return
	}

	binary.BigEndian.PutUint16(w.putbuf[:2], uint16(n))
	w.frame.Write(w.putbuf[:2])
}

// AddUint16 appends a big-endian uint16 to the frame.
func (w *Writer) AddUint16(n uint16) {
	if w.err != nil {
		return
	}

	binary.BigEndian.PutUint16(w.putbuf[:2], n)
	w.frame.Write(w.putbuf[:2])
}

// AddInt32 appends a big-endian int32 to the frame.
func (w *Writer) AddInt32(n int32) {
	if w.err != nil {
		return
	}

	binary.BigEndian.PutUint32(w.putbuf[:4], uint32(n))
	w.frame.Write(w.putbuf[:4])
}

// AddUint32 appends a big-endian uint32 to the frame.
func (w *Writer) AddUint32(n uint32) {
	if w.err != nil {
		return
	}

	binary.BigEndian.PutUint32(w.putbuf[:4], n)
	w.frame.Write(w.putbuf[:4])
}

// AddBytes appends b as a length-prefixed field: an int32 byte count
// followed by the bytes, or a count of -1 and no bytes when b is nil (a SQL
// NULL Bind parameter).
func (w *Writer) AddBytes(b []byte) {
	if w.err != nil {
		return
	}

	if b == nil {
		w.AddInt32(-1)
		return
	}

	w.AddInt32(int32(len(b)))
	w.frame.Write(b)
}

// AddString appends raw bytes with no length prefix or terminator.
func (w *Writer) AddString(s string) {
	if w.err != nil {
		return
	}

	w.frame.WriteString(s)
}

// AddNullTerminate appends a string followed by a NUL byte.
func (w *Writer) AddNullTerminate(s string) {
	if w.err != nil {
		return
	}

	w.frame.WriteString(s)
	w.frame.WriteByte(0)
}

// Error returns the first error, if any, encountered while building the
// current frame.
func (w *Writer) Error() error {
	return w.err
}

// End backpatches the length field and flushes the frame to the underlying
// writer.
func (w *Writer) End() error {
	if w.err != nil {
		return w.err
	}

	buf := w.frame.Bytes()

	lenOffset := 0
	if w.tagged {
		lenOffset = 1
	}

	binary.BigEndian.PutUint32(buf[lenOffset:lenOffset+4], uint32(len(buf)-lenOffset))

	_, err := w.Writer.Write(buf)
	return err
}

// Bytes returns the current frame contents without flushing them.
func (w *Writer) Bytes() []byte {
	return w.frame.Bytes()
}

// Reset discards the current frame without writing it.
func (w *Writer) Reset() {
	w.frame.Reset()
	w.err = nil
}
