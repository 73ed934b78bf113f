package pgengine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/protocol"
	"github.com/stretchr/testify/assert"
)

func notificationFrame(pid int32, channel, payload string) pipe.Frame {
	body := make([]byte, 0, 4+len(channel)+1+len(payload)+1)
	body = append(body, byte(pid>>24), byte(pid>>16), byte(pid>>8), byte(pid))
	body = append(body, []byte(channel)...)
	body = append(body, 0)
	body = append(body, []byte(payload)...)
	body = append(body, 0)

	return pipe.Frame{Type: protocol.BackendNotificationResponse, Body: body}
}

func TestHandleAsyncDeliversNotification(t *testing.T) {
	c := &Conn{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifications: make(chan Notification, 1),
	}

	c.handleAsync(notificationFrame(42, "orders", "row inserted"))

	got := <-c.Notifications()
	assert.Equal(t, Notification{PID: 42, Channel: "orders", Payload: "row inserted"}, got)
}

func TestHandleAsyncIgnoresOtherFrameTypes(t *testing.T) {
	c := &Conn{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifications: make(chan Notification, 1),
	}

	c.handleAsync(pipe.Frame{Type: protocol.BackendNoticeResponse, Body: nil})

	select {
	case n := <-c.Notifications():
		t.Fatalf("unexpected notification delivered: %+v", n)
	default:
	}
}

func TestHandleAsyncDropsWhenChannelFull(t *testing.T) {
	c := &Conn{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifications: make(chan Notification, 1),
	}

	c.handleAsync(notificationFrame(1, "a", "first"))
	c.handleAsync(notificationFrame(2, "b", "second"))

	got := <-c.Notifications()
	assert.Equal(t, "a", got.Channel)

	select {
	case n := <-c.Notifications():
		t.Fatalf("unexpected second notification delivered: %+v", n)
	default:
	}
}

func TestBodyReaderGetStringRequiresNullTerminator(t *testing.T) {
	r := frameReader([]byte("no terminator"))
	_, err := r.GetString()
	assert.Error(t, err)
}

func TestBodyReaderGetInt32RequiresFourBytes(t *testing.T) {
	r := frameReader([]byte{1, 2})
	_, err := r.GetInt32()
	assert.Error(t, err)
}
