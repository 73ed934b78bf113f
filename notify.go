package pgengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/pgengine/pgengine/internal/pipe"
	"github.com/pgengine/pgengine/protocol"
)

// Notification is a server-side NOTIFY delivered to a LISTEN-ing connection.
type Notification struct {
	PID     int32
	Channel string
	Payload string
}

// handleAsync receives the frames the worker treats as asynchronous
// (NotificationResponse, NoticeResponse, ParameterStatus). It decodes and
// delivers NotificationResponse frames; every other frame type is dropped.
func (c *Conn) handleAsync(frame pipe.Frame) {
	if frame.Type != protocol.BackendNotificationResponse {
		return
	}

	reader := frameReader(frame.Body)
	pid, err := reader.GetInt32()
	if err != nil {
		return
	}
	channel, err := reader.GetString()
	if err != nil {
		return
	}
	payload, err := reader.GetString()
	if err != nil {
		return
	}

	select {
	case c.notifications <- Notification{PID: pid, Channel: channel, Payload: payload}:
	default:
		c.logger.Warn("dropping notification, listener channel is full", slog.String("channel", channel))
	}
}

// Notifications returns the channel Notification values are delivered on.
// The channel is closed once the connection's worker goroutine exits.
func (c *Conn) Notifications() <-chan Notification {
	return c.notifications
}

// Listen issues LISTEN for channel. Notifications on it arrive on the
// channel returned by Notifications, not as a return value here, since a
// Conn multiplexes many LISTEN-ing channels over one socket.
func (c *Conn) Listen(ctx context.Context, channel string) error {
	sql := "LISTEN " + pgx.Identifier{channel}.Sanitize()
	_, err := c.Executor().Query(ctx, sql, nil, nil, nil)
	return err
}

// Unlisten issues UNLISTEN for channel.
func (c *Conn) Unlisten(ctx context.Context, channel string) error {
	sql := "UNLISTEN " + pgx.Identifier{channel}.Sanitize()
	_, err := c.Executor().Query(ctx, sql, nil, nil, nil)
	return err
}

// Notify issues NOTIFY on channel with the given payload.
func (c *Conn) Notify(ctx context.Context, channel, payload string) error {
	sql := fmt.Sprintf("NOTIFY %s, %s", pgx.Identifier{channel}.Sanitize(), quoteLiteral(payload))
	_, err := c.Executor().Query(ctx, sql, nil, nil, nil)
	return err
}

// quoteLiteral escapes a string for inline use as a SQL string literal.
// NOTIFY's payload has no out-of-band parameter slot in the simple form
// used here, so the payload is embedded in the statement text itself.
func quoteLiteral(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += "''"
			continue
		}
		escaped += string(r)
	}
	return "'" + escaped + "'"
}

func frameReader(body []byte) *bodyReader {
	return &bodyReader{body: body}
}

// bodyReader replays the Get* decode helpers over an already-captured frame
// body, used by async frame handling which runs outside the worker's own
// Reader lifetime.
type bodyReader struct {
	body []byte
}

func (r *bodyReader) GetInt32() (int32, error) {
	if len(r.body) < 4 {
		return 0, fmt.Errorf("short frame reading int32")
	}
	v := int32(uint32(r.body[0])<<24 | uint32(r.body[1])<<16 | uint32(r.body[2])<<8 | uint32(r.body[3]))
	r.body = r.body[4:]
	return v, nil
}

func (r *bodyReader) GetString() (string, error) {
	for i, b := range r.body {
		if b == 0 {
			s := string(r.body[:i])
			r.body = r.body[i+1:]
			return s, nil
		}
	}
	return "", fmt.Errorf("missing null terminator in frame body")
}
