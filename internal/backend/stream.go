package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// StreamResult wraps a frame or error from the live channel.
type StreamResult struct {
	Data []byte
	Err  error
}

// StreamURL returns the live channel URL of a session.
func (c *Client) StreamURL(sessionID string) string {
	return c.wsURL + strings.ReplaceAll(c.wsPath, "{id}", url.PathEscape(sessionID))
}

// Stream opens the live channel of a session. Frames are delivered unparsed.
// The channel is closed when the connection ends or ctx is cancelled; a
// read failure other than a normal close is delivered as a final Err.
func (c *Client) Stream(ctx context.Context, sessionID string) (<-chan StreamResult, error) {
	u := c.StreamURL(sessionID)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to open live channel (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open live channel: %w", err)
	}

	c.logger.Debug("live channel opened", slog.String("url", u))

	out := make(chan StreamResult)
	done := make(chan struct{})

	// Closing the connection unblocks ReadMessage on cancellation.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer close(done)

		send := func(r StreamResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || isNormalClose(err) {
					return
				}
				send(StreamResult{Err: fmt.Errorf("live channel read failed: %w", err)})
				return
			}
			if !send(StreamResult{Data: data}) {
				return
			}
		}
	}()

	return out, nil
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNoStatusReceived
}
