package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/reliability"
)

const (
	payloadPreviewBytes  = 256
	providerWriteTimeout = 10 * time.Second

	// providerCloseGrace bounds how long a graceful close waits for the
	// provider to send trailing results and hang up.
	providerCloseGrace = 2 * time.Second
)

// wsConn wraps a provider websocket with serialized, deadline-bounded writes
// and a single close. close never waits for a writer, so a stalled write is
// interrupted rather than waited on.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	readDone  chan struct{}
}

func dialProvider(ctx context.Context, rawURL string, headers http.Header, timeout time.Duration) (*wsConn, error) {
	dialer := *websocket.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsConn{conn: conn, readDone: make(chan struct{})}, nil
}

func (c *wsConn) writeJSON(payload any) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(providerWriteTimeout))
	return c.conn.WriteJSON(payload)
}

func (c *wsConn) writeBinary(data []byte) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(providerWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) alive() bool { return !c.closed.Load() }

func (c *wsConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// A writer stuck on a full socket holds the frame lock WriteControl
		// needs, so the close frame is only sent when no write is in flight.
		if c.writeMu.TryLock() {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

// awaitClose waits for the read loop to end after a close request was sent,
// at most grace or until ctx is done.
func (c *wsConn) awaitClose(ctx context.Context, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.readDone:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// readLoop feeds every text or binary frame to handle until the connection
// fails or is closed locally.
func (c *wsConn) readLoop(log *zap.Logger, handle func(msgType int, data []byte)) {
	defer close(c.readDone)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				code := websocket.CloseAbnormalClosure
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code = ce.Code
				}
				log.Warn("provider receive loop ended",
					zap.Int("close_code", code),
					zap.Bool("retryable", reliability.IsRetryableCloseCode(code)),
					zap.Error(err))
			}
			c.closed.Store(true)
			_ = c.close()
			return
		}
		handle(msgType, data)
	}
}

func previewPayload(data []byte) string {
	if len(data) <= payloadPreviewBytes {
		return string(data)
	}
	cut := data[:payloadPreviewBytes]
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "..."
}
