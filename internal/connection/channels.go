package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketChannel writes envelopes as JSON text frames.
type WebSocketChannel struct {
	conn *websocket.Conn
}

// NewWebSocketChannel wraps an accepted websocket connection.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	return &WebSocketChannel{conn: conn}
}

// Send implements Channel.
func (w *WebSocketChannel) Send(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, w.conn, env)
}

// Close implements Channel.
func (w *WebSocketChannel) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// SSEChannel writes envelopes as server-sent events. The HTTP handler that
// owns the response must block on Done until the channel is closed.
type SSEChannel struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	eventID int64
	done    chan struct{}
	reason  string
	once    sync.Once
}

// NewSSEChannel wraps a streaming response writer.
func NewSSEChannel(w io.Writer, flusher http.Flusher) *SSEChannel {
	return &SSEChannel{w: w, flusher: flusher, done: make(chan struct{})}
}

// Send implements Channel.
func (s *SSEChannel) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return fmt.Errorf("sse channel closed: %s", s.reason)
	default:
	}

	s.eventID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.eventID, env.EventType, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Retry tells the client how long to wait before reconnecting.
func (s *SSEChannel) Retry(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", d.Milliseconds()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line, used as a keepalive.
func (s *SSEChannel) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close implements Channel.
func (s *SSEChannel) Close(reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Done is closed when the registry closes the channel.
func (s *SSEChannel) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the channel was closed.
func (s *SSEChannel) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
