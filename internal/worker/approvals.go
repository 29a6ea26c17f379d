package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
	"github.com/ashureev/taskhub/internal/tasks"
)

// errQueueClosed is returned to waiters once the coordinator closed the
// approval queue.
var errQueueClosed = errors.New("approval queue closed")

// approvalClient sends approval_required frames and routes the responses
// arriving on the approval queue back to the waiting task goroutine.
type approvalClient struct {
	out   *ipc.Encoder
	flush func() // drains captured stdout ahead of each request frame

	mu      sync.Mutex
	next    uint64
	waiters map[string]chan ipc.ApprovalResponse
	closed  bool
}

func newApprovalClient(out *ipc.Encoder, flush func()) *approvalClient {
	if flush == nil {
		flush = func() {}
	}
	return &approvalClient{out: out, flush: flush, waiters: make(map[string]chan ipc.ApprovalResponse)}
}

func (c *approvalClient) request(ctx context.Context, kind domain.ApprovalKind, payload any, timeout time.Duration) (*tasks.Decision, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode approval context: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errQueueClosed
	}
	c.next++
	key := strconv.FormatUint(c.next, 10)
	ch := make(chan ipc.ApprovalResponse, 1)
	c.waiters[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	req := ipc.ApprovalRequest{RequestKey: key, Kind: string(kind), Context: raw, TimeoutMS: timeout.Milliseconds()}
	c.flush()
	if err := c.out.Encode(ipc.EventApprovalRequired, req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, errQueueClosed
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return &tasks.Decision{
			ApprovalID:    resp.ApprovalID,
			Resolution:    resp.Resolution,
			Feedback:      resp.Feedback,
			Modifications: resp.Modifications,
			TimedOut:      resp.TimedOut,
		}, nil
	}
}

// run dispatches responses until the queue is closed.
func (c *approvalClient) run(r io.Reader) {
	dec := ipc.NewDecoder(r)
	for {
		f, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("approval queue read failed", "error", err)
			}
			c.close()
			return
		}
		if f.Type != ipc.FrameApproval {
			continue
		}
		var resp ipc.ApprovalResponse
		if err := ipc.Unmarshal(f, &resp); err != nil {
			slog.Warn("bad approval response", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[resp.RequestKey]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- resp:
		default:
			slog.Warn("duplicate approval response", "request_key", resp.RequestKey)
		}
	}
}

func (c *approvalClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, ch := range c.waiters {
		close(ch)
		delete(c.waiters, key)
	}
}
