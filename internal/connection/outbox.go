package connection

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// conn is one registered channel plus its bounded write queue. A single
// writer goroutine drains the queue so events reach the client in order.
type conn struct {
	taskID      string
	ch          Channel
	connectedAt time.Time
	limit       int

	mu       sync.Mutex
	pending  *list.List
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newConn(taskID string, ch Channel, limit int) *conn {
	return &conn{
		taskID:      taskID,
		ch:          ch,
		connectedAt: time.Now(),
		limit:       limit,
		pending:     list.New(),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// push enqueues it and reports whether the oldest pending event was evicted.
func (c *conn) push(it item) bool {
	c.mu.Lock()
	c.pending.PushBack(it)
	dropped := false
	for c.pending.Len() > c.limit {
		c.pending.Remove(c.pending.Front())
		dropped = true
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (c *conn) pop() (item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.pending.Front()
	if front == nil {
		return item{}, false
	}
	c.pending.Remove(front)
	return front.Value.(item), true
}

// drain removes and returns everything not yet written.
func (c *conn) drain() []item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]item, 0, c.pending.Len())
	for e := c.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(item))
	}
	c.pending.Init()
	return out
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *conn) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) run(r *Registry) {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for !c.stopped() {
			it, ok := c.pop()
			if !ok {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			err := c.ch.Send(ctx, it.env)
			cancel()
			if err != nil {
				if !c.stopped() {
					r.sendFailed(c, it, err)
				}
				return
			}
		}
	}
}
