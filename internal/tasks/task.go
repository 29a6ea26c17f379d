// Package tasks holds the contract between the worker runtime and task code,
// plus the catalog of tasks a worker can run.
package tasks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
)

// Decision is the human answer to an approval request.
type Decision struct {
	ApprovalID    string          `json:"approval_id"`
	Resolution    string          `json:"resolution"`
	Feedback      string          `json:"feedback,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
	TimedOut      bool            `json:"timed_out,omitempty"`
}

// Approved reports whether the task may proceed.
func (d *Decision) Approved() bool {
	switch domain.Resolution(d.Resolution) {
	case domain.ResolutionApproved, domain.ResolutionModified:
		return !d.TimedOut
	}
	return false
}

// Runtime is what a running task can do besides printing.
type Runtime interface {
	TaskID() string
	// Emit posts an event on the output queue, in call order.
	Emit(eventType string, payload any) error
	// Phase emits a phase_change, which the coordinator snapshots.
	Phase(phase string, step *int, plan any) error
	// RequestApproval blocks until a human decides or the request times
	// out. A timeout is a rejected Decision with TimedOut set.
	RequestApproval(ctx context.Context, kind domain.ApprovalKind, payload any, timeout time.Duration) (*Decision, error)
	// Resume returns the durable snapshot when the task was respawned.
	Resume() *ipc.ResumeState
}

// Func is a task body. The returned value becomes the result payload.
type Func func(ctx context.Context, rt Runtime, description string, cfg map[string]any) (any, error)

// Catalog maps task names to their bodies.
type Catalog struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{funcs: make(map[string]Func)}
}

// Builtin returns a catalog with the tasks shipped in this package.
func Builtin() *Catalog {
	c := NewCatalog()
	c.Register("echo", Echo)
	c.Register("plan", Plan)
	return c
}

// Register adds or replaces a task.
func (c *Catalog) Register(name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

// Lookup returns the task registered under name.
func (c *Catalog) Lookup(name string) (Func, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[name]
	return fn, ok
}

// Names lists registered tasks in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.funcs))
	for n := range c.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
