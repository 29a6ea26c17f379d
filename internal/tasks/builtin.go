package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
)

// marker is process-global on purpose: two echo tasks sharing a process
// would overwrite each other's value.
var marker string

// Echo prints its description and returns it. Config keys:
//
//	lines      number of lines to print (default 1)
//	delay_ms   pause between lines
//	marker     stored in a package global and read back at the end
//	fail       return an error with this message
//	panic      panic after printing
//	exit_code  exit the process with this code without a result
func Echo(ctx context.Context, rt Runtime, description string, cfg map[string]any) (any, error) {
	lines := intOpt(cfg, "lines", 1)
	delay := time.Duration(intOpt(cfg, "delay_ms", 0)) * time.Millisecond
	if m, ok := cfg["marker"].(string); ok {
		marker = m
	}

	for i := 0; i < lines; i++ {
		if lines == 1 {
			fmt.Println(description)
		} else {
			fmt.Printf("%s [%d/%d]\n", description, i+1, lines)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	if marker != "" {
		fmt.Printf("marker=%s\n", marker)
	}

	if boolOpt(cfg, "panic") {
		panic("echo: panic requested")
	}
	if code := intOpt(cfg, "exit_code", 0); code != 0 {
		os.Exit(code)
	}
	if msg, ok := cfg["fail"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}

	return map[string]any{"echo": description, "lines": lines, "marker": marker}, nil
}

type planData struct {
	Goal  string   `json:"goal"`
	Steps []string `json:"steps"`
}

type dagNode struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

type dagPayload struct {
	Nodes []dagNode   `json:"nodes"`
	Edges [][2]string `json:"edges"`
}

type costPayload struct {
	Step      int     `json:"step"`
	Tokens    int     `json:"tokens"`
	TotalCost float64 `json:"total_cost_usd"`
}

func nodeID(i int) string { return fmt.Sprintf("step-%d", i+1) }

func (p planData) dag() dagPayload {
	d := dagPayload{Nodes: make([]dagNode, len(p.Steps))}
	for i, s := range p.Steps {
		d.Nodes[i] = dagNode{ID: nodeID(i), Label: s, Status: "pending"}
		if i > 0 {
			d.Edges = append(d.Edges, [2]string{nodeID(i - 1), nodeID(i)})
		}
	}
	return d
}

// Plan drafts a step plan, asks for plan approval, then executes the steps
// one phase at a time. A respawned run continues after the last snapshotted
// step. Config keys:
//
//	steps             explicit step labels
//	auto_approve      skip the plan approval
//	approval_timeout  seconds to wait for the decision
//	delay_ms          time spent per step
//	tokens_per_step   reported in cost_update events (default 120)
func Plan(ctx context.Context, rt Runtime, description string, cfg map[string]any) (any, error) {
	out := CurrentConsole()
	delay := time.Duration(intOpt(cfg, "delay_ms", 0)) * time.Millisecond
	perStep := intOpt(cfg, "tokens_per_step", 120)

	plan := planData{Goal: description, Steps: stringsOpt(cfg, "steps")}
	if len(plan.Steps) == 0 {
		plan.Steps = []string{"analyze: " + description, "implement", "verify"}
	}

	start := 0
	if r := rt.Resume(); r != nil {
		if len(r.PlanData) > 0 {
			var saved planData
			if err := json.Unmarshal(r.PlanData, &saved); err == nil && len(saved.Steps) > 0 {
				plan = saved
			}
		}
		if r.Step != nil {
			start = *r.Step + 1
		}
		out.Printf("resuming at step %d of %d\n", start+1, len(plan.Steps))
	}

	if start == 0 {
		if err := rt.Phase("planning", nil, plan); err != nil {
			return nil, err
		}
		if err := rt.Emit(ipc.EventDAGCreated, plan.dag()); err != nil {
			return nil, err
		}
		if !boolOpt(cfg, "auto_approve") {
			timeout := time.Duration(intOpt(cfg, "approval_timeout", 0)) * time.Second
			d, err := rt.RequestApproval(ctx, domain.ApprovalPlan, plan, timeout)
			if err != nil {
				return nil, fmt.Errorf("plan approval: %w", err)
			}
			switch {
			case d.TimedOut:
				return nil, errors.New("plan approval timed out")
			case !d.Approved():
				return nil, fmt.Errorf("plan rejected: %s", d.Feedback)
			}
			if mod := modifiedSteps(d); len(mod) > 0 {
				plan.Steps = mod
				if err := rt.Emit(ipc.EventDAGCreated, plan.dag()); err != nil {
					return nil, err
				}
			}
		}
	}

	tokens := start * perStep
	for i := start; i < len(plan.Steps); i++ {
		step := i
		if err := rt.Phase("executing", &step, plan); err != nil {
			return nil, err
		}
		_ = rt.Emit(ipc.EventDAGNodeUpdate, dagNode{ID: nodeID(i), Label: plan.Steps[i], Status: "running"})
		out.Printf("step %d/%d: %s\n", i+1, len(plan.Steps), plan.Steps[i])
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		_ = rt.Emit(ipc.EventDAGNodeUpdate, dagNode{ID: nodeID(i), Label: plan.Steps[i], Status: "completed"})
		tokens += perStep
		_ = rt.Emit(ipc.EventCostUpdate, costPayload{Step: i + 1, Tokens: tokens, TotalCost: float64(tokens) * 0.000002})
	}

	if err := rt.Phase("done", nil, plan); err != nil {
		return nil, err
	}
	return map[string]any{"goal": plan.Goal, "steps_completed": len(plan.Steps)}, nil
}

func modifiedSteps(d *Decision) []string {
	if domain.Resolution(d.Resolution) != domain.ResolutionModified || len(d.Modifications) == 0 {
		return nil
	}
	var mod struct {
		Steps []string `json:"steps"`
	}
	if err := json.Unmarshal(d.Modifications, &mod); err != nil {
		return nil
	}
	return mod.Steps
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func intOpt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolOpt(cfg map[string]any, key string) bool {
	v, _ := cfg[key].(bool)
	return v
}

func stringsOpt(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		if ss, ok := cfg[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
