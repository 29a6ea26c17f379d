package modes

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testTasks = []string{"echo", "plan"}

const reviewModes = `
modes:
  - name: review
    description: Plan with a fixed review checklist
    task: plan
    defaults:
      auto_approve: true
      steps: [read, comment]
    schema:
      type: object
      properties:
        auto_approve: {type: boolean}
        steps: {type: array, items: {type: string}}
`

func TestResolve(t *testing.T) {
	t.Parallel()
	c, err := New("", testTasks, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mode    string
		cfg     string
		wantErr error
	}{
		{"valid echo", "echo", `{"lines":2,"marker":"x"}`, nil},
		{"empty config", "echo", ``, nil},
		{"null config", "plan", `null`, nil},
		{"below minimum", "echo", `{"lines":0}`, ErrInvalidConfig},
		{"wrong type", "plan", `{"steps":"one"}`, ErrInvalidConfig},
		{"unknown key", "echo", `{"colour":"red"}`, ErrInvalidConfig},
		{"not an object", "echo", `[1,2]`, ErrInvalidConfig},
		{"unknown mode", "missing", `{}`, ErrUnknownMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Resolve(tt.mode, json.RawMessage(tt.cfg))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResolve_MergesDefaults(t *testing.T) {
	t.Parallel()
	c, err := New("", testTasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, raw, err := c.Resolve("plan", json.RawMessage(`{"auto_approve":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Task != "plan" {
		t.Errorf("task = %q", m.Task)
	}
	var cfg map[string]any
	_ = json.Unmarshal(raw, &cfg)
	if cfg["delay_ms"] != float64(200) || cfg["auto_approve"] != true {
		t.Errorf("merged config = %v", cfg)
	}

	_, raw, _ = c.Resolve("plan", json.RawMessage(`{"delay_ms":5}`))
	_ = json.Unmarshal(raw, &cfg)
	if cfg["delay_ms"] != float64(5) {
		t.Errorf("submitted config must win over defaults, got %v", cfg["delay_ms"])
	}
}

func TestNew_FileOverlay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "modes.yaml")
	if err := os.WriteFile(path, []byte(reviewModes), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(path, testTasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(c.List()); got != 3 {
		t.Fatalf("expected 3 modes, got %d", got)
	}
	_, raw, err := c.Resolve("review", nil)
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	_ = json.Unmarshal(raw, &cfg)
	if steps, _ := cfg["steps"].([]any); len(steps) != 2 {
		t.Errorf("expected default steps, got %v", cfg)
	}
}

func TestNew_RejectsBadModes(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown task": "modes:\n  - name: x\n    task: nope\n",
		"bad name":     "modes:\n  - name: Bad Name\n    task: echo\n",
		"bad schema":   "modes:\n  - name: x\n    task: echo\n    schema: {type: 12}\n",
		"bad yaml":     "modes: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "modes.yaml")
			if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := New(path, testTasks, nil); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNew_MissingFileFallsBack(t *testing.T) {
	t.Parallel()
	c, err := New(filepath.Join(t.TempDir(), "absent.yaml"), testTasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup("echo"); !ok {
		t.Error("built-in modes should be available")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "modes.yaml")
	if err := os.WriteFile(path, []byte("modes: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(path, testTasks, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(reviewModes), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Lookup("review"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("catalogue was not reloaded")
}
