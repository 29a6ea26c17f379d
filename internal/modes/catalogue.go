// Package modes holds the workflow mode catalogue. A mode names the task a
// worker runs, default configuration, and a JSON Schema that submitted
// configuration must satisfy.
package modes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownMode is returned for modes missing from the catalogue.
	ErrUnknownMode = errors.New("unknown workflow mode")
	// ErrInvalidConfig is returned when configuration fails the mode schema.
	ErrInvalidConfig = errors.New("invalid mode configuration")
)

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Mode is one workflow mode.
type Mode struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Task        string         `yaml:"task" json:"task"`
	Defaults    map[string]any `yaml:"defaults" json:"defaults,omitempty"`
	Schema      map[string]any `yaml:"schema" json:"schema,omitempty"`

	compiled *jsonschema.Schema
}

type document struct {
	Modes []Mode `yaml:"modes"`
}

// Catalogue is a concurrency-safe set of modes: the built-ins, overlaid by
// an optional YAML file.
type Catalogue struct {
	path   string
	tasks  map[string]bool
	logger *slog.Logger

	mu    sync.RWMutex
	modes map[string]*Mode
}

// New builds a catalogue. tasks lists the task names workers can run; a mode
// naming any other task is rejected. path may be empty.
func New(path string, tasks []string, logger *slog.Logger) (*Catalogue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalogue{path: path, tasks: make(map[string]bool, len(tasks)), logger: logger}
	for _, t := range tasks {
		c.tasks[t] = true
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rebuilds the catalogue from the built-ins and the file. On error the
// previous catalogue stays in place.
func (c *Catalogue) Reload() error {
	modes := make(map[string]*Mode)
	add := func(list []Mode, origin string) error {
		for i := range list {
			m := list[i]
			if err := c.prepare(&m); err != nil {
				return fmt.Errorf("%s: mode %q: %w", origin, m.Name, err)
			}
			modes[m.Name] = &m
		}
		return nil
	}

	if err := add(Builtin(), "builtin"); err != nil {
		return err
	}
	if c.path != "" {
		data, err := os.ReadFile(c.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			c.logger.Warn("modes file not found, using built-in modes", "path", c.path)
		case err != nil:
			return fmt.Errorf("read modes file: %w", err)
		default:
			list, err := Parse(data)
			if err != nil {
				return err
			}
			if err := add(list, c.path); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.modes = modes
	c.mu.Unlock()
	c.logger.Info("workflow modes loaded", "count", len(modes))
	return nil
}

// Parse decodes a YAML modes document.
func Parse(data []byte) ([]Mode, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse modes: %w", err)
	}
	return doc.Modes, nil
}

func (c *Catalogue) prepare(m *Mode) error {
	if !validName.MatchString(m.Name) {
		return errors.New("name must match " + validName.String())
	}
	if len(c.tasks) > 0 && !c.tasks[m.Task] {
		return fmt.Errorf("unknown task %q", m.Task)
	}
	if len(m.Schema) == 0 {
		return nil
	}
	s, err := compile(m.Name, m.Schema)
	if err != nil {
		return err
	}
	m.compiled = s
	return nil
}

func compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "mode-" + name + ".json"
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Lookup returns the named mode.
func (c *Catalogue) Lookup(name string) (Mode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modes[name]
	if !ok {
		return Mode{}, false
	}
	return *m, true
}

// List returns all modes sorted by name.
func (c *Catalogue) List() []Mode {
	c.mu.RLock()
	out := make([]Mode, 0, len(c.modes))
	for _, m := range c.modes {
		out = append(out, *m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve merges cfg over the mode defaults, validates the result against the
// mode schema and returns the mode with the effective configuration.
func (c *Catalogue) Resolve(name string, cfg json.RawMessage) (Mode, json.RawMessage, error) {
	m, ok := c.Lookup(name)
	if !ok {
		return Mode{}, nil, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}

	merged := make(map[string]any, len(m.Defaults))
	for k, v := range m.Defaults {
		merged[k] = v
	}
	if len(bytes.TrimSpace(cfg)) > 0 && string(cfg) != "null" {
		var given map[string]any
		if err := json.Unmarshal(cfg, &given); err != nil {
			return Mode{}, nil, fmt.Errorf("%w: config must be a JSON object", ErrInvalidConfig)
		}
		for k, v := range given {
			merged[k] = v
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return Mode{}, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if m.compiled != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return Mode{}, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := m.compiled.Validate(inst); err != nil {
			return Mode{}, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return m, raw, nil
}
