package tasks

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Console is the process-wide I/O facility task code prints through. Like
// os.Stdout it is global, which is why each task gets its own process.
type Console struct {
	Out io.Writer
	Err io.Writer
}

var console atomic.Pointer[Console]

// InstallConsole replaces the process-wide console.
func InstallConsole(c *Console) {
	console.Store(c)
}

// CurrentConsole returns the installed console, or one bound to the current
// os.Stdout and os.Stderr.
func CurrentConsole() *Console {
	if c := console.Load(); c != nil {
		return c
	}
	return &Console{Out: os.Stdout, Err: os.Stderr}
}

// Printf writes to the console's output stream.
func (c *Console) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.Out, format, args...)
}

// Errorf writes to the console's error stream.
func (c *Console) Errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.Err, format, args...)
}
