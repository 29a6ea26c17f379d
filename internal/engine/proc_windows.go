//go:build windows

package engine

import (
	"os"
	"os/exec"
)

func configureWorkerProc(_ *exec.Cmd) {}

func terminateProcess(p *os.Process) error { return p.Kill() }

func suspendProcess(_ *os.Process) error { return ErrPauseUnsupported }

func resumeProcess(_ *os.Process) error { return ErrPauseUnsupported }

func exitSignal(_ error) string { return "" }
