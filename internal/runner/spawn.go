package runner

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// processStreams is the set of I/O handles a spawned Runner process reads
// and writes through, however it was started.
type processStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader // nil when the process was started behind a PTY
}

// startProcess starts cmd, either over plain stdio pipes or behind a
// pseudo-terminal when usePTY is set (cfg.runnerUsePTY, for agents that
// probe isatty(stdout) and behave differently — or refuse to run at all —
// without one). A PTY multiplexes stdout and stderr onto a single stream,
// so callers relying on clean line-delimited stdout (the claude-code and
// codex JSON protocols) should only set usePTY for agents confirmed not to
// write diagnostic output to that same stream.
func startProcess(cmd *exec.Cmd, usePTY bool) (*processStreams, error) {
	if usePTY {
		master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
		if err != nil {
			return nil, fmt.Errorf("failed to start process in pty: %w", err)
		}
		return &processStreams{Stdin: master, Stdout: master}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	return &processStreams{Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}
