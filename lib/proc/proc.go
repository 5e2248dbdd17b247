package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type Process struct {
	*exec.Cmd
	// stderr keeps the tail of the child's diagnostics for error messages.
	stderr tail
}

func New(program string, args []string) *Process {
	p := &Process{}
	p.Cmd = exec.Command(program, args...)
	p.Stdout = os.Stdout
	p.Stderr = Writer{p, os.Stderr}
	return p
}

// ExitError reports a helper that ran but did not exit cleanly.
type ExitError struct {
	Program string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Program, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Run starts the process and waits for it to exit.
func (p *Process) Run() (err error) {
	if err = p.Start(); err != nil {
		return
	}
	activeProcess.Add(p)
	defer activeProcess.Remove(p)

	err = p.Wait()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{
			Program: p.Path,
			Code:    ee.ExitCode(),
			Stderr:  strings.TrimSpace(p.stderr.String()),
		}
	}
	return
}
