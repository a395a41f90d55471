package rclone

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
)

// Result is the captured outcome of one process run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports a zero exit status.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// ExecFunc runs a command to completion. A non-nil error means the process
// could not be started; a non-zero exit is reported through Result.ExitCode.
type ExecFunc func(ctx context.Context, name string, args ...string) (Result, error)

// SystemExec runs name as a child process.
func SystemExec(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
