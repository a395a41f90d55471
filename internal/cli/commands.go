package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/cloudbackup/cloudbackup/internal/errors"
)

// Execute runs the command line with args.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}

// ExecuteWithErrorCode runs the command line and returns the process exit
// code. Errors are printed to stderr.
func ExecuteWithErrorCode(ctx context.Context, args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	printError(os.Stderr, err)
	return exitCode(err)
}

func printError(w io.Writer, err error) {
	var confirm *errors.ErrConfirmationRequired
	switch {
	case stderrors.As(err, &confirm):
		fmt.Fprintf(w, "Error: %v\nRe-run with --yes to confirm the deletions.\n", err)
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}

// exitCode distinguishes refusals the operator can act on from failures.
func exitCode(err error) int {
	switch {
	case errors.IsConfirmationRequired(err):
		return 3
	case errors.IsUserFacing(err):
		return 2
	default:
		return 1
	}
}
