package executor

import (
	"context"
	"io"
	"os/exec"
)

// Runner abstracts remote container invocation for testing. Invoke blocks
// until the process ends or ctx is canceled, streaming combined output to
// stdout as it is produced. The exit code is an in-band signal; err is
// reserved for exec-layer failures (image pull, daemon unreachable).
type Runner interface {
	Invoke(ctx context.Context, argv []string, stdout io.Writer) (exitCode int, err error)
}

// CLIRunner shells out to the container engine CLI.
type CLIRunner struct{}

func (r *CLIRunner) Invoke(ctx context.Context, argv []string, stdout io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	runErr := cmd.Run()
	switch e := runErr.(type) {
	case nil:
		return 0, nil
	case *exec.ExitError:
		return e.ExitCode(), nil
	default:
		return -1, runErr
	}
}
