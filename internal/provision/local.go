package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ExitError carries the exit status of a script that stopped on a failing
// command.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("provisioning script exited with status %d", e.Status)
}

// RunLocal executes script on the current host with an in-process shell.
// It is meant for supervised runs on a scratch machine; nothing is retried.
func RunLocal(ctx context.Context, script, dir string, stdout, stderr io.Writer) error {
	prog, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(script), "provision.sh")
	if err != nil {
		return fmt.Errorf("failed to parse provisioning script: %w", err)
	}

	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, stdout, stderr),
	)
	if err != nil {
		return fmt.Errorf("failed to create interpreter: %w", err)
	}

	if err := runner.Run(ctx, prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return &ExitError{Status: int(status)}
		}
		return fmt.Errorf("provisioning script failed: %w", err)
	}
	return nil
}
