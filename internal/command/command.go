// Package command wraps os/exec so system commands can be mocked in tests.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs system commands.
type Executor interface {
	// Run executes a command and waits for it to finish. A non-zero exit
	// status is returned as an error that includes the command's output.
	Run(ctx context.Context, name string, args ...string) error
}

// RealExecutor runs commands with exec.CommandContext.
type RealExecutor struct{}

// Run executes name with args, capturing combined output for diagnostics.
func (*RealExecutor) Run(ctx context.Context, name string, args ...string) error {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(buf.String())
		if out == "" {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return nil
}
