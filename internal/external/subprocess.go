package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/dsa110/contimg/internal/cerrors"
)

// CommandExecutor runs one external-tool invocation and reports its
// combined output, adapted from the teacher's deploy.CommandExecutor
// abstraction (itself built around os/exec.Cmd) so that every subprocess-
// backed contract in this package can be driven through a mock in tests
// without spawning a real process.
type CommandExecutor interface {
	Run(ctx context.Context) ([]byte, error)
}

// CommandBuilder constructs CommandExecutors, mirroring the teacher's
// deploy.CommandBuilder so production code builds real *exec.Cmd
// invocations while tests substitute MockCommandBuilder.
type CommandBuilder interface {
	Build(name string, args ...string) CommandExecutor
}

// RealCommandBuilder builds os/exec-backed executors. Each invocation
// runs in its own process group so that a timeout can kill the whole
// group, not just the immediate child — required by spec §5's
// cancellation policy ("process-group kill if it was a subprocess") since
// the wrapped external tools (CASA tasks and similar) commonly fork
// helper processes of their own.
type RealCommandBuilder struct{}

// Build returns a CommandExecutor for name/args.
func (RealCommandBuilder) Build(name string, args ...string) CommandExecutor {
	return &realExecutor{name: name, args: args}
}

type realExecutor struct {
	name string
	args []string
}

func (e *realExecutor) Run(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.name, e.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Context cancellation (timeout or shutdown) kills the whole
		// process group, not just the direct child, so a helper process
		// the external tool forked cannot outlive the deadline.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// MockCommandExecutor is a canned CommandExecutor for tests.
type MockCommandExecutor struct {
	Output []byte
	Err    error
}

// Run returns the configured output and error.
func (m *MockCommandExecutor) Run(ctx context.Context) ([]byte, error) {
	return m.Output, m.Err
}

// MockCommandBuilder records every command built and dispenses a queued
// or factory-produced executor for each, mirroring the teacher's
// deploy.MockCommandBuilder.
type MockCommandBuilder struct {
	Built   []BuiltCommand
	Factory func(name string, args []string) CommandExecutor
	Next    CommandExecutor
}

// BuiltCommand records one Build call's arguments.
type BuiltCommand struct {
	Name string
	Args []string
}

// Build records the call and returns the next configured executor.
func (b *MockCommandBuilder) Build(name string, args ...string) CommandExecutor {
	b.Built = append(b.Built, BuiltCommand{Name: name, Args: args})
	if b.Factory != nil {
		return b.Factory(name, args)
	}
	if b.Next != nil {
		next := b.Next
		b.Next = nil
		return next
	}
	return &MockCommandExecutor{}
}

// contextWithTimeout is a thin context.WithTimeout wrapper kept local to
// this package so call sites in tools.go don't need to import "context"
// and "time" just for this one pattern.
func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// subprocessResultError wraps a non-zero subprocess exit, classified as
// an external-tool timeout when the context deadline was the cause and a
// corrupt-input-flavored failure otherwise, since a non-timeout non-zero
// exit from a CASA-style task almost always means the input it was
// handed could not be processed.
func subprocessResultError(ctx context.Context, toolName string, output []byte, runErr error) error {
	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return cerrors.Wrap(cerrors.ExternalToolTimeout, fmt.Sprintf("%s timed out", toolName), runErr).
			WithContext("tool", toolName).WithContext("output", string(output))
	}
	return cerrors.Wrap(cerrors.CorruptInput, fmt.Sprintf("%s failed", toolName), runErr).
		WithContext("tool", toolName).WithContext("output", string(output))
}

// decodeJSONOutput is a small helper subprocess-backed contracts share:
// the wrapped tools are expected to print one JSON object to stdout
// describing their result, the same convention the teacher's own
// cmd/tools/pcap-analyze invocations use for structured subprocess output.
func decodeJSONOutput(output []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(output))
	return dec.Decode(v)
}
