// Package script executes trust-validated scripts as child processes with a
// controlled, merged environment, capturing and classifying their outcome.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"trustrun/internal/environ"
	"trustrun/internal/log"
	"trustrun/internal/trust"
)

// maxOutputLog caps how much captured output goes to the log stream. The
// full output stays in the Result.
const maxOutputLog = 64 * 1024

// Request describes one script invocation. It is immutable and consumed once.
type Request struct {
	// Script is the path to execute. It is trust-validated at the moment of
	// use, not at Request construction.
	Script string
	// Args is the ordered argument vector, exclusive of the script itself.
	Args []string
	// Env is the full base environment for the child.
	Env environ.Env
	// Overrides are additional variables overlaid on Env with keys
	// normalized to upper case.
	Overrides map[string]string
	// Dir is the working directory; empty means inherit.
	Dir string
}

// Result captures what the child process produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the execution capability the dispatcher depends on.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Executor validates and runs scripts. The zero timeout means the child may
// run indefinitely, matching the historical runner contract; production
// configs set one.
type Executor struct {
	validator trust.Validator
	timeout   time.Duration
}

// NewExecutor creates an Executor gated by v.
func NewExecutor(v trust.Validator, timeout time.Duration) *Executor {
	return &Executor{
		validator: v,
		timeout:   timeout,
	}
}

// Run validates req.Script, spawns it with the merged environment, and waits
// for exit. Trust failures propagate verbatim; spawn failures are wrapped;
// a non-zero exit yields *ExitError. Stdout is always logged at debug.
// Stderr with a zero exit is logged at error but does not fail the call.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	trusted, err := e.validator.Validate(req.Script)
	if err != nil {
		return Result{}, err
	}

	logger := log.WithScript(trusted.String())

	env := req.Env.Overlay(req.Overrides)
	logger.Debug("running script",
		"args", req.Args, "overrides", overrideNames(req.Overrides), "cwd", req.Dir)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, trusted.String(), req.Args...)
	cmd.Env = env.Strings()
	cmd.Dir = req.Dir
	// Close the output pipes shortly after a kill; without this, Run blocks
	// on grandchildren that inherited them until they exit on their own.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	logger.Debug("script stdout", "stdout", truncate(res.Stdout))

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Error("script interrupted", "error", ctxErr, "stderr", truncate(res.Stderr))
		return res, fmt.Errorf("run %s: %w", trusted, ctxErr)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			logger.Error("script exited non-zero",
				"exit_code", res.ExitCode, "stderr", truncate(res.Stderr))
			return res, &ExitError{Script: trusted.String(), Code: res.ExitCode}
		}
		// The process never ran: binary missing, exec bit absent, fork
		// failure. Fatal, non-retriable.
		logger.Debug("captured output before spawn failure",
			"stdout", truncate(res.Stdout), "stderr", truncate(res.Stderr))
		return res, fmt.Errorf("spawn %s: %w", trusted, runErr)
	}

	if res.Stderr != "" {
		// Noisy-but-successful scripts are surfaced without failing the step.
		logger.Error("error executing script", "stderr", truncate(res.Stderr))
	}

	return res, nil
}

func overrideNames(overrides map[string]string) []string {
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func truncate(s string) string {
	if len(s) > maxOutputLog {
		return s[:maxOutputLog]
	}
	return s
}
