// Package hostexec runs host tools that report on the local machine and
// captures what they print.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	defaultBackoff = time.Second

	// waitDelay bounds how long Wait blocks on inherited pipes after the
	// process itself has been killed.
	waitDelay = 2 * time.Second
)

// Runner runs an external tool and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError describes a tool that did not exit successfully.
type ExitError struct {
	Cmd string
	// ExitCode is -1 when the tool was killed or never started.
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exec runs tools as child processes. The zero value runs each tool once
// with no timeout and logs nothing.
type Exec struct {
	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration
	// Retries is the number of attempts made after the first one fails.
	Retries uint64
	// Backoff is the base of the exponential delay between attempts.
	Backoff time.Duration
	Logger  zerolog.Logger
}

var _ Runner = (*Exec)(nil)

// Run executes name with args. On failure the returned error is an
// *ExitError carrying the captured stderr of the last attempt.
func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if e.Retries == 0 {
		return e.runOnce(ctx, name, args)
	}

	base := e.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	backoff := retry.WithMaxRetries(e.Retries, retry.NewExponential(base))

	var (
		out     []byte
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		stdout, err := e.runOnce(ctx, name, args)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.Logger.Warn().Err(err).Str("cmd", name).Int("attempt", attempt).Msg("host tool attempt failed")
			return retry.RetryableError(err)
		}
		out = stdout
		return nil
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return nil, exitErr
		}
		return nil, &ExitError{Cmd: name, ExitCode: -1, Err: err}
	}
	return out, nil
}

func (e *Exec) runOnce(ctx context.Context, name string, args []string) ([]byte, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	e.Logger.Debug().Str("cmd", cmd.String()).Msg("executing")

	if err := cmd.Run(); err != nil {
		exitErr := &ExitError{
			Cmd:      cmd.String(),
			ExitCode: -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitErr.ExitCode = ee.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			exitErr.Err = ctxErr
		}
		e.Logger.Debug().
			Str("cmd", exitErr.Cmd).
			Int("exit_code", exitErr.ExitCode).
			Str("stderr", exitErr.Stderr).
			Dur("elapsed", time.Since(start)).
			Msg("command failed")
		return nil, exitErr
	}

	e.Logger.Debug().
		Str("cmd", cmd.String()).
		Int("stdout_bytes", stdout.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("command completed")
	return stdout.Bytes(), nil
}
