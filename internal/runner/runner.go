// Package runner executes packet-filter commands through go-restricted-runner.
//
// By default commands run unrestricted (exec runner). A restricted runner type
// can be configured; when it is not available on the host the runner falls
// back to exec and records why.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

// Config selects the runner type and its restrictions.
type Config struct {
	// Type is exec, sandbox-exec, firejail or docker. Empty means exec.
	Type string
	// AllowNetworking is passed through to restricted runners when set.
	AllowNetworking   *bool
	AllowReadFolders  []string
	AllowWriteFolders []string
}

// Runner runs one-shot commands and collects their output.
type Runner struct {
	runner grrunner.Runner
	typ    string
	logger *slog.Logger
	// FallbackInfo is set when the requested type was unavailable.
	FallbackInfo *FallbackInfo
}

// FallbackInfo describes a fallback to the exec runner.
type FallbackInfo struct {
	RequestedType string
	FallbackType  string
	Reason        string
}

// New creates a runner for cfg, falling back to exec when the requested
// type cannot be created or its requirements are not met.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	runnerLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	requested := cfg.Type
	if requested == "" {
		requested = "exec"
	}

	r, err := grrunner.New(toRunnerType(requested), toRunnerOptions(cfg), runnerLogger)
	if err == nil {
		err = r.CheckImplicitRequirements()
	}

	var fallback *FallbackInfo
	typ := requested
	if err != nil {
		if logger != nil {
			logger.Warn("restricted runner not available, falling back to exec",
				"requested_type", requested,
				"error", err.Error())
		}
		fallback = &FallbackInfo{RequestedType: requested, FallbackType: "exec", Reason: err.Error()}
		r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, runnerLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
		}
		typ = "exec"
	}

	if logger != nil {
		logger.Debug("created command runner", "type", typ, "fallback", fallback != nil)
	}
	return &Runner{runner: r, typ: typ, logger: logger, FallbackInfo: fallback}, nil
}

// Run starts command with args, waits for it and returns its combined
// output. A non-zero exit is returned as an error that includes stderr.
func (r *Runner) Run(ctx context.Context, command string, args []string) ([]byte, error) {
	stdin, stdout, stderr, wait, err := r.runner.RunWithPipes(ctx, command, args, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	stdin.Close()

	var (
		wg     sync.WaitGroup
		errBuf bytes.Buffer
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&errBuf, stderr)
	}()
	out, readErr := io.ReadAll(stdout)
	wg.Wait()

	waitErr := wait()
	combined := append(out, errBuf.Bytes()...)
	if waitErr != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg == "" {
			return combined, fmt.Errorf("%s: %w", command, waitErr)
		}
		return combined, fmt.Errorf("%s: %w: %s", command, waitErr, msg)
	}
	if readErr != nil {
		return combined, fmt.Errorf("read %s output: %w", command, readErr)
	}
	return combined, nil
}

// Type returns the runner type in use.
func (r *Runner) Type() string { return r.typ }

// IsRestricted reports whether the runner applies restrictions.
func (r *Runner) IsRestricted() bool { return r.typ != "exec" }

func toRunnerOptions(cfg Config) grrunner.Options {
	options := grrunner.Options{}
	if cfg.AllowNetworking != nil {
		options["allow_networking"] = *cfg.AllowNetworking
	}
	if len(cfg.AllowReadFolders) > 0 {
		options["allow_read_folders"] = cfg.AllowReadFolders
	}
	if len(cfg.AllowWriteFolders) > 0 {
		options["allow_write_folders"] = cfg.AllowWriteFolders
	}
	return options
}

func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case "sandbox-exec":
		return grrunner.TypeSandboxExec
	case "firejail":
		return grrunner.TypeFirejail
	case "docker":
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}
