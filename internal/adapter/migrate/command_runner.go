package migrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/V4T54L/tenant-plane/internal/adapter/redact"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

const (
	urlPlaceholder = "{url}"
	maxOutput      = 4096
)

// CommandRunner applies the tenant schema by running an external migration
// tool such as golang-migrate against the new database.
type CommandRunner struct {
	command string
	args    []string
	version string
	timeout time.Duration
	logger  *slog.Logger
}

func NewCommandRunner(command string, args []string, version string, timeout time.Duration, logger *slog.Logger) *CommandRunner {
	return &CommandRunner{
		command: command,
		args:    args,
		version: version,
		timeout: timeout,
		logger:  logger.With("component", "migration_runner"),
	}
}

// Migrate runs the command with {url} replaced by dbURL and DATABASE_URL set
// in its environment. The tool is expected to skip applied migrations.
func (r *CommandRunner) Migrate(ctx context.Context, dbURL string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := make([]string, len(r.args))
	for i, a := range r.args {
		args[i] = strings.ReplaceAll(a, urlPlaceholder, dbURL)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Env = append(os.Environ(), "DATABASE_URL="+dbURL)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	output := redact.Text(truncate(out.String()))
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		var exitErr *exec.ExitError
		exitCode := -1
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Error("tenant migration failed",
			"database", redact.URL(dbURL), "exit_code", exitCode, "output", output, "duration", time.Since(start))
		return "", fmt.Errorf("%w: exit code %d: %s", domain.ErrMigrationFailed, exitCode, lastLine(output))
	}

	r.logger.Info("tenant migration applied", "database", redact.URL(dbURL), "version", r.version, "duration", time.Since(start))
	return r.version, nil
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
