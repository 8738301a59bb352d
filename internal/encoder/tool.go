package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// RunTool runs a one-shot encoder invocation to completion,
// logging its stderr at debug level.
func RunTool(ctx context.Context, config Config, args ...string) error {
	uuid := uuid.New()
	logger := slog.Default().With(
		"encoder tool uuid", uuid,
	)

	args = append(append([]string{}, quietArgs...), args...)
	cmd := config.command()(ctx, config.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	logger.Debug("encoder command", "binary", config.Binary, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		logger.Error("could not start encoder", "binary", config.Binary, "err", err)
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	logStderr(logger, stderr)

	if err := cmd.Wait(); err != nil {
		logger.Error("encoder failed", "err", err)
		return fmt.Errorf("%w: %w", ErrUnexpectedExit, err)
	}
	return nil
}
