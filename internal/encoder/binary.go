package encoder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

const defaultBinary = "ffmpeg"

// CommandFunc builds the command for an encoder invocation.
// exec.CommandContext in production; tests substitute a stand-in.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// ResolveBinary finds the encoder executable.
//
// An explicitly configured path wins. Otherwise a sidecar binary shipped next to
// the running executable is used if present, falling back to the one on PATH.
func ResolveBinary(configured string) string {
	if configured != "" {
		return configured
	}

	binaryName := defaultBinary
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}

	exe, err := os.Executable()
	if err == nil {
		sidecar := filepath.Join(filepath.Dir(exe), binaryName)
		if info, err := os.Stat(sidecar); err == nil && !info.IsDir() {
			return sidecar
		}
	}
	return defaultBinary
}
