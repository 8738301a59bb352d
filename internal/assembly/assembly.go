// Package assembly turns the segments of a finished recording into one file
// per direction, and those into a single mixed-down file.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrManifestReadFailed = errors.New("failed to read segment manifest")
	ErrNoSegments         = errors.New("no segments to assemble")
	errInvalidWAV         = errors.New("not a valid WAV file")
)

const (
	ConcatListName = "concat.txt"
	CombinedName   = "combined.wav"

	// Equal-weight mix of two mono tracks into one
	mergeFilter = "[0:a][1:a]amerge=inputs=2,pan=mono|c0=.5*c0+.5*c1[aout]"
)

// Per-direction directories inside a session
var streamDirs = []string{"input", "output"}

type Assembler struct {
	logger *slog.Logger
	uuid   uuid.UUID

	config encoder.Config
}

// The encoder config supplies the binary and, in tests, the command.
func New(config encoder.Config) *Assembler {
	uuid := uuid.New()
	logger := slog.Default().With(
		"assembler uuid", uuid,
	)
	return &Assembler{
		logger: logger,
		uuid:   uuid,
		config: config,
	}
}

// ConcatSegments joins the segments listed in dir's manifest into
// dir/combined.wav, returning its path.
func (a *Assembler) ConcatSegments(ctx context.Context, dir string) (string, error) {
	segments, err := encoder.ReadManifest(encoder.ManifestPath(dir))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrManifestReadFailed, err)
	}
	if len(segments) == 0 {
		a.logger.Info("no segments to concatenate", "dir", dir)
		return "", fmt.Errorf("%w: %s", ErrNoSegments, dir)
	}

	listPath := filepath.Join(dir, ConcatListName)
	if err := writeConcatList(listPath, dir, segments); err != nil {
		return "", err
	}

	output := filepath.Join(dir, CombinedName)
	err = encoder.RunTool(ctx, a.config,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	)
	if err != nil {
		return "", err
	}

	a.logger.Info("concatenated segments", "dir", dir, "segments", len(segments))
	return output, nil
}

// Write one `file '<path>'` line per segment. Relative entries are taken
// relative to dir.
func writeConcatList(path, dir string, segments []string) error {
	var b strings.Builder
	for _, s := range segments {
		if !filepath.IsAbs(s) {
			s = filepath.Join(dir, s)
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(s, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// CombineSegments mixes sessionDir/input/combined.wav and
// sessionDir/output/combined.wav down into sessionDir/combined.wav.
func (a *Assembler) CombineSegments(ctx context.Context, sessionDir string) (string, error) {
	output := filepath.Join(sessionDir, CombinedName)
	err := encoder.RunTool(ctx, a.config,
		"-y",
		"-i", filepath.Join(sessionDir, "input", CombinedName),
		"-i", filepath.Join(sessionDir, "output", CombinedName),
		"-filter_complex", mergeFilter,
		"-map", "[aout]",
		"-c:a", "pcm_s16le",
		output,
	)
	if err != nil {
		return "", err
	}

	a.logger.Info("combined streams", "output", output)
	return output, nil
}

// --------------------------------------------------------------------------------

// Assemble concatenates every recorded direction of a session, in parallel,
// and merges the results. Directions whose manifest lists no segments are
// left out. With a single direction left its file is copied into place instead.
//
// Returns the path of sessionDir/combined.wav.
func (a *Assembler) Assemble(ctx context.Context, sessionDir string) (string, error) {
	dirs := make([]string, 0, len(streamDirs))
	found := 0
	for _, name := range streamDirs {
		dir := filepath.Join(sessionDir, name)
		segments, err := encoder.ReadManifest(encoder.ManifestPath(dir))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrManifestReadFailed, err)
		}
		found++
		if len(segments) == 0 {
			a.logger.Warn("direction recorded no segments, leaving it out", "dir", dir)
			continue
		}
		dirs = append(dirs, dir)
	}
	if found == 0 {
		return "", fmt.Errorf("%w: %s: %w", ErrManifestReadFailed, sessionDir, os.ErrNotExist)
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSegments, sessionDir)
	}

	outputs := make([]string, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	for i, dir := range dirs {
		g.Go(func() error {
			output, err := a.ConcatSegments(gctx, dir)
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(dir), err)
			}
			outputs[i] = output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if len(outputs) == 1 {
		output := filepath.Join(sessionDir, CombinedName)
		a.logger.Info("single stream recorded, copying", "from", outputs[0])
		if err := copyFile(outputs[0], output); err != nil {
			return "", err
		}
		return output, nil
	}
	return a.CombineSegments(ctx, sessionDir)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// --------------------------------------------------------------------------------

// Duration of a WAV file, from its header.
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%w: %s", errInvalidWAV, path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", errInvalidWAV, path, err)
	}
	if dec.AvgBytesPerSec == 0 {
		return 0, fmt.Errorf("%w: %s: zero byte rate", errInvalidWAV, path)
	}
	return time.Duration(float64(dec.PCMSize) / float64(dec.AvgBytesPerSec) * float64(time.Second)), nil
}
