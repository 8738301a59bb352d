package encoder

import (
	"bufio"
	"os"
	"strings"
)

// ReadManifest returns the segment paths listed in a manifest, in order.
// Blank lines are skipped.
func ReadManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	segments := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		segments = append(segments, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return segments, nil
}

// CountManifest returns the number of segments listed in a manifest.
// A manifest that does not exist yet counts as empty.
func CountManifest(path string) (int, error) {
	segments, err := ReadManifest(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(segments), nil
}
