package encoder

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

// Longest stderr line logged whole, longer ones are logged in pieces.
const maxStderrLine = 16 * 1024

// scanStderrLines splits on '\n' and on the bare '\r' that ends each
// progress report. Without a delimiter in a full buffer the buffer itself is
// the token, so the scanner never fails with bufio.ErrTooLong.
func scanStderrLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF || len(data) >= maxStderrLine {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// logStderr logs every non-empty line of r at debug level until r is
// exhausted. Whatever follows a read error is discarded, so the writer
// never blocks on a full pipe.
func logStderr(logger *slog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxStderrLine)
	scanner.Split(scanStderrLines)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		logger.Debug("encoder stderr", "line", string(line))
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("encoder stderr unreadable, discarding", "err", err)
		_, _ = io.Copy(io.Discard, r)
	}
}
