// Package logtail parses the proxy access log into per-client activity
// snapshots.
package logtail

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

const tailChunkSize = 64 * 1024

// tailLines reads at most maxLines of trailing lines from path without
// loading the whole file. Rotated-away bytes are simply absent; the window
// math tolerates a short tail.
func tailLines(path string, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		maxLines = 30000
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat access log: %w", err)
	}

	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var (
		buf      []byte
		offset   = size
		newlines int
	)

	for offset > 0 && newlines <= maxLines {
		chunk := int64(tailChunkSize)
		if chunk > offset {
			chunk = offset
		}
		offset -= chunk

		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read access log: %w", err)
		}

		newlines += bytes.Count(part, []byte{'\n'})
		buf = append(part, buf...)
	}

	lines := strings.Split(string(buf), "\n")
	// First line may be partial when we stopped mid-file.
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:]
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimRight(line, "\r"); line != "" {
			out = append(out, line)
		}
	}

	if len(out) > maxLines {
		out = out[len(out)-maxLines:]
	}
	return out, nil
}
