// Package payload reads record payloads supplied on the command line.
package payload

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"pkt.systems/jpact"
)

// DefaultMaxBytes caps a payload read from a file or stdin.
const DefaultMaxBytes = 4 << 20

// Read returns at most maxBytes from r. When compactJSON is set the input
// must be valid JSON and insignificant whitespace is removed.
func Read(r io.Reader, maxBytes int64, compactJSON bool) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if compactJSON {
		buf, err := jpact.CompactToBuffer(r, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		return bytes.Clone(buf), nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("payload: exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// Load resolves a payload from an inline value or a file path ("-" is
// stdin). Inline wins when both are set.
func Load(inline, path string, stdin io.Reader, maxBytes int64, compactJSON bool) ([]byte, error) {
	switch {
	case inline != "":
		return Read(bytes.NewReader([]byte(inline)), maxBytes, compactJSON)
	case path == "":
		return nil, nil
	case path == "-":
		return Read(stdin, maxBytes, compactJSON)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	defer f.Close()
	return Read(f, maxBytes, compactJSON)
}
