package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// Source yields raw JSON payloads. Next returns (nil, nil) when nothing
// arrived in time and io.EOF once the source is exhausted.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

const maxLineBytes = 4 << 20

// FileSource reads newline-delimited JSON.
type FileSource struct {
	closer  io.Closer
	scanner *bufio.Scanner
}

// OpenFile opens a JSONL file; "-" reads standard input.
func OpenFile(path string) (*FileSource, error) {
	if path == "-" {
		return NewReaderSource(os.Stdin, nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ingest file: %w", err)
	}
	return NewReaderSource(f, f), nil
}

// NewReaderSource wraps r; closer may be nil.
func NewReaderSource(r io.Reader, closer io.Closer) *FileSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &FileSource{closer: closer, scanner: scanner}
}

// Next returns the next non-blank line.
func (s *FileSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
