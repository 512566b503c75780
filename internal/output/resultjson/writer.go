package resultjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"funnelscope/internal/logger"
	"funnelscope/pkg/models"
)

// Writer appends reports to a JSON lines file, or streams them to an
// io.Writer.
type Writer struct {
	mu      sync.Mutex
	closer  io.Closer
	encoder *json.Encoder
}

// NewWriter opens path for appending, creating parent directories.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Result JSON writer initialized: %s", path)
	return &Writer{closer: f, encoder: json.NewEncoder(f)}, nil
}

// NewStreamWriter writes indented reports to w and never closes it.
func NewStreamWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &Writer{encoder: enc}
}

// WriteReport encodes one report.
func (w *Writer) WriteReport(_ context.Context, report *models.Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closer != nil {
		err := w.closer.Close()
		w.closer = nil
		return err
	}
	return nil
}
