// Package reader turns input files into lazy sequences of Records. Two
// formats are supported: plain text (one address per line, optional extra
// columns) and structured XML-style exports. The format is picked by file
// extension.
package reader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/timujinne/email-checker-sub002/internal/domain"
)

// Source is a lazy forward-only record stream. Next returns io.EOF when the
// input is exhausted; a *ReadError signals a recoverable record-level
// failure, any other error aborts the file.
type Source interface {
	Next() (*domain.Record, error)
	Close() error
}

// ReadError is a recoverable failure tied to one row of one file.
type ReadError struct {
	Path  string
	Row   int
	Cause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s row %d: %v", e.Path, e.Row, e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// Open opens the right reader for path. Files ending in .xml or .lvp get the
// structured reader; everything else is treated as plain text.
func Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: open %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml", ".lvp":
		return newStructuredReader(path, f), nil
	default:
		return newTextReader(path, f), nil
	}
}

// stripBOM drops a leading UTF-8 BOM.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return strings.NewReader(string(buf[:n]))
	}
	if buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), r)
}
