package reader

import (
	"bufio"
	"io"
	"strings"

	"github.com/timujinne/email-checker-sub002/internal/domain"
)

// textReader reads one address per line. A line may carry extra columns
// after the first separator (comma, semicolon or tab); they are preserved
// opaquely in metadata. Blank lines and '#' comments are skipped. Rows are
// counted from 1 including skipped lines.
type textReader struct {
	path    string
	closer  io.Closer
	scanner *bufio.Scanner
	row     int
}

func newTextReader(path string, rc io.ReadCloser) *textReader {
	sc := bufio.NewScanner(stripBOM(rc))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &textReader{path: path, closer: rc, scanner: sc}
}

func (t *textReader) Next() (*domain.Record, error) {
	for t.scanner.Scan() {
		t.row++
		line := strings.TrimRight(t.scanner.Text(), "\r")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		addr, extra := splitLine(line)
		rec := &domain.Record{
			Address:    addr,
			SourceFile: t.path,
			SourceRow:  t.row,
		}
		if extra != "" {
			rec.Metadata = &domain.Metadata{
				Extra: map[string]string{"extra_columns": extra},
			}
		}
		return rec, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, &ReadError{Path: t.path, Row: t.row + 1, Cause: err}
	}
	return nil, io.EOF
}

func (t *textReader) Close() error { return t.closer.Close() }

// splitLine separates the address from trailing columns at the first
// separator found. The remainder is kept verbatim.
func splitLine(line string) (addr, extra string) {
	if i := strings.IndexAny(line, ",;\t"); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return line, ""
}
