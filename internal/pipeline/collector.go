package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/writer"
)

// collector buffers one file's classified addresses per category. When a
// category buffer exceeds the flush threshold, it is spilled to a temporary
// sibling of the final output; the finalize step merges spill and buffer,
// sorts, and renames into place. Abandoning a collector removes the spills
// so a cancelled run leaves no renamed outputs.
type collector struct {
	out       *writer.Writer
	source    string
	threshold int

	mu      sync.Mutex
	buffers map[domain.Classification][]string
	spills  map[domain.Classification]*os.File
	meta    []writer.MetaRow
}

func newCollector(out *writer.Writer, source string, threshold int) *collector {
	return &collector{
		out:       out,
		source:    source,
		threshold: threshold,
		buffers:   make(map[domain.Classification][]string),
		spills:    make(map[domain.Classification]*os.File),
	}
}

// Add records one classified address.
func (c *collector) Add(class domain.Classification, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffers[class] = append(c.buffers[class], address)
	if len(c.buffers[class]) < c.threshold {
		return nil
	}
	return c.spillLocked(class)
}

// AddMeta records a clean address's metadata for the sidecars.
func (c *collector) AddMeta(address string, md *domain.Metadata) {
	c.mu.Lock()
	c.meta = append(c.meta, writer.MetaRow{Address: address, Metadata: md})
	c.mu.Unlock()
}

func (c *collector) spillLocked(class domain.Classification) error {
	f, ok := c.spills[class]
	if !ok {
		final := c.out.CategoryPath(c.source, class)
		var err error
		f, err = os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".tmp-spill-*")
		if err != nil {
			return fmt.Errorf("pipeline: create spill for %s: %w", final, err)
		}
		c.spills[class] = f
	}
	for _, a := range c.buffers[class] {
		if _, err := fmt.Fprintln(f, a); err != nil {
			return fmt.Errorf("pipeline: spill write: %w", err)
		}
	}
	c.buffers[class] = c.buffers[class][:0]
	return nil
}

// Finalize writes all category outputs and the metadata sidecars, returning
// the output paths.
func (c *collector) Finalize(withSidecars bool) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var outputs []string
	for _, class := range domain.Classifications {
		addresses := append([]string(nil), c.buffers[class]...)

		if f, ok := c.spills[class]; ok {
			spilled, err := readSpill(f)
			if err != nil {
				c.discardLocked()
				return nil, err
			}
			addresses = append(addresses, spilled...)
			os.Remove(f.Name())
			delete(c.spills, class)
		}

		path, err := c.out.WriteCategory(c.source, class, addresses)
		if err != nil {
			c.discardLocked()
			return nil, err
		}
		outputs = append(outputs, path)
	}

	if withSidecars && len(c.meta) > 0 {
		jsonPath, err := c.out.WriteMetadataNDJSON(c.source, c.meta)
		if err != nil {
			return nil, err
		}
		csvPath, err := c.out.WriteMetadataCSV(c.source, c.meta)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, jsonPath, csvPath)
	}
	return outputs, nil
}

// Discard drops buffers and removes spill temporaries without renaming
// anything into place.
func (c *collector) Discard() {
	c.mu.Lock()
	c.discardLocked()
	c.mu.Unlock()
}

func (c *collector) discardLocked() {
	for class, f := range c.spills {
		f.Close()
		os.Remove(f.Name())
		delete(c.spills, class)
	}
	c.buffers = make(map[domain.Classification][]string)
	c.meta = nil
}

func readSpill(f *os.File) ([]string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("pipeline: rewind spill: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: read spill: %w", err)
	}
	return out, nil
}
