package blocklist

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// List files are sorted append-logs: one entry per line, `value<TAB>note`
// with the note column omitted when empty. Rewritten whole on every commit
// via temp-and-rename so a crash never leaves a torn file.

func loadListFile(path string, into map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("blocklist: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		value, note := line, ""
		if idx := strings.IndexByte(line, '\t'); idx >= 0 {
			value, note = line[:idx], strings.TrimSpace(line[idx+1:])
		}
		into[strings.ToLower(value)] = note
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("blocklist: read %s: %w", path, err)
	}
	return nil
}

func writeListFile(path string, entries map[string]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("blocklist: create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, value := range sortedKeys(entries) {
		if note := entries[value]; note != "" {
			fmt.Fprintf(w, "%s\t%s\n", value, note)
		} else {
			fmt.Fprintln(w, value)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// persistLocked writes both list files for the candidate snapshot. Callers
// hold s.mu.
func (s *Service) persistLocked(snap *snapshot) error {
	if err := writeListFile(filepath.Join(s.dir, emailsFile), snap.emails); err != nil {
		return err
	}
	return writeListFile(filepath.Join(s.dir, domainsFile), snap.domains)
}

// Export writes one list in the given format. Formats: "txt" (one value per
// line, sorted) and "csv" (value,note with RFC 4180 quoting).
func (s *Service) Export(w io.Writer, list, format string) error {
	snap := s.snap.Load()
	var entries map[string]string
	switch list {
	case "emails":
		entries = snap.emails
	case "domains":
		entries = snap.domains
	default:
		return fmt.Errorf("blocklist: unknown list %q", list)
	}

	switch format {
	case "txt", "":
		bw := bufio.NewWriter(w)
		for _, v := range sortedKeys(entries) {
			fmt.Fprintln(bw, v)
		}
		return bw.Flush()
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"value", "note"}); err != nil {
			return err
		}
		for _, v := range sortedKeys(entries) {
			if err := cw.Write([]string{v, entries[v]}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("blocklist: unknown export format %q", format)
	}
}
