package blocklist

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
)

// ImportPolicy controls how a delivery-log import is applied.
type ImportPolicy struct {
	// Statuses is the allowlist of row statuses that trigger an addition.
	// Empty means DefaultImportStatuses. Matching is case- and
	// punctuation-insensitive ("Hard bounce" == "hard_bounce").
	Statuses []string

	// PromoteDomains re-derives problematic domains after the import and
	// adds them to the domain blocklist.
	PromoteDomains bool

	// DryRun classifies rows and reports what would change without
	// mutating the lists.
	DryRun bool

	// Note is attached to every entry added by this import.
	Note string
}

// DefaultImportStatuses is the allowlist applied when the policy names none.
var DefaultImportStatuses = []string{
	"hard bounce", "blocked", "complaint", "unsubscribed", "invalid", "spam report",
}

// ImportResult summarizes one log import.
type ImportResult struct {
	RowsRead        int            `json:"rows_read"`
	Added           int            `json:"added"`
	Duplicates      int            `json:"duplicates"`
	Skipped         int            `json:"skipped"` // status not in allowlist
	Malformed       int            `json:"malformed"`
	ByStatus        map[string]int `json:"by_status"`
	PromotedDomains []string       `json:"promoted_domains,omitempty"`
}

// ImportFromLog reads a delivery-log CSV and adds every row whose status is
// allowlisted. Two shapes are recognized: the comma-separated export with
// header st_text,ts,sub,frm,email,tag,mid,link, and semicolon-separated logs
// with an "email" column and a status column. The whole import commits as a
// single history entry, so one undo reverts it entirely.
func (s *Service) ImportFromLog(r io.Reader, policy ImportPolicy) (*ImportResult, error) {
	allow := buildStatusSet(policy.Statuses)
	res := &ImportResult{ByStatus: make(map[string]int)}

	header, rows, err := openLog(r)
	if err != nil {
		return nil, err
	}

	emailIdx, statusIdx := mapLogColumns(header)
	if emailIdx < 0 || statusIdx < 0 {
		return nil, fmt.Errorf("%w: no email/status columns in header %v", ErrMalformedEntry, header)
	}

	candidates := make(map[string]struct{})
	for {
		row, err := rows.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Malformed++
			continue
		}
		res.RowsRead++

		if emailIdx >= len(row) || statusIdx >= len(row) {
			res.Malformed++
			continue
		}
		status := foldStatus(row[statusIdx])
		res.ByStatus[status]++
		if _, ok := allow[status]; !ok {
			res.Skipped++
			continue
		}

		addr := strings.ToLower(strings.TrimSpace(row[emailIdx]))
		if !plausibleEmail(addr) {
			res.Malformed++
			continue
		}
		candidates[addr] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := cur.clone()

	var added []string
	for addr := range candidates {
		if _, ok := next.emails[addr]; ok {
			res.Duplicates++
			continue
		}
		next.emails[addr] = policy.Note
		added = append(added, addr)
	}
	sort.Strings(added)
	res.Added = len(added)

	// Domain promotion runs only inside imports, over the full post-import
	// email set.
	var promoted []string
	if policy.PromoteDomains {
		for _, d := range problematicDomains(next.emails, s.promotionThreshold) {
			if _, ok := next.domains[d]; ok {
				continue
			}
			promoted = append(promoted, d)
		}
	}

	if policy.DryRun {
		res.PromotedDomains = promoted
		return res, nil
	}

	for _, d := range promoted {
		next.domains[d] = fmt.Sprintf("promoted: >=%d blocked addresses", s.promotionThreshold)
	}
	res.PromotedDomains = promoted

	if res.Added == 0 && len(promoted) == 0 {
		return res, nil
	}

	mut := Mutation{
		Timestamp:    time.Now().UTC(),
		Operation:    OpImport,
		Target:       fmt.Sprintf("%d rows", res.RowsRead),
		Note:         policy.Note,
		BeforeCount:  len(cur.emails),
		AfterCount:   len(next.emails),
		AddedEmails:  added,
		AddedDomains: promoted,
	}
	if err := s.commitMutationLocked(next, mut); err != nil {
		return nil, err
	}

	logger.Info("blocklist import committed",
		"rows", res.RowsRead, "added", res.Added,
		"duplicates", res.Duplicates, "promoted", len(promoted))
	return res, nil
}

// openLog sniffs the delimiter from the raw header line and returns the
// parsed header plus a reader positioned at the first data row. Counting both
// delimiters in the raw line keeps a semicolon header honest even when its
// column names contain commas.
func openLog(r io.Reader) ([]string, *csv.Reader, error) {
	br := bufio.NewReader(stripBOM(r))

	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("%w: read header: %v", ErrMalformedEntry, err)
	}
	if strings.TrimSpace(line) == "" {
		return nil, nil, fmt.Errorf("%w: read header: empty input", ErrMalformedEntry)
	}

	sep := byte(',')
	if strings.Count(line, ";") > strings.Count(line, ",") {
		sep = ';'
	}

	cr := csv.NewReader(io.MultiReader(strings.NewReader(line), br))
	cr.Comma = rune(sep)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read header: %v", ErrMalformedEntry, err)
	}
	return header, cr, nil
}

// mapLogColumns locates the email and status columns. The comma export names
// them "email" and "st_text"; semicolon logs vary, so any header containing
// "email" or "status"/"st_text" qualifies.
func mapLogColumns(header []string) (emailIdx, statusIdx int) {
	emailIdx, statusIdx = -1, -1
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case emailIdx < 0 && strings.Contains(h, "email"):
			emailIdx = i
		case statusIdx < 0 && (h == "st_text" || strings.Contains(h, "status") || strings.Contains(h, "st_")):
			statusIdx = i
		}
	}
	// The comma export leads with st_text before the email column.
	if statusIdx < 0 {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), "st_text") {
				statusIdx = i
			}
		}
	}
	return emailIdx, statusIdx
}

func buildStatusSet(statuses []string) map[string]struct{} {
	if len(statuses) == 0 {
		statuses = DefaultImportStatuses
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		set[foldStatus(s)] = struct{}{}
	}
	return set
}

// foldStatus lower-cases a status and collapses punctuation so that
// "Hard bounce", "hard_bounce" and "hard-bounce" compare equal.
func foldStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// stripBOM drops a UTF-8 BOM if present.
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
