// Package blocklist holds the exact-email and domain blocklists behind an
// immutable-snapshot read path. Readers never take a lock; writers build a
// new snapshot, persist it, and swap it in atomically.
package blocklist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
)

var (
	// ErrDuplicateEntry is returned when adding a value that is already listed.
	ErrDuplicateEntry = errors.New("blocklist: duplicate entry")

	// ErrNotFound is returned when removing a value that is not listed.
	ErrNotFound = errors.New("blocklist: entry not found")

	// ErrMalformedEntry is returned for values that are not a plausible
	// address or domain.
	ErrMalformedEntry = errors.New("blocklist: malformed entry")

	// ErrHistoryEmpty is returned by Undo/Redo when there is nothing to replay.
	ErrHistoryEmpty = errors.New("blocklist: history empty")
)

const (
	emailsFile  = "blocked_emails.txt"
	domainsFile = "blocked_domains.txt"
	historyFile = "history.json"
)

// DefaultPromotionThreshold is K: domains with at least K distinct blocked
// addresses are promoted into the domain list during imports.
const DefaultPromotionThreshold = 5

// snapshot is the immutable read view. Value maps carry the operator note
// for each entry (empty string if none).
type snapshot struct {
	emails  map[string]string
	domains map[string]string
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		emails:  make(map[string]string, len(s.emails)),
		domains: make(map[string]string, len(s.domains)),
	}
	for k, v := range s.emails {
		next.emails[k] = v
	}
	for k, v := range s.domains {
		next.domains[k] = v
	}
	return next
}

// Options tunes a Service instance.
type Options struct {
	PromotionThreshold int // 0 = DefaultPromotionThreshold
	HistoryCapacity    int // 0 = DefaultHistoryCapacity
}

// Service is the blocklist with explicit lifecycle: Open loads the persisted
// lists, Close flushes them. Safe for concurrent use; reads are lock-free.
type Service struct {
	dir  string
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]

	history            *History
	promotionThreshold int
}

// Open loads (or initializes) the blocklist stores under dir.
func Open(dir string, opts Options) (*Service, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blocklist: create dir: %w", err)
	}

	threshold := opts.PromotionThreshold
	if threshold <= 0 {
		threshold = DefaultPromotionThreshold
	}
	capacity := opts.HistoryCapacity
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}

	s := &Service{
		dir:                dir,
		history:            NewHistory(capacity),
		promotionThreshold: threshold,
	}

	snap := &snapshot{emails: map[string]string{}, domains: map[string]string{}}
	if err := loadListFile(filepath.Join(dir, emailsFile), snap.emails); err != nil {
		return nil, err
	}
	if err := loadListFile(filepath.Join(dir, domainsFile), snap.domains); err != nil {
		return nil, err
	}
	s.snap.Store(snap)

	if err := s.history.LoadFrom(filepath.Join(dir, historyFile)); err != nil {
		// A damaged history snapshot costs undo depth, not list data.
		logger.Warn("blocklist history unreadable, starting empty", "err", err.Error())
	}

	logger.Info("blocklist loaded",
		"dir", dir, "emails", len(snap.emails), "domains", len(snap.domains))
	return s, nil
}

// Close persists both lists and the history ring.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(s.snap.Load()); err != nil {
		return err
	}
	return s.history.SaveTo(filepath.Join(s.dir, historyFile))
}

// ContainsEmail reports whether the exact address is blocked. Lock-free.
func (s *Service) ContainsEmail(address string) bool {
	_, ok := s.snap.Load().emails[strings.ToLower(strings.TrimSpace(address))]
	return ok
}

// ContainsDomain reports whether the domain is blocked. Lock-free.
func (s *Service) ContainsDomain(d string) bool {
	_, ok := s.snap.Load().domains[strings.ToLower(strings.TrimSpace(d))]
	return ok
}

// AddEmail adds one address to the email blocklist.
func (s *Service) AddEmail(address, note string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if !plausibleEmail(address) {
		return fmt.Errorf("%w: %q", ErrMalformedEntry, address)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, ok := cur.emails[address]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, address)
	}

	next := cur.clone()
	next.emails[address] = note
	if err := s.commitLocked(next, OpAddEmail, address, note, len(cur.emails), len(next.emails)); err != nil {
		return err
	}
	return nil
}

// AddDomain adds one domain to the domain blocklist.
func (s *Service) AddDomain(d, note string) error {
	d = strings.ToLower(strings.TrimSpace(d))
	if !plausibleDomain(d) {
		return fmt.Errorf("%w: %q", ErrMalformedEntry, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, ok := cur.domains[d]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, d)
	}

	next := cur.clone()
	next.domains[d] = note
	return s.commitLocked(next, OpAddDomain, d, note, len(cur.domains), len(next.domains))
}

// AddEmails adds a batch of addresses in one snapshot swap. Malformed and
// duplicate values are skipped; the returned count is the number added.
func (s *Service) AddEmails(addresses []string, note string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := cur.clone()
	added := 0
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if !plausibleEmail(a) {
			continue
		}
		if _, ok := next.emails[a]; ok {
			continue
		}
		next.emails[a] = note
		added++
	}
	if added == 0 {
		return 0, nil
	}
	err := s.commitLocked(next, OpBulkAddEmails,
		fmt.Sprintf("%d addresses", added), note, len(cur.emails), len(next.emails))
	if err != nil {
		return 0, err
	}
	return added, nil
}

// RemoveEmail removes one address from the email blocklist.
func (s *Service) RemoveEmail(address string) error {
	address = strings.ToLower(strings.TrimSpace(address))

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	note, ok := cur.emails[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	next := cur.clone()
	delete(next.emails, address)
	return s.commitLocked(next, OpRemoveEmail, address, note, len(cur.emails), len(next.emails))
}

// RemoveDomain removes one domain from the domain blocklist.
func (s *Service) RemoveDomain(d string) error {
	d = strings.ToLower(strings.TrimSpace(d))

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	note, ok := cur.domains[d]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}

	next := cur.clone()
	delete(next.domains, d)
	return s.commitLocked(next, OpRemoveDomain, d, note, len(cur.domains), len(next.domains))
}

// Stats describes the current lists.
type Stats struct {
	Emails             int `json:"emails"`
	Domains            int `json:"domains"`
	ProblematicDomains int `json:"problematic_domains"`
	HistoryEntries     int `json:"history_entries"`
}

// Stats returns counts for both lists plus the number of domains currently
// over the promotion threshold.
func (s *Service) Stats() Stats {
	snap := s.snap.Load()
	return Stats{
		Emails:             len(snap.emails),
		Domains:            len(snap.domains),
		ProblematicDomains: len(problematicDomains(snap.emails, s.promotionThreshold)),
		HistoryEntries:     s.history.Len(),
	}
}

// Search returns blocked emails and domains containing the given substring,
// case-folded.
func (s *Service) Search(term string) (emails, domains []string) {
	term = strings.ToLower(strings.TrimSpace(term))
	snap := s.snap.Load()
	for e := range snap.emails {
		if strings.Contains(e, term) {
			emails = append(emails, e)
		}
	}
	for d := range snap.domains {
		if strings.Contains(d, term) {
			domains = append(domains, d)
		}
	}
	sort.Strings(emails)
	sort.Strings(domains)
	return emails, domains
}

// Emails returns all blocked addresses, sorted.
func (s *Service) Emails() []string {
	return sortedKeys(s.snap.Load().emails)
}

// Domains returns all blocked domains, sorted.
func (s *Service) Domains() []string {
	return sortedKeys(s.snap.Load().domains)
}

// UndoLast reverts the most recent mutation (LIFO). The reverted mutation
// becomes eligible for RedoLast.
func (s *Service) UndoLast() (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mut, ok := s.history.PopForUndo()
	if !ok {
		return Mutation{}, ErrHistoryEmpty
	}

	next := s.applyInverse(s.snap.Load(), mut)
	if err := s.persistLocked(next); err != nil {
		s.history.UnpopUndo(mut)
		return Mutation{}, err
	}
	s.snap.Store(next)
	return mut, nil
}

// RedoLast replays the oldest undone mutation (FIFO). Replays are idempotent:
// re-adding an existing value or re-removing a missing one is a no-op.
func (s *Service) RedoLast() (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mut, ok := s.history.PopForRedo()
	if !ok {
		return Mutation{}, ErrHistoryEmpty
	}

	next := s.applyForward(s.snap.Load(), mut)
	if err := s.persistLocked(next); err != nil {
		return Mutation{}, err
	}
	s.snap.Store(next)
	s.history.Push(mut)
	return mut, nil
}

// applyInverse produces the snapshot with mut rolled back.
func (s *Service) applyInverse(cur *snapshot, mut Mutation) *snapshot {
	next := cur.clone()
	switch mut.Operation {
	case OpAddEmail:
		delete(next.emails, mut.Target)
	case OpAddDomain, OpPromoteDomain:
		delete(next.domains, mut.Target)
	case OpRemoveEmail:
		next.emails[mut.Target] = mut.Note
	case OpRemoveDomain:
		next.domains[mut.Target] = mut.Note
	case OpBulkAddEmails, OpImport:
		for _, e := range mut.AddedEmails {
			delete(next.emails, e)
		}
		for _, d := range mut.AddedDomains {
			delete(next.domains, d)
		}
	}
	return next
}

// applyForward replays mut onto the snapshot, idempotently.
func (s *Service) applyForward(cur *snapshot, mut Mutation) *snapshot {
	next := cur.clone()
	switch mut.Operation {
	case OpAddEmail:
		next.emails[mut.Target] = mut.Note
	case OpAddDomain, OpPromoteDomain:
		next.domains[mut.Target] = mut.Note
	case OpRemoveEmail:
		delete(next.emails, mut.Target)
	case OpRemoveDomain:
		delete(next.domains, mut.Target)
	case OpBulkAddEmails, OpImport:
		for _, e := range mut.AddedEmails {
			next.emails[e] = mut.Note
		}
		for _, d := range mut.AddedDomains {
			next.domains[d] = mut.Note
		}
	}
	return next
}

// commitLocked persists the candidate snapshot, swaps it in, and records the
// mutation. Callers hold s.mu. On persistence failure the old snapshot stays
// in place and nothing is recorded.
func (s *Service) commitLocked(next *snapshot, op Operation, target, note string, before, after int) error {
	return s.commitMutationLocked(next, Mutation{
		Timestamp:   time.Now().UTC(),
		Operation:   op,
		Target:      target,
		Note:        note,
		BeforeCount: before,
		AfterCount:  after,
	})
}

func (s *Service) commitMutationLocked(next *snapshot, mut Mutation) error {
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.snap.Store(next)
	s.history.Record(mut)
	return nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// problematicDomains counts distinct blocked addresses per domain and returns
// the domains at or over the threshold.
func problematicDomains(emails map[string]string, threshold int) []string {
	perDomain := make(map[string]int)
	for e := range emails {
		if d := domain.AddressDomain(e); d != "" {
			perDomain[d]++
		}
	}
	var out []string
	for d, n := range perDomain {
		if n >= threshold {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func plausibleEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	return at > 0 && at < len(s)-1 && strings.Contains(s[at+1:], ".")
}

func plausibleDomain(s string) bool {
	return s != "" && !strings.Contains(s, "@") && strings.Contains(s, ".")
}
