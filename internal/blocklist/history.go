package blocklist

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryCapacity bounds the mutation ring.
const DefaultHistoryCapacity = 100

// Operation names a blocklist mutation kind.
type Operation string

const (
	OpAddEmail      Operation = "add_email"
	OpAddDomain     Operation = "add_domain"
	OpRemoveEmail   Operation = "remove_email"
	OpRemoveDomain  Operation = "remove_domain"
	OpBulkAddEmails Operation = "bulk_add_emails"
	OpImport        Operation = "import"
	OpPromoteDomain Operation = "promote_domain"
)

// Mutation is one history entry. Bulk operations carry the exact values they
// added so undo can roll them back precisely.
type Mutation struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Operation   Operation `json:"operation"`
	Target      string    `json:"target"`
	Note        string    `json:"note,omitempty"`
	BeforeCount int       `json:"before_count"`
	AfterCount  int       `json:"after_count"`

	AddedEmails  []string `json:"added_emails,omitempty"`
	AddedDomains []string `json:"added_domains,omitempty"`
}

// History is a bounded ring of mutations plus a FIFO redo queue. A new
// mutation recorded after an undo clears the redo queue.
type History struct {
	mu   sync.Mutex
	ring []Mutation
	cap  int
	redo []Mutation
}

// NewHistory creates a history ring with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{cap: capacity}
}

// Record pushes a fresh mutation, assigning it an ID, evicting the oldest
// entry when full, and invalidating any pending redos.
func (h *History) Record(mut Mutation) {
	if mut.ID == "" {
		mut.ID = uuid.New().String()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = append(h.ring, mut)
	if len(h.ring) > h.cap {
		h.ring = h.ring[len(h.ring)-h.cap:]
	}
	h.redo = nil
}

// Push re-appends a redone mutation without touching the redo queue.
func (h *History) Push(mut Mutation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = append(h.ring, mut)
	if len(h.ring) > h.cap {
		h.ring = h.ring[len(h.ring)-h.cap:]
	}
}

// PopForUndo removes and returns the most recent mutation (LIFO) and parks
// it on the redo queue.
func (h *History) PopForUndo() (Mutation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) == 0 {
		return Mutation{}, false
	}
	mut := h.ring[len(h.ring)-1]
	h.ring = h.ring[:len(h.ring)-1]
	h.redo = append(h.redo, mut)
	return mut, true
}

// UnpopUndo restores a mutation whose undo failed to persist.
func (h *History) UnpopUndo(mut Mutation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = append(h.ring, mut)
	if len(h.redo) > 0 && h.redo[len(h.redo)-1].ID == mut.ID {
		h.redo = h.redo[:len(h.redo)-1]
	}
}

// PopForRedo removes and returns the oldest undone mutation (FIFO).
func (h *History) PopForRedo() (Mutation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.redo) == 0 {
		return Mutation{}, false
	}
	mut := h.redo[0]
	h.redo = h.redo[1:]
	return mut, true
}

// Len returns the number of recorded mutations.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

// Entries returns a copy of the ring, oldest first.
func (h *History) Entries() []Mutation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Mutation, len(h.ring))
	copy(out, h.ring)
	return out
}

type historySnapshot struct {
	Ring []Mutation `json:"ring"`
	Redo []Mutation `json:"redo,omitempty"`
}

// SaveTo writes the ring to a JSON snapshot.
func (h *History) SaveTo(path string) error {
	h.mu.Lock()
	snap := historySnapshot{
		Ring: append([]Mutation(nil), h.ring...),
		Redo: append([]Mutation(nil), h.redo...),
	}
	h.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFrom restores the ring from a JSON snapshot. Missing file is fine.
func (h *History) LoadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap historySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	h.mu.Lock()
	h.ring = snap.Ring
	if len(h.ring) > h.cap {
		h.ring = h.ring[len(h.ring)-h.cap:]
	}
	h.redo = snap.Redo
	h.mu.Unlock()
	return nil
}
