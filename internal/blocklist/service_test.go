package blocklist

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	return s
}

func TestAddAndContains(t *testing.T) {
	s := newService(t)

	require.NoError(t, s.AddEmail("Bounce@Example.com", "manual"))
	require.NoError(t, s.AddDomain("spam-haus.example", "manual"))

	assert.True(t, s.ContainsEmail("bounce@example.com"))
	assert.True(t, s.ContainsEmail("BOUNCE@EXAMPLE.COM"))
	assert.False(t, s.ContainsEmail("other@example.com"))
	assert.True(t, s.ContainsDomain("spam-haus.example"))
	assert.False(t, s.ContainsDomain("example.com"))
}

func TestAddDuplicateFails(t *testing.T) {
	s := newService(t)

	require.NoError(t, s.AddEmail("a@example.com", ""))
	err := s.AddEmail("a@example.com", "")
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	require.NoError(t, s.AddDomain("example.org", ""))
	assert.ErrorIs(t, s.AddDomain("example.org", ""), ErrDuplicateEntry)
}

func TestMalformedEntries(t *testing.T) {
	s := newService(t)

	assert.ErrorIs(t, s.AddEmail("not-an-email", ""), ErrMalformedEntry)
	assert.ErrorIs(t, s.AddEmail("@nodomain", ""), ErrMalformedEntry)
	assert.ErrorIs(t, s.AddDomain("has@sign.com", ""), ErrMalformedEntry)
	assert.ErrorIs(t, s.AddDomain("nodot", ""), ErrMalformedEntry)
}

func TestRemoveNotFound(t *testing.T) {
	s := newService(t)
	assert.ErrorIs(t, s.RemoveEmail("missing@example.com"), ErrNotFound)
	assert.ErrorIs(t, s.RemoveDomain("missing.example"), ErrNotFound)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.AddEmail("a@example.com", "bounce"))
	require.NoError(t, s.AddEmail("b@example.com", ""))
	require.NoError(t, s.AddDomain("blocked.example", "note with spaces"))
	require.NoError(t, s.Close())

	// List files are sorted, duplicate-free, one value per line.
	data, err := os.ReadFile(filepath.Join(dir, "blocked_emails.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a@example.com\tbounce\nb@example.com\n", string(data))

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	assert.True(t, s2.ContainsEmail("a@example.com"))
	assert.True(t, s2.ContainsEmail("b@example.com"))
	assert.True(t, s2.ContainsDomain("blocked.example"))
	assert.Equal(t, 2, s2.Stats().Emails)
}

func TestUndoRestoresFileBytes(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, s.AddEmail("keep@example.com", ""))
	emailsPath := filepath.Join(dir, "blocked_emails.txt")
	domainsPath := filepath.Join(dir, "blocked_domains.txt")
	beforeEmails, err := os.ReadFile(emailsPath)
	require.NoError(t, err)
	beforeDomains, err := os.ReadFile(domainsPath)
	require.NoError(t, err)

	require.NoError(t, s.AddEmail("transient@example.com", "oops"))
	_, err = s.UndoLast()
	require.NoError(t, err)

	afterEmails, err := os.ReadFile(emailsPath)
	require.NoError(t, err)
	afterDomains, err := os.ReadFile(domainsPath)
	require.NoError(t, err)

	assert.Equal(t, beforeEmails, afterEmails)
	assert.Equal(t, beforeDomains, afterDomains)
	assert.False(t, s.ContainsEmail("transient@example.com"))
}

func TestUndoRedoSequence(t *testing.T) {
	s := newService(t)

	require.NoError(t, s.AddEmail("a@example.com", ""))
	require.NoError(t, s.AddEmail("b@example.com", ""))

	// Undo both (LIFO): b first, then a.
	mut, err := s.UndoLast()
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", mut.Target)
	mut, err = s.UndoLast()
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", mut.Target)
	assert.False(t, s.ContainsEmail("a@example.com"))

	// Redo replays in undo order (FIFO): b first.
	mut, err = s.RedoLast()
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", mut.Target)
	assert.True(t, s.ContainsEmail("b@example.com"))
	assert.False(t, s.ContainsEmail("a@example.com"))

	mut, err = s.RedoLast()
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", mut.Target)
	assert.True(t, s.ContainsEmail("a@example.com"))

	_, err = s.RedoLast()
	assert.ErrorIs(t, err, ErrHistoryEmpty)
}

func TestUndoEmptyHistory(t *testing.T) {
	s := newService(t)
	_, err := s.UndoLast()
	assert.ErrorIs(t, err, ErrHistoryEmpty)
}

func TestNewMutationClearsRedo(t *testing.T) {
	s := newService(t)

	require.NoError(t, s.AddEmail("a@example.com", ""))
	_, err := s.UndoLast()
	require.NoError(t, err)

	require.NoError(t, s.AddEmail("b@example.com", ""))
	_, err = s.RedoLast()
	assert.ErrorIs(t, err, ErrHistoryEmpty)
}

func TestBulkAdd(t *testing.T) {
	s := newService(t)

	n, err := s.AddEmails([]string{
		"a@example.com", "b@example.com", "a@example.com", "malformed",
	}, "import")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// One undo reverts the whole bulk.
	_, err = s.UndoLast()
	require.NoError(t, err)
	assert.False(t, s.ContainsEmail("a@example.com"))
	assert.False(t, s.ContainsEmail("b@example.com"))
}

func TestSearchAndExport(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.AddEmail("bounce@gmail.com", ""))
	require.NoError(t, s.AddEmail("alice@corp.example", ""))
	require.NoError(t, s.AddDomain("gmail.com", ""))

	emails, domains := s.Search("gmail")
	assert.Equal(t, []string{"bounce@gmail.com"}, emails)
	assert.Equal(t, []string{"gmail.com"}, domains)

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf, "emails", "txt"))
	assert.Equal(t, "alice@corp.example\nbounce@gmail.com\n", buf.String())

	buf.Reset()
	require.NoError(t, s.Export(&buf, "domains", "csv"))
	assert.Contains(t, buf.String(), "value,note")
	assert.Contains(t, buf.String(), "gmail.com")
}

func TestHistoryRingBounded(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(Mutation{Target: string(rune('a' + i))})
	}
	assert.Equal(t, 3, h.Len())
	entries := h.Entries()
	assert.Equal(t, "c", entries[0].Target)
	assert.Equal(t, "e", entries[2].Target)
}
