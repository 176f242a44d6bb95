package blocklist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const commaLog = `st_text,ts,sub,frm,email,tag,mid,link
Hard bounce,2025-02-01 10:00:00,Offer,news@sender.example,one@gmail.com,camp1,m1,
Hard bounce,2025-02-01 10:00:01,Offer,news@sender.example,two@gmail.com,camp1,m2,
Delivered,2025-02-01 10:00:02,Offer,news@sender.example,fine@corp.example,camp1,m3,
Spam report,2025-02-01 10:00:03,Offer,news@sender.example,angry@corp.example,camp1,m4,
`

func TestImportCommaLog(t *testing.T) {
	s := newService(t)

	res, err := s.ImportFromLog(strings.NewReader(commaLog), ImportPolicy{Note: "feb-log"})
	require.NoError(t, err)

	assert.Equal(t, 4, res.RowsRead)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 1, res.Skipped) // Delivered is not allowlisted
	assert.True(t, s.ContainsEmail("one@gmail.com"))
	assert.True(t, s.ContainsEmail("angry@corp.example"))
	assert.False(t, s.ContainsEmail("fine@corp.example"))
	assert.Equal(t, 2, res.ByStatus["hard bounce"])
}

func TestImportSemicolonLogWithPromotion(t *testing.T) {
	s := newService(t)

	var sb strings.Builder
	sb.WriteString("Email;Status\n")
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		sb.WriteString(u + "@gmail.com;Hard bounce\n")
	}
	sb.WriteString("solo@yahoo.com;Unsubscribed\n")

	res, err := s.ImportFromLog(strings.NewReader(sb.String()),
		ImportPolicy{PromoteDomains: true})
	require.NoError(t, err)

	assert.Equal(t, 7, res.Added)
	assert.Equal(t, 7, s.Stats().Emails)
	// 6 >= K(5) promotes gmail.com; 1 yahoo.com entry does not.
	assert.True(t, s.ContainsDomain("gmail.com"))
	assert.False(t, s.ContainsDomain("yahoo.com"))
	assert.Equal(t, []string{"gmail.com"}, res.PromotedDomains)
}

func TestImportSemicolonHeaderContainingComma(t *testing.T) {
	s := newService(t)

	// The comma inside a column name must not flip the sniffer to comma mode.
	log := "Email Adresse;Status (hart, weich);Notiz\n" +
		"bounce@example.com;Hard bounce;alt\n" +
		"ok@example.com;Zugestellt;alt\n"

	res, err := s.ImportFromLog(strings.NewReader(log), ImportPolicy{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowsRead)
	assert.Equal(t, 1, res.Added)
	assert.True(t, s.ContainsEmail("bounce@example.com"))
	assert.False(t, s.ContainsEmail("ok@example.com"))
}

func TestImportIsOneUndoUnit(t *testing.T) {
	s := newService(t)

	var sb strings.Builder
	sb.WriteString("Email;Status\n")
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		sb.WriteString(u + "@gmail.com;Blocked\n")
	}
	_, err := s.ImportFromLog(strings.NewReader(sb.String()), ImportPolicy{PromoteDomains: true})
	require.NoError(t, err)
	require.True(t, s.ContainsDomain("gmail.com"))

	_, err = s.UndoLast()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Stats().Emails)
	assert.False(t, s.ContainsDomain("gmail.com"))
}

func TestImportDryRun(t *testing.T) {
	s := newService(t)

	var sb strings.Builder
	sb.WriteString("Email;Status\n")
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		sb.WriteString(u + "@gmail.com;Invalid\n")
	}

	res, err := s.ImportFromLog(strings.NewReader(sb.String()),
		ImportPolicy{PromoteDomains: true, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Added)
	assert.Equal(t, []string{"gmail.com"}, res.PromotedDomains)
	assert.Equal(t, 0, s.Stats().Emails)
	assert.False(t, s.ContainsDomain("gmail.com"))
}

func TestImportStatusFolding(t *testing.T) {
	s := newService(t)

	log := "Email;Status\n" +
		"a@example.com;hard_bounce\n" +
		"b@example.com;SPAM-REPORT\n" +
		"c@example.com;soft bounce\n"

	res, err := s.ImportFromLog(strings.NewReader(log), ImportPolicy{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.Skipped)
}

func TestImportBOMAndMalformedRows(t *testing.T) {
	s := newService(t)

	log := "\xEF\xBB\xBFEmail;Status\n" +
		"good@example.com;Blocked\n" +
		"no-at-sign;Blocked\n"

	res, err := s.ImportFromLog(strings.NewReader(log), ImportPolicy{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Malformed)
	assert.True(t, s.ContainsEmail("good@example.com"))
}

func TestImportUnrecognizedHeader(t *testing.T) {
	s := newService(t)
	_, err := s.ImportFromLog(strings.NewReader("foo,bar\n1,2\n"), ImportPolicy{})
	assert.ErrorIs(t, err, ErrMalformedEntry)
}
