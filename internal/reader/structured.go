package reader

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/timujinne/email-checker-sub002/internal/domain"
)

// Element local names that open one record. Matching ignores namespaces.
var recordElements = map[string]bool{
	"record": true, "row": true, "item": true, "entry": true,
	"contact": true, "lead": true,
}

// fieldAliases maps element local names to canonical metadata fields.
// Vendor exports disagree on naming; unknown elements land in Extra.
var fieldAliases = map[string]string{
	"email": "email", "e-mail": "email", "emailaddress": "email", "mail": "email",

	"url": "source_url", "source_url": "source_url", "website": "source_url",
	"title": "page_title", "page_title": "page_title",
	"company": "company_name", "companyname": "company_name", "company_name": "company_name",
	"phone": "phone", "tel": "phone", "telephone": "phone",
	"country": "country",
	"city":    "city",
	"address": "address_line", "address_line": "address_line", "street": "address_line",
	"description": "meta_description", "meta_description": "meta_description",
	"keywords": "meta_keywords", "meta_keywords": "meta_keywords",
	"category": "category", "industry": "category",
	"validation_status": "validation_status", "status": "validation_status",
	"validation_log": "validation_log",
	"validation_date": "validation_date",
}

// structuredReader streams records out of an XML-style export. It tolerates
// namespace drift (only local names matter) and control-character noise,
// which the underlying reader strips before the parser sees it.
type structuredReader struct {
	path   string
	closer io.Closer
	dec    *xml.Decoder
	row    int
}

func newStructuredReader(path string, rc io.ReadCloser) *structuredReader {
	dec := xml.NewDecoder(&controlStripper{r: stripBOM(rc)})
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	return &structuredReader{path: path, closer: rc, dec: dec}
}

func (s *structuredReader) Next() (*domain.Record, error) {
	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			// Document-level parse failure; the file cannot continue.
			return nil, fmt.Errorf("reader: parse %s: %w", s.path, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || !recordElements[strings.ToLower(se.Name.Local)] {
			continue
		}

		s.row++
		rec, err := s.decodeRecord(se.Name)
		if err != nil {
			return nil, &ReadError{Path: s.path, Row: s.row, Cause: err}
		}
		rec.SourceFile = s.path
		rec.SourceRow = s.row
		return rec, nil
	}
}

// decodeRecord consumes tokens until the record element closes, collecting
// leaf element text. Records without an address come back with an empty
// Address; the pipeline accounts for them as invalid instead of dropping.
func (s *structuredReader) decodeRecord(open xml.Name) (*domain.Record, error) {
	rec := &domain.Record{}
	md := &domain.Metadata{}
	var (
		field string
		text  strings.Builder
		depth int
	)

	for {
		tok, err := s.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("truncated record: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			field = strings.ToLower(t.Name.Local)
			text.Reset()
		case xml.CharData:
			if depth > 0 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				if strings.EqualFold(t.Name.Local, open.Local) {
					if !md.IsEmpty() {
						rec.Metadata = md
					}
					return rec, nil
				}
				continue
			}
			depth--
			value := strings.TrimSpace(text.String())
			if field == "" || value == "" {
				field = ""
				continue
			}
			if canonical, ok := fieldAliases[field]; ok {
				if canonical == "email" {
					rec.Address = value
				} else {
					md.SetField(canonical, value)
				}
			} else {
				md.SetField(field, value)
			}
			field = ""
			text.Reset()
		}
	}
}

func (s *structuredReader) Close() error { return s.closer.Close() }

// controlStripper removes low-order control characters (everything below
// 0x20 except tab, LF and CR) so scraped exports with embedded noise still
// parse.
type controlStripper struct {
	r io.Reader
}

func (c *controlStripper) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n == 0 {
		return n, err
	}
	w := 0
	for _, b := range p[:n] {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			continue
		}
		p[w] = b
		w++
	}
	if w == 0 && err == nil {
		// Everything in this chunk was noise; pull more.
		return c.Read(p)
	}
	return w, err
}
