package domain

import (
	"strings"
	"time"
)

// Classification partitions every processed address into exactly one bucket.
type Classification string

const (
	ClassClean         Classification = "clean"
	ClassBlockedEmail  Classification = "blocked_email"
	ClassBlockedDomain Classification = "blocked_domain"
	ClassInvalid       Classification = "invalid"
)

// Classifications lists all buckets in output order.
var Classifications = []Classification{
	ClassClean, ClassBlockedEmail, ClassBlockedDomain, ClassInvalid,
}

// Metadata carries the scraped page context attached to an address. All
// fields are optional; unknown vendor fields are preserved in Extra verbatim.
type Metadata struct {
	SourceURL        string `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	PageTitle        string `json:"page_title,omitempty" yaml:"page_title,omitempty"`
	CompanyName      string `json:"company_name,omitempty" yaml:"company_name,omitempty"`
	Phone            string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Country          string `json:"country,omitempty" yaml:"country,omitempty"`
	City             string `json:"city,omitempty" yaml:"city,omitempty"`
	AddressLine      string `json:"address_line,omitempty" yaml:"address_line,omitempty"`
	MetaDescription  string `json:"meta_description,omitempty" yaml:"meta_description,omitempty"`
	MetaKeywords     string `json:"meta_keywords,omitempty" yaml:"meta_keywords,omitempty"`
	Category         string `json:"category,omitempty" yaml:"category,omitempty"`
	ValidationStatus string `json:"validation_status,omitempty" yaml:"validation_status,omitempty"`
	ValidationLog    string `json:"validation_log,omitempty" yaml:"validation_log,omitempty"`
	ValidationDate   string `json:"validation_date,omitempty" yaml:"validation_date,omitempty"`

	// Anything that doesn't map to a canonical field.
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// IsEmpty reports whether no field carries a value.
func (m *Metadata) IsEmpty() bool {
	if m == nil {
		return true
	}
	return m.SourceURL == "" && m.PageTitle == "" && m.CompanyName == "" &&
		m.Phone == "" && m.Country == "" && m.City == "" && m.AddressLine == "" &&
		m.MetaDescription == "" && m.MetaKeywords == "" && m.Category == "" &&
		m.ValidationStatus == "" && m.ValidationLog == "" && m.ValidationDate == "" &&
		len(m.Extra) == 0
}

// Fields returns the canonical field set as a name→value map, excluding Extra.
// Used by the metadata store for field-level merge and provenance.
func (m *Metadata) Fields() map[string]string {
	if m == nil {
		return nil
	}
	return map[string]string{
		"source_url":        m.SourceURL,
		"page_title":        m.PageTitle,
		"company_name":      m.CompanyName,
		"phone":             m.Phone,
		"country":           m.Country,
		"city":              m.City,
		"address_line":      m.AddressLine,
		"meta_description":  m.MetaDescription,
		"meta_keywords":     m.MetaKeywords,
		"category":          m.Category,
		"validation_status": m.ValidationStatus,
		"validation_log":    m.ValidationLog,
		"validation_date":   m.ValidationDate,
	}
}

// SetField assigns a canonical field by name; unknown names land in Extra.
func (m *Metadata) SetField(name, value string) {
	switch name {
	case "source_url":
		m.SourceURL = value
	case "page_title":
		m.PageTitle = value
	case "company_name":
		m.CompanyName = value
	case "phone":
		m.Phone = value
	case "country":
		m.Country = value
	case "city":
		m.City = value
	case "address_line":
		m.AddressLine = value
	case "meta_description":
		m.MetaDescription = value
	case "meta_keywords":
		m.MetaKeywords = value
	case "category":
		m.Category = value
	case "validation_status":
		m.ValidationStatus = value
	case "validation_log":
		m.ValidationLog = value
	case "validation_date":
		m.ValidationDate = value
	default:
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[name] = value
	}
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Record is one input row: an address plus optional metadata and its origin.
type Record struct {
	Address    string    `json:"address"`
	SourceFile string    `json:"source_file"`
	SourceRow  int       `json:"source_row"`
	Metadata   *Metadata `json:"metadata,omitempty"`
}

// Domain returns the part after the last '@', lower-cased. Empty if the
// address carries no '@'.
func (r Record) Domain() string {
	return AddressDomain(r.Address)
}

// AddressDomain extracts the domain of a (normalized) address.
func AddressDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at >= len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// AddressLocal extracts the local part of a (normalized) address.
func AddressLocal(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return ""
	}
	return address[:at]
}

// FileFingerprint identifies a specific file content for the processing cache.
type FileFingerprint struct {
	Path            string    `json:"path"`
	ContentHash     string    `json:"content_hash"`
	Size            int64     `json:"size"`
	ModTime         time.Time `json:"mtime"`
	RowCount        int64     `json:"row_count"`
	EmittedRowCount int64     `json:"emitted_row_count"`
}

// PriorOutcome records how an address was classified in an earlier run.
type PriorOutcome struct {
	Address        string         `json:"address"`
	Classification Classification `json:"classification"`
	SourceHash     string         `json:"source_hash"`
	ProcessedAt    time.Time      `json:"processed_at"`
}

// FieldSource is the provenance of one metadata field value.
type FieldSource struct {
	SourceFileID string    `json:"source_file_id"`
	ObservedAt   time.Time `json:"observed_at"`
}
