// Package address canonicalizes raw email strings and rejects malformed or
// technical tokens (hash digests, UUIDs, telemetry hosts) before they reach
// the pipeline.
package address

import (
	"fmt"
	"strings"
)

// InvalidError reports why an input could not be normalized into an address.
type InvalidError struct {
	Input  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Input, e.Reason)
}

// Telemetry and crash-reporting hosts whose inbound tokens look like
// addresses but never belong on a marketing list. Matched case-insensitively
// as substrings of the domain.
var telemetryHosts = []string{
	"sentry",
	"bugsnag",
	"newrelic",
	"rollbar",
	"datadog",
	"crashlytics",
	"raygun",
}

const maxLocalLen = 64

// Normalize canonicalizes a raw input into a lower-cased ASCII address, or
// returns *InvalidError. Normalize is idempotent: feeding its output back in
// yields the same string.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	// Scraped inputs arrive with URL-encoding residue ("20" from %20) and
	// protocol-relative prefixes. Strip until stable so normalization stays
	// idempotent.
	for {
		prev := s
		s = strings.TrimPrefix(s, "//")
		s = strings.TrimPrefix(s, "20")
		s = strings.TrimLeft(s, ".-+_")
		if s == prev {
			break
		}
	}
	s = strings.ToLower(s)

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return "", &InvalidError{Input: raw, Reason: "missing @"}
	}
	local, domain := s[:at], s[at+1:]

	// Drop one trailing dot on the local part; anything left is rejected below.
	local = strings.TrimSuffix(local, ".")
	s = local + "@" + domain

	if local == "" {
		return "", &InvalidError{Input: raw, Reason: "empty local part"}
	}
	if domain == "" {
		return "", &InvalidError{Input: raw, Reason: "empty domain"}
	}
	if len(local) > maxLocalLen {
		return "", &InvalidError{Input: raw, Reason: "local part exceeds 64 characters"}
	}
	if strings.Contains(s, "..") {
		return "", &InvalidError{Input: raw, Reason: "consecutive dots"}
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		return "", &InvalidError{Input: raw, Reason: "local part begins or ends with a dot"}
	}
	if !strings.Contains(domain, ".") {
		return "", &InvalidError{Input: raw, Reason: "domain has no dot"}
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") ||
		strings.HasPrefix(domain, "-") || strings.HasSuffix(domain, "-") {
		return "", &InvalidError{Input: raw, Reason: "domain begins or ends with punctuation"}
	}
	if !isASCIIAddress(s) {
		return "", &InvalidError{Input: raw, Reason: "non-ASCII characters"}
	}
	if isHexDigest(local) {
		return "", &InvalidError{Input: raw, Reason: "local part is a hash digest"}
	}
	if isUUID(local) {
		return "", &InvalidError{Input: raw, Reason: "local part is a UUID"}
	}
	for _, host := range telemetryHosts {
		if strings.Contains(domain, host) {
			return "", &InvalidError{Input: raw, Reason: "telemetry host " + host}
		}
	}

	return s, nil
}

func isASCIIAddress(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

// isHexDigest reports whether the local part is a bare MD5, SHA-1, or
// SHA-256 digest (length 32, 40, or 64 hex characters).
func isHexDigest(local string) bool {
	switch len(local) {
	case 32, 40, 64:
	default:
		return false
	}
	return isHex(local)
}

// isUUID matches the 8-4-4-4-12 hex shape.
func isUUID(local string) bool {
	if len(local) != 36 {
		return false
	}
	for _, idx := range []int{8, 13, 18, 23} {
		if local[idx] != '-' {
			return false
		}
	}
	return isHex(local[:8]) && isHex(local[9:13]) && isHex(local[14:18]) &&
		isHex(local[19:23]) && isHex(local[24:])
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
