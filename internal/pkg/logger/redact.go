package logger

import "strings"

// RedactEmail masks an address for safe logging. Addresses are the primary
// key of this system, so both halves are masked: the local part keeps at most
// its first two characters, the domain keeps two characters plus its final
// label.
// "john.doe@example.com" → "jo***@ex***.com"
// "ab@example.com" → "***@ex***.com"
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	return maskPart(email[:at]) + "@" + maskDomain(email[at+1:])
}

func maskPart(s string) string {
	if len(s) > 2 {
		return s[:2] + "***"
	}
	return "***"
}

// maskDomain keeps the final label intact so log lines stay groupable by TLD.
func maskDomain(d string) string {
	dot := strings.LastIndexByte(d, '.')
	if dot < 0 {
		return maskPart(d)
	}
	return maskPart(d[:dot]) + d[dot:]
}
