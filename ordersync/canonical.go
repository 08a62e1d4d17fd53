package ordersync

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical company keys decide whether two differently-formatted strings
// name the same organization. Wrongly merging two distinct organizations
// is the dangerous failure mode, so the suffix list stays conservative:
// a missed match only produces a second Customer an operator can merge.

var corporateSuffixes = map[string]bool{
	"INC":          true,
	"INCORPORATED": true,
	"LLC":          true,
	"CORP":         true,
	"CORPORATION":  true,
	"CO":           true,
	"COMPANY":      true,
	"LTD":          true,
	"LIMITED":      true,
	"LP":           true,
	"LLP":          true,
	"PLC":          true,
	"PLLC":         true,
	"PC":           true,
	"GMBH":         true,
	"SA":           true,
}

var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// CanonicalCompanyKey turns a free-text organization name into a stable
// comparison key. Pure and total: garbage in, best-effort key out, empty
// in, empty out. Never fails.
func CanonicalCompanyKey(rawName string) string {
	words := canonicalWords(rawName)

	// Strip recognized corporate suffixes from the tail only; "CO" in the
	// middle of a name is part of the name.
	for len(words) > 1 && corporateSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}

	return strings.Join(words, "")
}

// CanonicalAddressKey normalizes a city/state/zip triple for the strong
// match tier.
func CanonicalAddressKey(city string, state string, zip string) string {
	parts := []string{
		strings.Join(canonicalWords(city), ""),
		strings.Join(canonicalWords(state), ""),
		strings.Join(canonicalWords(zip), ""),
	}
	if parts[0] == "" && parts[1] == "" && parts[2] == "" {
		return ""
	}
	return strings.Join(parts, "|")
}

func canonicalWords(raw string) []string {
	folded, _, err := transform.String(diacriticFolder, raw)
	if err != nil {
		folded = raw
	}

	var sb strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(unicode.ToUpper(r))
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Fields(sb.String())
}

// companyKeyPrefixRelated reports whether one key is a prefix of the other.
// Catches "ACMEMEDICAL" vs "ACME" only when the address already matched,
// never on its own.
func companyKeyPrefixRelated(a string, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(b, a)
}

// Consumer mail providers whose domains say nothing about the
// organization. Anything not listed counts as a company domain.
var personalEmailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"aol.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"msn.com":        true,
	"comcast.net":    true,
	"protonmail.com": true,
	"proton.me":      true,
}

// nonPersonalEmailDomain extracts the lowercase domain of email, or ""
// when the address is malformed or on a consumer provider.
func nonPersonalEmailDomain(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") {
		return ""
	}
	if personalEmailDomains[domain] {
		return ""
	}
	return domain
}
