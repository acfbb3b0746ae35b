package auth

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// emailRegex only asks for one @ between non-empty parts without whitespace. Local
// hosts and internationalized addresses are valid.
var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+$`)

// normalizeIdentity trims s and puts it in Unicode NFC, so visually identical
// usernames typed on different keyboards compare equal.
func normalizeIdentity(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func validEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// missingFields returns a "<name> is required" message per blank field, in order.
func missingFields(fields ...[2]string) []string {
	var out []string
	for _, f := range fields {
		if isBlank(f[1]) {
			out = append(out, f[0]+" is required")
		}
	}
	return out
}
