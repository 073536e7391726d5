package core

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Identifier patterns. These are deliberately strict: identifiers appear
// verbatim in ref paths, so anything outside these sets would need
// filesystem escaping.
var (
	projectIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,100}$`)
	userIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{3,30}$`)
	teamIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{3,30}$`)
	remoteNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	labelColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// MaxTitleLen is the issue title limit in Unicode codepoints.
const MaxTitleLen = 100

// ValidateProjectID checks a project identifier against its pattern.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: project ID %q must match [A-Za-z0-9_.-]{3,100}", ErrInvalidIdentifier, id)
	}
	return nil
}

// ValidateUserID checks a user identifier against its pattern.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: user ID %q must match [A-Za-z0-9_-]{3,30}", ErrInvalidIdentifier, id)
	}
	return nil
}

// ValidateTeamID checks a team identifier against its pattern.
func ValidateTeamID(id string) error {
	if !teamIDPattern.MatchString(id) {
		return fmt.Errorf("%w: team ID %q must match [A-Za-z0-9_-]{3,30}", ErrInvalidIdentifier, id)
	}
	return nil
}

// ValidateRemoteName checks a remote name against its pattern.
func ValidateRemoteName(name string) error {
	if !remoteNamePattern.MatchString(name) {
		return fmt.Errorf("%w: remote name %q must match [A-Za-z0-9_-]{1,50}", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateColor checks a label color of the form #RRGGBB.
func ValidateColor(color string) error {
	if !labelColorPattern.MatchString(color) {
		return fmt.Errorf("%w: %q must be #RRGGBB", ErrInvalidColor, color)
	}
	return nil
}

// ValidateTitle checks an issue title: 1-100 codepoints after NFC
// normalization, not all whitespace, no control characters.
func ValidateTitle(title string) error {
	title = norm.NFC.String(title)
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return fmt.Errorf("%w: title is empty", ErrInvalidTitle)
	}
	if n > MaxTitleLen {
		return fmt.Errorf("%w: title is %d codepoints (max %d)", ErrTitleTooLong, n, MaxTitleLen)
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is all whitespace", ErrInvalidTitle)
	}
	for _, r := range title {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: title contains control character %U", ErrInvalidTitle, r)
		}
	}
	return nil
}

// ValidateDisplayName checks a display name against a codepoint limit.
func ValidateDisplayName(name string, max int) error {
	name = norm.NFC.String(name)
	n := utf8.RuneCountInString(name)
	if n == 0 {
		return fmt.Errorf("%w: name is empty", ErrInvalidIdentifier)
	}
	if n > max {
		return fmt.Errorf("%w: name is %d codepoints (max %d)", ErrInvalidIdentifier, n, max)
	}
	return nil
}

// ValidateEmail checks an RFC 5322 mailbox. Display names are rejected:
// the stored value is the bare address.
func ValidateEmail(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEmail, addr, err)
	}
	if parsed.Name != "" || parsed.Address != addr {
		return fmt.Errorf("%w: %q must be a bare mailbox like user@example.com", ErrInvalidEmail, addr)
	}
	return nil
}

// remoteSchemes is the set of transport schemes a remote URL may use.
var remoteSchemes = map[string]bool{
	"file":  true,
	"ssh":   true,
	"http":  true,
	"https": true,
}

// ValidateRemoteURL checks that a remote URL parses and uses a supported
// scheme.
func ValidateRemoteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: remote URL %q: %v", ErrInvalidIdentifier, raw, err)
	}
	if !remoteSchemes[u.Scheme] {
		return fmt.Errorf("%w: remote URL scheme %q (want file, ssh, http, or https)", ErrInvalidIdentifier, u.Scheme)
	}
	return nil
}

// NormalizeSet sorts a set-valued field, drops duplicates and empty
// strings, and NFC-normalizes the members. Entities keep their set fields
// in this form so equal values always encode to equal bytes.
func NormalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = norm.NFC.String(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// SetContains reports membership in a normalized set field.
func SetContains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

// SetAdd returns the set with s added, keeping normalized form.
func SetAdd(set []string, s string) []string {
	return NormalizeSet(append(append([]string(nil), set...), s))
}

// SetRemove returns the set with s removed, keeping normalized form.
func SetRemove(set []string, s string) []string {
	out := make([]string, 0, len(set))
	for _, member := range set {
		if member != s {
			out = append(out, member)
		}
	}
	return NormalizeSet(out)
}
