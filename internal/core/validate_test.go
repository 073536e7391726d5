package core

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// TestValidateTitle_Boundaries checks the 100-codepoint limit precisely.
func TestValidateTitle_Boundaries(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		wantErr error
	}{
		{"single character", "x", nil},
		{"exactly 100 codepoints", strings.Repeat("a", 100), nil},
		{"101 codepoints", strings.Repeat("a", 101), ErrTitleTooLong},
		{"100 multibyte codepoints", strings.Repeat("é", 100), nil},
		{"101 multibyte codepoints", strings.Repeat("é", 101), ErrTitleTooLong},
		{"empty", "", ErrInvalidTitle},
		{"all whitespace", "     ", ErrInvalidTitle},
		{"embedded newline", "fix\nlogin", ErrInvalidTitle},
		{"tab character", "fix\tlogin", ErrInvalidTitle},
		{"normal title", "Fix login flow", nil},
	}

	for _, tt := range tests {
		err := ValidateTitle(tt.title)
		if tt.wantErr == nil {
			if err != nil {
				t.Errorf("%s: ValidateTitle() = %v, want nil", tt.name, err)
			}
			continue
		}
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: ValidateTitle() = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
}

// TestValidateTitle_CountsAfterNFC: a decomposed sequence that normalizes
// to 100 codepoints must pass even though the raw rune count is higher.
func TestValidateTitle_CountsAfterNFC(t *testing.T) {
	// "e" + combining acute composes to one codepoint under NFC.
	title := strings.Repeat("é", 100)
	if err := ValidateTitle(title); err != nil {
		t.Errorf("ValidateTitle(decomposed 100) = %v, want nil", err)
	}
}

func TestValidateEmail(t *testing.T) {
	valid := []string{
		"alice@example.com",
		"a.b+tag@sub.example.org",
	}
	for _, addr := range valid {
		if err := ValidateEmail(addr); err != nil {
			t.Errorf("ValidateEmail(%q) = %v, want nil", addr, err)
		}
	}

	invalid := []string{
		"",
		"not-an-email",
		"@example.com",
		"Alice <alice@example.com>",
		"alice@",
	}
	for _, addr := range invalid {
		if err := ValidateEmail(addr); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("ValidateEmail(%q) = %v, want ErrInvalidEmail", addr, err)
		}
	}
}

func TestValidateColor(t *testing.T) {
	valid := []string{"#000000", "#FFffFF", "#1a2B3c"}
	for _, c := range valid {
		if err := ValidateColor(c); err != nil {
			t.Errorf("ValidateColor(%q) = %v, want nil", c, err)
		}
	}

	invalid := []string{"", "000000", "#00000", "#0000000", "#GGGGGG", "red"}
	for _, c := range invalid {
		if err := ValidateColor(c); !errors.Is(err, ErrInvalidColor) {
			t.Errorf("ValidateColor(%q) = %v, want ErrInvalidColor", c, err)
		}
	}
}

func TestValidateIdentifiers(t *testing.T) {
	if err := ValidateProjectID("web-app.v2"); err != nil {
		t.Errorf("ValidateProjectID(web-app.v2) = %v", err)
	}
	if err := ValidateProjectID("ab"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("two-char project ID accepted")
	}
	if err := ValidateProjectID(strings.Repeat("a", 101)); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("101-char project ID accepted")
	}
	if err := ValidateProjectID("web app"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("project ID with space accepted")
	}

	if err := ValidateUserID("alice_1"); err != nil {
		t.Errorf("ValidateUserID(alice_1) = %v", err)
	}
	if err := ValidateUserID("a.b"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("user ID with dot accepted")
	}

	if err := ValidateRemoteName("origin"); err != nil {
		t.Errorf("ValidateRemoteName(origin) = %v", err)
	}
	if err := ValidateRemoteName(""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("empty remote name accepted")
	}
}

func TestValidateRemoteURL(t *testing.T) {
	valid := []string{
		"file:///srv/tracker",
		"ssh://git@example.com/srv/tracker",
		"http://example.com/tracker",
		"https://example.com/tracker",
	}
	for _, u := range valid {
		if err := ValidateRemoteURL(u); err != nil {
			t.Errorf("ValidateRemoteURL(%q) = %v, want nil", u, err)
		}
	}
	if err := ValidateRemoteURL("ftp://example.com/x"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("ftp scheme accepted")
	}
}

func TestNormalizeSet(t *testing.T) {
	got := NormalizeSet([]string{"beta", "alpha", "beta", "", "alpha"})
	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeSet() = %v, want %v", got, want)
	}

	if NormalizeSet(nil) != nil {
		t.Error("NormalizeSet(nil) should stay nil")
	}
	if NormalizeSet([]string{""}) != nil {
		t.Error("NormalizeSet of only empties should be nil")
	}
}

func TestSetAddRemove(t *testing.T) {
	set := NormalizeSet([]string{"a", "c"})
	set = SetAdd(set, "b")
	if !reflect.DeepEqual(set, []string{"a", "b", "c"}) {
		t.Errorf("SetAdd = %v", set)
	}
	set = SetRemove(set, "a")
	if !reflect.DeepEqual(set, []string{"b", "c"}) {
		t.Errorf("SetRemove = %v", set)
	}
	if !SetContains(set, "b") || SetContains(set, "a") {
		t.Errorf("SetContains wrong on %v", set)
	}
}
