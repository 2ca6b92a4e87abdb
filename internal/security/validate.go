package security

import (
	"net/url"
	"regexp"
	"unicode"
)

var (
	usernameRe    = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
	passwordRe    = regexp.MustCompile(`^[\x21-\x7E]{8,128}$`)
	displayNameRe = regexp.MustCompile(`^[A-Za-z0-9 _.\-]{1,32}$`)
	currencyRe    = regexp.MustCompile(`^[A-Z]{3}$`)
	urlRe         = regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`)
)

func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// ValidPassword requires 8-128 printable non-space ASCII characters with at
// least one letter and one digit.
func ValidPassword(s string) bool {
	if !passwordRe.MatchString(s) {
		return false
	}
	var letter, digit bool
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

func ValidDisplayName(s string) bool {
	return displayNameRe.MatchString(s)
}

func ValidCurrency(s string) bool {
	return currencyRe.MatchString(s)
}

// ValidURL accepts absolute http and https URLs with a host.
func ValidURL(s string) bool {
	if len(s) > 2048 || !urlRe.MatchString(s) {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}
