package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// PhoneRules describes the numbering plan used to normalize recipients.
type PhoneRules struct {
	CountryCode   string         // prepended to national numbers
	MobilePattern *regexp.Regexp // full international number, digits only
	AreaDigits    int            // length of the area code
}

// BrazilianMobile is the default numbering plan.
var BrazilianMobile = PhoneRules{
	CountryCode:   "55",
	MobilePattern: regexp.MustCompile(`^55[1-9]{2}9\d{8}$`),
	AreaDigits:    2,
}

// NormalizePhone normalizes raw with the default numbering plan.
func NormalizePhone(raw string) (string, error) {
	return BrazilianMobile.Normalize(raw)
}

// Normalize strips formatting characters, applies the country code to
// national numbers and inserts the ninth digit in legacy 8-digit mobiles.
// Numbers that still do not match the mobile pattern are rejected with an
// INVALID_PHONE_NUMBER error.
func (r PhoneRules) Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := strings.TrimPrefix(b.String(), "00")
	digits = strings.TrimLeft(digits, "0")

	national := r.AreaDigits + 9
	switch {
	case len(digits) == national || len(digits) == national-1:
		digits = r.CountryCode + digits
	case !strings.HasPrefix(digits, r.CountryCode):
		return "", invalidPhone(raw)
	}

	// legacy mobile: country + area + 8 digits starting with 6-9
	prefix := len(r.CountryCode) + r.AreaDigits
	if len(digits) == prefix+8 && digits[prefix] >= '6' {
		digits = digits[:prefix] + "9" + digits[prefix:]
	}

	if !r.MobilePattern.MatchString(digits) {
		return "", invalidPhone(raw)
	}
	return digits, nil
}

func invalidPhone(raw string) *Error {
	return &Error{Kind: KindInvalidPhoneNumber, Message: fmt.Sprintf("'%s' is not a valid mobile number", raw)}
}
