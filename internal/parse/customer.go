package parse

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	nonDigitRe = regexp.MustCompile(`\D+`)
)

const (
	countryCode   = "55"
	maxNameLength = 80
)

// Customer holds the normalised identity a customer enters the queue with.
type Customer struct {
	Name  string
	Phone string
}

// ParseCustomer validates and normalises the name/phone pair of an entry request.
func ParseCustomer(rawName, rawPhone string) (Customer, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return Customer{}, err
	}
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return Customer{}, err
	}
	return Customer{Name: name, Phone: phone}, nil
}

// NormalizeName trims and collapses whitespace in a customer name.
func NormalizeName(raw string) (string, error) {
	name := strings.TrimSpace(spaceRe.ReplaceAllString(raw, " "))
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("name is longer than %d characters", maxNameLength)
	}
	return name, nil
}

// NormalizePhone reduces a Brazilian phone number to DDD + subscriber digits.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("phone is required")
	}
	international := strings.HasPrefix(s, "+")
	digits := nonDigitRe.ReplaceAllString(s, "")

	// 1) drop the country code, explicit or implied by length
	if strings.HasPrefix(digits, countryCode) && (international || len(digits) >= 12) {
		digits = digits[len(countryCode):]
	}

	// 2) drop the long-distance trunk prefix ("081...")
	if strings.HasPrefix(digits, "0") && len(digits) >= 11 {
		digits = digits[1:]
	}

	if len(digits) != 10 && len(digits) != 11 {
		return "", fmt.Errorf("phone %q must have 10 or 11 digits including area code", raw)
	}
	if digits[0] == '0' {
		return "", fmt.Errorf("phone %q has an invalid area code", raw)
	}
	// Mobile numbers carry the leading 9 after the area code.
	if len(digits) == 11 && digits[2] != '9' {
		return "", fmt.Errorf("mobile phone %q must start with 9 after the area code", raw)
	}
	return digits, nil
}
