package helper

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	validContact = regexp.MustCompile(`^[\d\s\+\-\(\)]+$`)
	nonDigit     = regexp.MustCompile(`[^\d]`)
)

// NormalizeContact cleans a contact phone number for display on the
// dashboard. Kosong tetap kosong (contact is optional).
func NormalizeContact(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}

	// Hanya terima digit, +, -, (, ), spasi
	if !validContact.MatchString(phone) {
		return "", fmt.Errorf("invalid contact number: contains invalid characters")
	}

	cleaned := nonDigit.ReplaceAllString(phone, "")

	// E.164 allows at most 15 digits
	if len(cleaned) < 6 || len(cleaned) > 15 {
		return "", fmt.Errorf("invalid contact number length")
	}

	if strings.HasPrefix(phone, "+") {
		return "+" + cleaned, nil
	}
	return cleaned, nil
}
