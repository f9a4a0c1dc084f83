package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds external identifiers accepted over the API
const MaxIdentifierLength = 128

var (
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)
	controlRegex    = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// ValidateIdentifier checks an external id such as a patient, invoice or doctor id
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters", field, MaxIdentifierLength)
	}
	if !identifierRegex.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters: %q", field, value)
	}
	return nil
}

// ValidateOptionalIdentifier is ValidateIdentifier that accepts an empty value
func ValidateOptionalIdentifier(field, value string) error {
	if value == "" {
		return nil
	}
	return ValidateIdentifier(field, value)
}

// SanitizeString trims whitespace and removes control characters
func SanitizeString(s string) string {
	return strings.TrimSpace(controlRegex.ReplaceAllString(s, ""))
}
