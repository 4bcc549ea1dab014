package service

import (
	"regexp"
	"strings"
)

var (
	providerPattern       = regexp.MustCompile(`(?i)^[a-z0-9_-]{2,32}$`)
	providerUserIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_@.-]{1,128}$`)
	txHashPattern         = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidateProvider checks the provider identifier: letters, numbers, _ and -,
// length 2-32, case-insensitive.
func ValidateProvider(value string) (string, error) {
	v := strings.TrimSpace(value)
	if !providerPattern.MatchString(v) {
		return "", NewValidationError("invalid provider format: allowed letters, numbers, _ and -, length 2-32")
	}
	return v, nil
}

// ValidateProviderUserID checks the provider-scoped user id, length 1-128.
func ValidateProviderUserID(value string) (string, error) {
	v := strings.TrimSpace(value)
	if !providerUserIDPattern.MatchString(v) {
		return "", NewValidationError("invalid provider_user_id format: allowed length 1-128")
	}
	return v, nil
}

// ValidateTxHash checks a transaction hash: 0x followed by 64 hex characters.
func ValidateTxHash(value string) (string, error) {
	v := strings.TrimSpace(value)
	if !txHashPattern.MatchString(v) {
		return "", NewValidationError("invalid tx hash format: expected 0x + 64 hex chars")
	}
	return v, nil
}
