// Package messaging holds channel-independent helpers for outbound messages.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Recipient length bounds after canonicalization (E.164 caps numbers at 15 digits).
const (
	MinRecipientDigits = 8
	MaxRecipientDigits = 15
	// MaxNationalDigits is the longest number still read as lacking a country code.
	MaxNationalDigits = 11
)

var phoneNumberRegex = regexp.MustCompile(`\D`)

// ErrInvalidRecipient is returned for addresses that cannot be turned into a phone number.
var ErrInvalidRecipient = errors.New("invalid recipient")

// CanonicalizeRecipient turns a raw phone number into the digits-only form
// with country prefix used as the queue's recipient address.
//
// Numbers written in international form ("+55 11 ...", "0055 11 ...") keep
// their own prefix. National numbers get defaultCountryCode prepended after
// dropping trunk zeros.
func CanonicalizeRecipient(raw, defaultCountryCode string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}

	international := strings.HasPrefix(trimmed, "+")
	digits := phoneNumberRegex.ReplaceAllString(trimmed, "")
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}
	if digits == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, raw)
	}

	cc := phoneNumberRegex.ReplaceAllString(defaultCountryCode, "")
	if !international && cc != "" {
		alreadyPrefixed := strings.HasPrefix(digits, cc) && len(digits) > MaxNationalDigits
		if !alreadyPrefixed {
			digits = cc + strings.TrimLeft(digits, "0")
		}
	}

	if len(digits) < MinRecipientDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits)", ErrInvalidRecipient, digits, MinRecipientDigits)
	}
	if len(digits) > MaxRecipientDigits {
		return "", fmt.Errorf("%w: %q is too long (maximum %d digits)", ErrInvalidRecipient, digits, MaxRecipientDigits)
	}

	if digits != trimmed {
		slog.Debug("messaging.CanonicalizeRecipient: canonicalized", "original", raw, "canonical", digits)
	}
	return digits, nil
}

// CustomerKey reduces an address to the form orders of one customer are
// matched on: digits only, without a leading international 00. Addresses
// without any digit are matched as written.
func CustomerKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	digits := strings.TrimPrefix(phoneNumberRegex.ReplaceAllString(trimmed, ""), "00")
	if digits == "" {
		return trimmed
	}
	return digits
}
