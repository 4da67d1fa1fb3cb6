// Package model defines the naming rules shared by the relay and its clients.
package model

import (
	"errors"
	"fmt"
	"strings"
)

const MaxUsernameLength = 32

// SystemSender is the sender name of relay-authored notices. No user may log in
// under it.
const SystemSender = "SERVER"

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrUsernameReserved = fmt.Errorf("username %q is reserved", SystemSender)

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters and is not the system sender. Returns nil on success or a
// descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	if SameUser(name, SystemSender) {
		return ErrUsernameReserved
	}
	return nil
}

// CanonicalName is the key under which a user is tracked. Names are compared
// case-insensitively; the login spelling is kept for display.
func CanonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SameUser reports whether two names refer to the same user.
func SameUser(a, b string) bool {
	return CanonicalName(a) == CanonicalName(b)
}
