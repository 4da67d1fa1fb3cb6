package model

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid mixed", "A-b_3", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"tab character", "user\tname", ErrUsernameInvalidChars},
		{"system sender", "SERVER", ErrUsernameReserved},
		{"system sender lower case", "server", ErrUsernameReserved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Alice", "alice"},
		{"  BOB ", "bob"},
		{"carol_9", "carol_9"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CanonicalName(tt.input); got != tt.want {
				t.Errorf("CanonicalName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSameUser(t *testing.T) {
	if !SameUser("Alice", "aLICE") {
		t.Error("SameUser should ignore case")
	}
	if SameUser("alice", "alice2") {
		t.Error("SameUser matched different names")
	}
}
