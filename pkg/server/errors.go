package server

import "errors"

// Registry outcomes. The policy errors (everything except ErrRegistryClosed) are
// reported back to the acting user as a system message and never broadcast.
var (
	ErrRegistryClosed = errors.New("server is shutting down")
	ErrNameTaken      = errors.New("name is already in use")
	ErrNotRegistered  = errors.New("not logged in")
	ErrNotConnected   = errors.New("user is not connected")
	ErrAlreadyBlocked = errors.New("user is already blocked")
	ErrNotBlocked     = errors.New("user is not blocked")
	ErrSelfBlock      = errors.New("you cannot block yourself")
	ErrEmptyTarget    = errors.New("a user name is required")
)

// Session delivery failures.
var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("send queue full")
)

// Login failures.
var (
	ErrLoginRequired   = errors.New("first message must be a login")
	ErrAlreadyLoggedIn = errors.New("already logged in")
)

// ErrMessageTooLong rejects a chat line whose relayed frame would not fit.
var ErrMessageTooLong = errors.New("message is too long to relay")
