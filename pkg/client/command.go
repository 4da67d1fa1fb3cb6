package client

import (
	"errors"
	"strings"

	"github.com/NicolasHaas/relaychat/pkg/model"
	"github.com/NicolasHaas/relaychat/pkg/protocol"
)

var (
	ErrMissingTarget = errors.New("a user name is required")
	ErrSelfTarget    = errors.New("you cannot block or unblock yourself")
)

// Command is one parsed console line.
type Command struct {
	Kind    protocol.Kind
	Content string
}

// ParseCommand maps a console line to a message for self:
//
//	logout       LOGOUT
//	ban <name>   BLOCK
//	unban <name> UNBLOCK
//	anything     MESSAGE with the line as typed
//
// Keywords are case-insensitive and must be followed by whitespace, so
// "banner" is an ordinary message. A keyword without a target, or with self
// as the target, is an error and nothing should be sent.
func ParseCommand(self, line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return Command{Kind: protocol.KindMessage, Content: line}, nil
	}

	var kind protocol.Kind
	switch strings.ToLower(fields[0]) {
	case "logout":
		if len(fields) == 1 {
			return Command{Kind: protocol.KindLogout}, nil
		}
		return Command{Kind: protocol.KindMessage, Content: line}, nil
	case "ban":
		kind = protocol.KindBlock
	case "unban":
		kind = protocol.KindUnblock
	default:
		return Command{Kind: protocol.KindMessage, Content: line}, nil
	}

	target := strings.TrimSpace(trimmed[len(fields[0]):])
	if target == "" {
		return Command{}, ErrMissingTarget
	}
	if model.SameUser(target, self) {
		return Command{}, ErrSelfTarget
	}
	return Command{Kind: kind, Content: target}, nil
}
