package model

import (
	"fmt"
	"strings"
	"time"
)

// Command is a moderator verb issued from an alert.
type Command uint8

const (
	CmdUnknown Command = iota
	CmdApprove
	CmdRemove
	CmdSpam
	CmdLock
	CmdUnlock
	CmdReply
	CmdBan
	CmdModmail
	CmdRemovalMessage
	CmdRefresh
	CmdMarkHandled
)

var commandNames = [...]string{
	CmdUnknown:        "unknown",
	CmdApprove:        "approve",
	CmdRemove:         "remove",
	CmdSpam:           "spam",
	CmdLock:           "lock",
	CmdUnlock:         "unlock",
	CmdReply:          "reply",
	CmdBan:            "ban",
	CmdModmail:        "modmail",
	CmdRemovalMessage: "removal_message",
	CmdRefresh:        "refresh",
	CmdMarkHandled:    "mark_handled",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// ParseCommand maps a wire name back to a Command.
func ParseCommand(s string) (Command, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range commandNames {
		if i == int(CmdUnknown) {
			continue
		}
		if n == s {
			return Command(i), true
		}
	}
	return CmdUnknown, false
}

// NeedsInput reports whether the command collects text before running.
func (c Command) NeedsInput() bool {
	switch c {
	case CmdReply, CmdBan, CmdModmail, CmdRemovalMessage:
		return true
	}
	return false
}

// Action is one executed command together with its outcome.
//
// Detail carries the audit text for commands whose wording depends on
// input (reply, ban, modmail). State, when set, is the item state read
// back after the verb ran. Err is the verb's error; a failed action never
// changes the payload.
type Action struct {
	Command Command
	Actor   string
	At      time.Time
	Loc     *time.Location
	Detail  string
	State   *ItemState
	Err     error
}

// Reduce applies an executed action to a payload and returns the result.
// It is the only place a command changes payload state.
//
// Rules:
//   - failed actions and actions on handled payloads are no-ops
//   - refresh applies state without writing an audit line
//   - every other command appends one audit line
//   - read-back state wins over the optimistic flags a verb implies
func Reduce(p AlertPayload, a Action) AlertPayload {
	if a.Err != nil || p.Handled || a.Command == CmdUnknown {
		return p
	}
	next := p.WithState(p.currentState())

	switch a.Command {
	case CmdApprove:
		next.Approved, next.Removed, next.ReportsIgnored = true, false, true
	case CmdRemove, CmdSpam:
		next.Removed, next.Approved, next.ReportsIgnored = true, false, true
	case CmdLock:
		next.Locked = true
	case CmdUnlock:
		next.Locked = false
	case CmdReply:
		if strings.HasPrefix(a.Detail, "removed") {
			next.Removed, next.Approved, next.ReportsIgnored = true, false, true
		}
	case CmdMarkHandled:
		next.Handled = true
	}

	if a.State != nil {
		next = next.WithState(*a.State)
	}
	if a.Command != CmdRefresh {
		next.ActionLog = append(next.ActionLog, FormatAudit(a.At, a.Loc, a.Actor, AuditText(a)))
	}
	return next
}

func (p AlertPayload) currentState() ItemState {
	return ItemState{
		Locked:         p.Locked,
		ReportsIgnored: p.ReportsIgnored,
		Removed:        p.Removed,
		Approved:       p.Approved,
		NumReports:     p.NumReports,
		NumComments:    p.NumComments,
	}
}

// AuditText is the human wording for an action.
func AuditText(a Action) string {
	if d := strings.TrimSpace(a.Detail); d != "" {
		return d
	}
	switch a.Command {
	case CmdApprove:
		return "approved + ignored reports"
	case CmdRemove:
		return "removed item"
	case CmdSpam:
		return "removed as spam"
	case CmdLock:
		return "locked item"
	case CmdUnlock:
		return "unlocked item"
	case CmdReply:
		return "replied"
	case CmdBan:
		return "banned user"
	case CmdModmail:
		return "sent a modmail"
	case CmdRemovalMessage:
		return "sent removal message as subreddit"
	case CmdRefresh:
		return "refreshed state"
	case CmdMarkHandled:
		return "marked handled"
	}
	return a.Command.String()
}

// FormatAudit renders "HH:MM TZ - actor: text".
func FormatAudit(at time.Time, loc *time.Location, actor, text string) string {
	if at.IsZero() {
		at = time.Now()
	}
	if loc == nil {
		loc = time.UTC
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "unknown"
	}
	return fmt.Sprintf("%s - %s: %s", at.In(loc).Format("15:04 MST"), actor, text)
}
