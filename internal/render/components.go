package render

import (
	"strings"

	"modbridge/internal/model"
	"modbridge/internal/safety"

	"github.com/bwmarrin/discordgo"
)

// Custom id layout:
//
//	mb:<command>                 button on an alert
//	mb:more                      select menu on an alert
//	mb:modal:<command>:<msgID>   modal opened from an alert
const (
	idPrefix = "mb:"
	idModal  = idPrefix + "modal:"

	// MoreMenuID is the custom id of the "More actions" select.
	MoreMenuID = idPrefix + "more"
)

// ButtonID is the custom id of a command button.
func ButtonID(c model.Command) string { return idPrefix + c.String() }

// ModalID binds a modal to the alert message it was opened from.
func ModalID(c model.Command, messageID string) string {
	return idModal + c.String() + ":" + messageID
}

// ParseButtonID reverses ButtonID.
func ParseButtonID(id string) (model.Command, bool) {
	if !strings.HasPrefix(id, idPrefix) || strings.HasPrefix(id, idModal) || id == MoreMenuID {
		return model.CmdUnknown, false
	}
	return model.ParseCommand(strings.TrimPrefix(id, idPrefix))
}

// ParseModalID reverses ModalID.
func ParseModalID(id string) (model.Command, string, bool) {
	rest, ok := strings.CutPrefix(id, idModal)
	if !ok {
		return model.CmdUnknown, "", false
	}
	name, msg, ok := strings.Cut(rest, ":")
	if !ok || msg == "" {
		return model.CmdUnknown, "", false
	}
	c, ok := model.ParseCommand(name)
	return c, msg, ok
}

// menuCommands are the select-menu entries, in display order.
var menuCommands = []struct {
	cmd   model.Command
	label string
}{
	{model.CmdReply, "Reply"},
	{model.CmdModmail, "Modmail"},
	{model.CmdBan, "Ban user"},
	{model.CmdRemovalMessage, "Removal message"},
	{model.CmdRefresh, "Refresh state"},
}

// Components builds the alert controls. A handled alert keeps only the
// link button enabled.
func Components(p model.AlertPayload) []discordgo.MessageComponent {
	off := p.Handled
	lock := discordgo.Button{Label: "Lock", Style: discordgo.SecondaryButton, CustomID: ButtonID(model.CmdLock), Disabled: off}
	if p.Locked {
		lock = discordgo.Button{Label: "Unlock", Style: discordgo.SecondaryButton, CustomID: ButtonID(model.CmdUnlock), Disabled: off}
	}
	rows := []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Approve", Style: discordgo.SuccessButton, CustomID: ButtonID(model.CmdApprove), Disabled: off},
			discordgo.Button{Label: "Remove", Style: discordgo.DangerButton, CustomID: ButtonID(model.CmdRemove), Disabled: off},
			discordgo.Button{Label: "Spam", Style: discordgo.DangerButton, CustomID: ButtonID(model.CmdSpam), Disabled: off},
			lock,
			discordgo.Button{Label: "Mark Handled", Style: discordgo.PrimaryButton, CustomID: ButtonID(model.CmdMarkHandled), Disabled: off},
		}},
	}

	opts := make([]discordgo.SelectMenuOption, 0, len(menuCommands))
	for _, m := range menuCommands {
		opts = append(opts, discordgo.SelectMenuOption{Label: m.label, Value: m.cmd.String()})
	}
	rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.SelectMenu{
			MenuType:    discordgo.StringSelectMenu,
			CustomID:    MoreMenuID,
			Placeholder: "More actions...",
			Options:     opts,
			Disabled:    off,
		},
	}})

	if u := safety.URL(p.Permalink); u != "" {
		rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Open on Reddit", Style: discordgo.LinkButton, URL: u},
		}})
	}
	return rows
}
