package render

import (
	"fmt"
	"strconv"
	"strings"

	"modbridge/internal/model"

	"github.com/bwmarrin/discordgo"
)

// Text input ids.
const (
	FieldUsername    = "username"
	FieldDuration    = "duration"
	FieldReason      = "reason"
	FieldNote        = "note"
	FieldMessage     = "message"
	FieldRemoveFirst = "remove_first"
	FieldSticky      = "sticky"
	FieldLock        = "lock"
	FieldBody        = "body"
	FieldRecipient   = "recipient"
	FieldSubject     = "subject"
	FieldHidden      = "hidden"
	FieldTitle       = "title"
	FieldAsSub       = "as_subreddit"
)

func input(id, label string, style discordgo.TextInputStyle, required bool, maxLen int, value, placeholder string) discordgo.MessageComponent {
	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.TextInput{
			CustomID:    id,
			Label:       label,
			Style:       style,
			Required:    required,
			MaxLength:   maxLen,
			Value:       value,
			Placeholder: placeholder,
		},
	}}
}

func yesNo(id, label, value string) discordgo.MessageComponent {
	return input(id, label, discordgo.TextInputShort, false, 3, value, "y/n")
}

// Modal returns the form that collects input for c, or false when c takes
// no input.
func Modal(c model.Command, messageID string, p model.AlertPayload) (*discordgo.InteractionResponse, bool) {
	author := strings.TrimSpace(p.Author)
	if author == "[deleted]" {
		author = ""
	}
	var title string
	var rows []discordgo.MessageComponent
	switch c {
	case model.CmdReply:
		title = "Reply"
		rows = []discordgo.MessageComponent{
			yesNo(FieldRemoveFirst, "Remove first? (y/n)", "n"),
			yesNo(FieldSticky, "Sticky? (posts only) (y/n)", "n"),
			yesNo(FieldLock, "Lock thread after? (y/n)", "n"),
			input(FieldBody, "Reply body (sent as mod account)", discordgo.TextInputParagraph, true, 4000, "", ""),
		}
	case model.CmdBan:
		title = "Ban User"
		rows = []discordgo.MessageComponent{
			input(FieldUsername, "Reddit Username", discordgo.TextInputShort, true, 64, author, "without /u/"),
			input(FieldDuration, "Duration in days (blank = permanent)", discordgo.TextInputShort, false, 3, "", "e.g. 7"),
			input(FieldReason, "Ban Reason (not sent to user)", discordgo.TextInputShort, false, 100, "", ""),
			input(FieldNote, "Mod note", discordgo.TextInputShort, false, 300, "", ""),
			input(FieldMessage, "Message to user", discordgo.TextInputParagraph, false, 4000, "", ""),
		}
	case model.CmdModmail:
		title = "Send Modmail"
		rows = []discordgo.MessageComponent{
			input(FieldRecipient, "Recipient username", discordgo.TextInputShort, true, 64, author, "without /u/"),
			input(FieldSubject, "Subject", discordgo.TextInputShort, true, 120, "", ""),
			input(FieldBody, "Body", discordgo.TextInputParagraph, true, 4000, "", ""),
			yesNo(FieldHidden, "Hide your username? (y/n)", "y"),
		}
	case model.CmdRemovalMessage:
		title = "Removal Message"
		rows = []discordgo.MessageComponent{
			input(FieldTitle, "Short title (ignored for public comments)", discordgo.TextInputShort, false, 100, "", ""),
			input(FieldNote, "Mod note on removal", discordgo.TextInputShort, false, 250, "", ""),
			input(FieldMessage, "Removal message body", discordgo.TextInputParagraph, true, 4000, "", ""),
			yesNo(FieldAsSub, "Send as subreddit? (y/n)", "y"),
		}
	default:
		return nil, false
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   ModalID(c, messageID),
			Title:      title,
			Components: rows,
		},
	}, true
}

// ModalValues flattens submitted text inputs by custom id.
func ModalValues(data discordgo.ModalSubmitInteractionData) map[string]string {
	out := map[string]string{}
	var walk func(cs []discordgo.MessageComponent)
	walk = func(cs []discordgo.MessageComponent) {
		for _, c := range cs {
			switch v := c.(type) {
			case *discordgo.ActionsRow:
				walk(v.Components)
			case discordgo.ActionsRow:
				walk(v.Components)
			case *discordgo.TextInput:
				out[v.CustomID] = strings.TrimSpace(v.Value)
			case discordgo.TextInput:
				out[v.CustomID] = strings.TrimSpace(v.Value)
			}
		}
	}
	walk(data.Components)
	return out
}

// ReplyForm is a submitted reply modal.
type ReplyForm struct {
	RemoveFirst bool
	Sticky      bool
	Lock        bool
	Body        string
}

type BanForm struct {
	Username     string
	DurationDays *int
	Reason       string
	ModNote      string
	Message      string
}

type ModmailForm struct {
	To           string
	Subject      string
	Body         string
	AuthorHidden bool
}

type RemovalForm struct {
	Title       string
	ModNote     string
	Message     string
	AsSubreddit bool
}

func ParseReply(v map[string]string) (ReplyForm, error) {
	var f ReplyForm
	var err error
	if f.RemoveFirst, err = parseYesNo(FieldRemoveFirst, v[FieldRemoveFirst]); err != nil {
		return f, err
	}
	if f.Sticky, err = parseYesNo(FieldSticky, v[FieldSticky]); err != nil {
		return f, err
	}
	if f.Lock, err = parseYesNo(FieldLock, v[FieldLock]); err != nil {
		return f, err
	}
	if f.Body = v[FieldBody]; f.Body == "" {
		return f, fmt.Errorf("reply body is required")
	}
	return f, nil
}

func ParseBan(v map[string]string) (BanForm, error) {
	f := BanForm{
		Username: strings.TrimPrefix(strings.TrimPrefix(v[FieldUsername], "/"), "u/"),
		Reason:   v[FieldReason],
		ModNote:  v[FieldNote],
		Message:  v[FieldMessage],
	}
	if f.Username == "" {
		return f, fmt.Errorf("username is required")
	}
	if d := v[FieldDuration]; d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 || n > 999 {
			return f, fmt.Errorf("duration must be 1-999 days or blank")
		}
		f.DurationDays = &n
	}
	return f, nil
}

func ParseModmail(v map[string]string) (ModmailForm, error) {
	f := ModmailForm{
		To:      strings.TrimPrefix(strings.TrimPrefix(v[FieldRecipient], "/"), "u/"),
		Subject: v[FieldSubject],
		Body:    v[FieldBody],
	}
	if f.To == "" || f.Subject == "" || f.Body == "" {
		return f, fmt.Errorf("recipient, subject and body are required")
	}
	hidden, err := parseYesNo(FieldHidden, v[FieldHidden])
	f.AuthorHidden = hidden
	return f, err
}

func ParseRemoval(v map[string]string) (RemovalForm, error) {
	f := RemovalForm{Title: v[FieldTitle], ModNote: v[FieldNote], Message: v[FieldMessage]}
	if f.Message == "" {
		return f, fmt.Errorf("removal message is required")
	}
	asSub, err := parseYesNo(FieldAsSub, v[FieldAsSub])
	f.AsSubreddit = asSub
	return f, err
}

func parseYesNo(field, s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1":
		return true, nil
	case "", "n", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%s: answer y or n", field)
}
