package discord

import (
	"context"
	"fmt"

	"modbridge/internal/model"
	"modbridge/internal/reddit"
	"modbridge/internal/render"
	"modbridge/internal/safety"
	"modbridge/internal/tenant"
)

// execute runs the verb behind c and returns the audit detail for the
// commands whose wording depends on input.
func execute(ctx context.Context, m tenant.Moderator, p model.AlertPayload, c model.Command, vals map[string]string) (string, error) {
	id := p.ItemID
	switch c {
	case model.CmdApprove:
		if err := m.Approve(ctx, id); err != nil {
			return "", fmt.Errorf("approve: %w", err)
		}
		if err := m.SetIgnoreReports(ctx, id, true); err != nil {
			return "", fmt.Errorf("ignore reports: %w", err)
		}
		return "", nil
	case model.CmdRemove, model.CmdSpam:
		if err := m.Remove(ctx, id, c == model.CmdSpam); err != nil {
			return "", fmt.Errorf("remove: %w", err)
		}
		if err := m.SetIgnoreReports(ctx, id, true); err != nil {
			return "", fmt.Errorf("ignore reports: %w", err)
		}
		return "", nil
	case model.CmdLock, model.CmdUnlock:
		if err := m.SetLocked(ctx, id, c == model.CmdLock); err != nil {
			return "", fmt.Errorf("%s: %w", c, err)
		}
		return "", nil
	case model.CmdReply:
		f, err := render.ParseReply(vals)
		if err != nil {
			return "", err
		}
		detail := "replied"
		if f.RemoveFirst {
			if err := m.Remove(ctx, id, false); err != nil {
				return "", fmt.Errorf("remove: %w", err)
			}
			detail = "removed + replied"
		}
		link, err := m.Reply(ctx, id, f.Body, f.Sticky, f.Lock)
		if err != nil {
			return "", fmt.Errorf("reply: %w", err)
		}
		if f.Sticky && p.Kind == model.KindSubmission {
			detail += " (sticky)"
		}
		if f.Lock {
			detail += " + locked"
		}
		return detail + linkSuffix(link), nil
	case model.CmdBan:
		f, err := render.ParseBan(vals)
		if err != nil {
			return "", err
		}
		link, err := m.Ban(ctx, reddit.BanRequest{
			Username:     f.Username,
			DurationDays: f.DurationDays,
			Reason:       f.Reason,
			ModNote:      f.ModNote,
			Message:      f.Message,
		})
		if err != nil {
			return "", fmt.Errorf("ban: %w", err)
		}
		length := "permanent"
		if f.DurationDays != nil {
			length = fmt.Sprintf("%dd", *f.DurationDays)
		}
		return fmt.Sprintf("banned u/%s (%s)%s", f.Username, length, linkSuffix(link)), nil
	case model.CmdModmail:
		f, err := render.ParseModmail(vals)
		if err != nil {
			return "", err
		}
		link, err := m.SendModmail(ctx, reddit.ModmailRequest{
			To:           f.To,
			Subject:      f.Subject,
			Body:         f.Body,
			AuthorHidden: f.AuthorHidden,
		})
		if err != nil {
			return "", fmt.Errorf("modmail: %w", err)
		}
		return fmt.Sprintf("sent modmail to u/%s%s", f.To, linkSuffix(link)), nil
	case model.CmdRemovalMessage:
		f, err := render.ParseRemoval(vals)
		if err != nil {
			return "", err
		}
		if err := m.SendRemovalMessage(ctx, reddit.RemovalRequest{
			ItemID:      id,
			Title:       f.Title,
			Message:     f.Message,
			ModNote:     f.ModNote,
			AsSubreddit: f.AsSubreddit,
		}); err != nil {
			return "", fmt.Errorf("removal message: %w", err)
		}
		if f.AsSubreddit {
			return "removed + sent removal message as subreddit", nil
		}
		return "removed + sent removal message", nil
	case model.CmdRefresh, model.CmdMarkHandled:
		return "", nil
	}
	return "", fmt.Errorf("unsupported command %s", c)
}

func linkSuffix(u string) string {
	if u = safety.URL(u); u == "" {
		return ""
	}
	return " ([link](" + u + "))"
}
