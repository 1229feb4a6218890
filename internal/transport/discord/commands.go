package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbridge/internal/render"
	"modbridge/internal/tenant"
	logx "modbridge/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

const (
	cmdSync   = "modsync"
	cmdHealth = "modhealth"
)

var slashCommands = []*discordgo.ApplicationCommand{
	{Name: cmdSync, Description: "Sync the report queue now and post new alerts"},
	{Name: cmdHealth, Description: "Show bridge health for this channel's setup"},
}

func (a *Adapter) registerCommands(ctx context.Context, appID string) error {
	if appID == "" {
		return fmt.Errorf("discord: application id unknown")
	}
	guilds := a.cfg.CommandGuilds
	if len(guilds) == 0 {
		guilds = []string{""}
	}
	for _, g := range guilds {
		if _, err := a.api.ApplicationCommandBulkOverwrite(appID, g, slashCommands, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("register commands in guild %q: %w", g, err)
		}
		a.log.Info("slash commands registered", logx.String("guild", g), logx.Int("count", len(slashCommands)))
	}
	return nil
}

func (a *Adapter) handleCommand(ctx context.Context, req *Request) error {
	i := req.Interaction
	var rt *tenant.Runtime
	ok := false
	if reg := a.registry(); reg != nil {
		rt, ok = reg.ForCommand(i.GuildID, i.ChannelID)
	}
	if !ok {
		return a.ephemeral(ctx, i, "No moderation setup is bound to this channel.")
	}
	if !authorized(rt, i.Member) {
		return a.ephemeral(ctx, i, msgNotAllowed)
	}
	req.Logger = req.Logger.With(logx.Tenant(rt.ID))

	switch req.Name {
	case cmdSync:
		if err := a.api.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		}, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		rep, err := rt.Engine.RunCycle(ctx)
		posted := rep.Posted
		if err != nil {
			posted = 0
		}
		return a.editReply(ctx, i, fmt.Sprintf("Sync complete. Posted %d new alert(s).", posted))
	case cmdHealth:
		return a.ephemeral(ctx, i, a.health(ctx, rt))
	}
	return a.ephemeral(ctx, i, msgUnknownInput)
}

// health renders the /modhealth summary.
func (a *Adapter) health(ctx context.Context, rt *tenant.Runtime) string {
	ts := rt.Settings()
	var b strings.Builder
	fmt.Fprintf(&b, "**Setup:** %s\n", render.Escape(ts.ID))
	fmt.Fprintf(&b, "**Subreddit:** r/%s\n", render.Escape(ts.Container))
	fmt.Fprintf(&b, "**Poll interval:** %s\n", ts.PollInterval)
	if n := len(ts.AllowedRoleIDs); n > 0 {
		fmt.Fprintf(&b, "**Allowed roles:** %d\n", n)
	} else {
		b.WriteString("**Allowed roles:** none (moderation permissions apply)\n")
	}
	if err := a.ResolveChannel(ctx, ts.ModChannelID); err != nil {
		fmt.Fprintf(&b, "**Mod channel:** unavailable (%s)\n", render.Escape(err.Error()))
	} else {
		fmt.Fprintf(&b, "**Mod channel:** <#%s>\n", ts.ModChannelID)
	}
	fmt.Fprintf(&b, "**Live alerts (all setups):** %d\n", a.Views())

	rep, ok := rt.Engine.Last()
	switch {
	case !ok:
		b.WriteString("**Last cycle:** none yet")
	case rep.Err != "":
		fmt.Fprintf(&b, "**Last cycle:** %s, failed: %s", render.RelativeAge(rep.Started, a.now()), render.Escape(rep.Err))
	default:
		fmt.Fprintf(&b, "**Last cycle:** %s, fetched %d, posted %d, edited %d, failed %d (took %s)",
			render.RelativeAge(rep.Started, a.now()), rep.Fetched, rep.Posted, rep.Edited, rep.Failed, rep.Took.Round(time.Millisecond))
	}
	return b.String()
}
