package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"modbridge/internal/model"
	"modbridge/internal/reconcile"
	"modbridge/internal/render"

	"github.com/bwmarrin/discordgo"
)

// Aliases so callers can match Discord failures without importing reconcile.
var (
	ErrNotFound  = reconcile.ErrNotFound
	ErrForbidden = reconcile.ErrForbidden
)

const maxContent = 2000

// classify maps REST status codes onto the notifier sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

// ResolveChannel checks that channelID is a channel alerts can be posted
// to. Successful lookups are cached.
func (a *Adapter) ResolveChannel(ctx context.Context, channelID string) error {
	_, err := a.channel(ctx, channelID)
	return err
}

func (a *Adapter) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: empty channel id", ErrNotFound)
	}
	if v, ok := a.channels.Get(channelID); ok {
		return v.(*discordgo.Channel), nil
	}
	ch, err := a.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildCategory, discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return nil, fmt.Errorf("channel %s cannot hold messages (type %d)", channelID, ch.Type)
	}
	a.channels.SetDefault(channelID, ch)
	return ch, nil
}

// Send posts a new alert.
func (a *Adapter) Send(ctx context.Context, channelID string, p model.AlertPayload, opts reconcile.SendOptions) (reconcile.MessageRef, error) {
	msg := &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{render.Embed(p, a.now())},
		Components:      render.Components(p),
		AllowedMentions: noMentions(),
	}
	if opts.Silent {
		msg.Flags = discordgo.MessageFlagsSuppressNotifications
	}
	m, err := a.api.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		return reconcile.MessageRef{}, classify(err)
	}
	ref := reconcile.MessageRef{GuildID: m.GuildID, ChannelID: m.ChannelID, MessageID: m.ID}
	if ref.ChannelID == "" {
		ref.ChannelID = channelID
	}
	if ref.GuildID == "" {
		if v, ok := a.channels.Get(channelID); ok {
			ref.GuildID = v.(*discordgo.Channel).GuildID
		}
	}
	return ref, nil
}

// Edit re-renders an existing alert.
func (a *Adapter) Edit(ctx context.Context, ref reconcile.MessageRef, p model.AlertPayload) error {
	embeds := []*discordgo.MessageEmbed{render.Embed(p, a.now())}
	comps := render.Components(p)
	_, err := a.api.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:              ref.MessageID,
		Channel:         ref.ChannelID,
		Embeds:          &embeds,
		Components:      &comps,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	return classify(err)
}

// RegisterView makes an alert's buttons actionable.
func (a *Adapter) RegisterView(tenantID string, ref reconcile.MessageRef, p model.AlertPayload) error {
	if tenantID == "" || ref.MessageID == "" || ref.ChannelID == "" {
		return fmt.Errorf("discord: incomplete view (tenant %q, message %q, channel %q)", tenantID, ref.MessageID, ref.ChannelID)
	}
	a.viewMu.Lock()
	a.views[ref.MessageID] = view{tenantID: tenantID, ref: ref, payload: p}
	a.viewMu.Unlock()
	return nil
}

func (a *Adapter) LookupView(messageID string) (model.AlertPayload, bool) {
	v, ok := a.view(messageID)
	return v.payload, ok
}

func (a *Adapter) view(messageID string) (view, bool) {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	v, ok := a.views[messageID]
	return v, ok
}

func (a *Adapter) forgetView(messageID string) {
	a.viewMu.Lock()
	delete(a.views, messageID)
	a.viewMu.Unlock()
}

// Views reports how many alerts are live.
func (a *Adapter) Views() int {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return len(a.views)
}

// SendLog posts a plain log line; it backs the log channel sink.
func (a *Adapter) SendLog(ctx context.Context, channelID, text string) error {
	if utf8.RuneCountInString(text) > maxContent {
		r := []rune(text)
		text = string(r[:maxContent-3]) + "..."
	}
	_, err := a.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	return classify(err)
}
