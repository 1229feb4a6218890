package discord

import (
	"context"
	"errors"
	"fmt"

	"modbridge/internal/config"
	"modbridge/internal/eventbus"
	"modbridge/internal/model"
	"modbridge/internal/reconcile"
	"modbridge/internal/render"
	"modbridge/internal/tenant"
	logx "modbridge/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

// Any of these permissions makes a member a moderator of a tenant that has
// no role allowlist.
const modPermissions = discordgo.PermissionManageMessages | discordgo.PermissionModerateMembers | discordgo.PermissionManageServer

const (
	msgUntracked    = "This alert is no longer tracked. It will be re-posted on the next sync if it is still reported."
	msgNoTenant     = "No moderation setup is bound to this alert."
	msgNotAllowed   = "You are not allowed to moderate this setup."
	msgHandled      = "This alert is already handled."
	msgUnknownInput = "Unknown action."
)

// errActionFailed marks a verb that Reddit rejected; the moderator already
// got the error text.
var errActionFailed = errors.New("moderation action failed")

func (a *Adapter) route(ctx context.Context, req *Request) error {
	switch req.Interaction.Type {
	case discordgo.InteractionApplicationCommand:
		return a.handleCommand(ctx, req)
	case discordgo.InteractionMessageComponent:
		return a.handleComponent(ctx, req)
	case discordgo.InteractionModalSubmit:
		return a.handleModal(ctx, req)
	}
	return nil
}

// authorized reports whether the member may act on rt. Administrators
// always may; otherwise the tenant's role allowlist decides, or, without
// one, the moderation permissions.
func authorized(rt *tenant.Runtime, m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	if len(rt.Settings().AllowedRoleIDs) == 0 {
		return m.Permissions&modPermissions != 0
	}
	return rt.AllowsRole(m.Roles)
}

func actorName(i *discordgo.Interaction) string {
	u := interactionUser(i)
	if u == nil {
		return "unknown"
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (a *Adapter) ephemeral(ctx context.Context, i *discordgo.Interaction, text string) error {
	return a.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         text,
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: noMentions(),
		},
	}, discordgo.WithContext(ctx))
}

func (a *Adapter) followup(ctx context.Context, i *discordgo.Interaction, text string) error {
	_, err := a.api.FollowupMessageCreate(i, false, &discordgo.WebhookParams{
		Content:         text,
		Flags:           discordgo.MessageFlagsEphemeral,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	return err
}

func (a *Adapter) editReply(ctx context.Context, i *discordgo.Interaction, text string) error {
	_, err := a.api.InteractionResponseEdit(i, &discordgo.WebhookEdit{
		Content:         &text,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	return err
}

// target resolves the alert an interaction points at and checks the
// member. On false the interaction has been answered.
func (a *Adapter) target(ctx context.Context, i *discordgo.Interaction, messageID string) (view, *tenant.Runtime, bool, error) {
	v, ok := a.view(messageID)
	if !ok {
		return view{}, nil, false, a.ephemeral(ctx, i, msgUntracked)
	}
	reg := a.registry()
	var rt *tenant.Runtime
	if reg != nil {
		rt, ok = reg.Get(v.tenantID)
	}
	if rt == nil || !ok {
		return view{}, nil, false, a.ephemeral(ctx, i, msgNoTenant)
	}
	if !authorized(rt, i.Member) {
		return view{}, nil, false, a.ephemeral(ctx, i, msgNotAllowed)
	}
	if v.payload.Handled {
		return view{}, nil, false, a.ephemeral(ctx, i, msgHandled)
	}
	return v, rt, true, nil
}

func (a *Adapter) handleComponent(ctx context.Context, req *Request) error {
	i := req.Interaction
	data := i.MessageComponentData()
	cmd, ok := render.ParseButtonID(data.CustomID)
	if data.CustomID == render.MoreMenuID && len(data.Values) > 0 {
		cmd, ok = model.ParseCommand(data.Values[0])
	}
	if !ok || i.Message == nil {
		return a.ephemeral(ctx, i, msgUnknownInput)
	}
	v, rt, ok, err := a.target(ctx, i, i.Message.ID)
	if !ok {
		return err
	}
	req.Logger = req.Logger.With(logx.Tenant(rt.ID), logx.String("cmd", cmd.String()))

	if cmd.NeedsInput() {
		resp, _ := render.Modal(cmd, v.ref.MessageID, v.payload)
		return a.api.InteractionRespond(i, resp, discordgo.WithContext(ctx))
	}
	if err := a.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if _, err := a.apply(ctx, rt, v.ref.MessageID, cmd, actorName(i), nil, req.Logger); err != nil {
		if ferr := a.followup(ctx, i, "Action failed: "+err.Error()); ferr != nil {
			req.Logger.Warn("followup failed", logx.Err(ferr))
		}
		return err
	}
	return nil
}

func (a *Adapter) handleModal(ctx context.Context, req *Request) error {
	i := req.Interaction
	data := i.ModalSubmitData()
	cmd, messageID, ok := render.ParseModalID(data.CustomID)
	if !ok {
		return a.ephemeral(ctx, i, msgUnknownInput)
	}
	_, rt, ok, err := a.target(ctx, i, messageID)
	if !ok {
		return err
	}
	req.Logger = req.Logger.With(logx.Tenant(rt.ID), logx.String("cmd", cmd.String()))

	if err := a.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	detail, err := a.apply(ctx, rt, messageID, cmd, actorName(i), render.ModalValues(data), req.Logger)
	text := "Done: " + model.AuditText(model.Action{Command: cmd, Detail: detail})
	if err != nil {
		text = "Action failed: " + err.Error()
	}
	if eerr := a.editReply(ctx, i, text); eerr != nil {
		req.Logger.Warn("interaction reply failed", logx.Err(eerr))
	}
	return err
}

// apply runs cmd on the alert and persists the result. It holds the
// tenant's engine lock so the action never interleaves with a cycle.
func (a *Adapter) apply(ctx context.Context, rt *tenant.Runtime, messageID string, cmd model.Command, actor string, vals map[string]string, log logx.Logger) (string, error) {
	rt.Engine.Lock()
	defer rt.Engine.Unlock()

	// re-read under the lock; a cycle may have edited or dropped the alert
	v, ok := a.view(messageID)
	if !ok {
		return "", errors.New("alert is no longer tracked")
	}
	p := v.payload
	if p.Handled {
		return "", errors.New("alert is already handled")
	}

	ts := rt.Settings()
	timeout := ts.CallTimeout
	if timeout <= 0 {
		timeout = config.DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	detail, err := execute(cctx, rt.Backend, p, cmd, vals)
	act := model.Action{Command: cmd, Actor: actor, At: a.now(), Loc: a.cfg.Location, Detail: detail, Err: err}
	report := eventbus.ActionReport{Command: cmd.String(), Actor: actor, ItemID: p.ItemID}
	if err != nil {
		report.Err = err.Error()
		a.publish(eventbus.ActionFailed, rt.ID, report)
		log.Warn("moderation action failed", logx.String("item", p.ItemID), logx.Err(err))
		return "", fmt.Errorf("%w: %v", errActionFailed, err)
	}
	if cmd != model.CmdMarkHandled {
		st, rerr := rt.Backend.RefreshItemState(cctx, p.ItemID)
		if rerr == nil {
			act.State = &st
		} else {
			log.Debug("state read-back failed", logx.String("item", p.ItemID), logx.Err(rerr))
		}
	}
	next := model.Reduce(p, act)

	editErr := a.Edit(cctx, v.ref, next)
	if errors.Is(editErr, ErrNotFound) {
		// the message is gone; drop the binding so the next cycle re-posts
		a.forgetView(messageID)
		if a.store != nil {
			if err := a.store.ClearMessage(ctx, rt.ID, p.ItemID); err != nil {
				log.Warn("clear message failed", logx.String("item", p.ItemID), logx.Err(err))
			}
			if err := a.store.DeleteView(ctx, messageID); err != nil {
				log.Warn("delete view failed", logx.String("message", messageID), logx.Err(err))
			}
		}
		a.publish(eventbus.ActionApplied, rt.ID, report)
		return detail, nil
	}
	if editErr != nil {
		log.Warn("alert edit after action failed", logx.String("message", messageID), logx.Err(editErr))
	}

	if err := a.RegisterView(rt.ID, v.ref, next); err != nil {
		log.Warn("register view failed", logx.Err(err))
	}
	if a.store != nil {
		if err := reconcile.SaveView(ctx, a.store, rt.ID, v.ref, next); err != nil {
			log.Warn("save view failed", logx.String("message", messageID), logx.Err(err))
		}
		if next.Handled {
			if err := a.store.MarkHandled(ctx, rt.ID, p.ItemID); err != nil {
				log.Warn("mark handled failed", logx.String("item", p.ItemID), logx.Err(err))
			}
		}
	}
	a.publish(eventbus.ActionApplied, rt.ID, report)
	log.Info("moderation action applied", logx.String("item", p.ItemID), logx.String("actor", actor))
	return detail, nil
}
