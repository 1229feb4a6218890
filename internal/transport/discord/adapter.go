// Package discord is the chat side of the bridge: it posts and edits alert
// messages, keeps the live view map, and turns button, modal and slash
// command interactions into moderation verbs.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modbridge/internal/eventbus"
	"modbridge/internal/model"
	"modbridge/internal/reconcile"
	rtsup "modbridge/internal/runtime/supervisor"
	"modbridge/internal/tenant"
	logx "modbridge/pkg/logx"

	"github.com/bwmarrin/discordgo"
	"github.com/patrickmn/go-cache"
)

type Config struct {
	Token string
	// CommandGuilds are the guilds /modsync and /modhealth are registered
	// in. Empty registers them globally.
	CommandGuilds    []string
	RegisterCommands bool
	// Location stamps audit lines written by moderator actions.
	Location *time.Location
	// ChannelCacheTTL is how long a resolved mod channel is trusted
	// (default 10m).
	ChannelCacheTTL time.Duration
	// ActionTimeout bounds one interaction including the moderation verb
	// and the alert edit (default 2m).
	ActionTimeout time.Duration
}

// api is the part of *discordgo.Session the adapter calls.
type api interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

var _ api = (*discordgo.Session)(nil)

// view is one registered alert.
type view struct {
	tenantID string
	ref      reconcile.MessageRef
	payload  model.AlertPayload
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	session *discordgo.Session
	api     api

	channels *cache.Cache

	viewMu sync.RWMutex
	views  map[string]view

	reg   atomic.Pointer[tenant.Registry]
	store reconcile.Store

	handler HandlerFunc

	runMu    sync.Mutex
	running  bool
	sup      *rtsup.Supervisor
	removers []func()
}

type Option func(*Adapter)

func WithBus(b eventbus.Bus) Option { return func(a *Adapter) { a.bus = b } }

// WithClock replaces time.Now for embeds and audit stamps.
func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

var _ reconcile.Notifier = (*Adapter)(nil)

// New creates the session without connecting. Call Attach before Start.
func New(cfg Config, log logx.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	a := newAdapter(s, cfg, log, opts...)
	a.session = s
	return a, nil
}

func newAdapter(c api, cfg Config, log logx.Logger, opts ...Option) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ChannelCacheTTL <= 0 {
		cfg.ChannelCacheTTL = 10 * time.Minute
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 2 * time.Minute
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "discord")),
		bus:      eventbus.Nop{},
		now:      time.Now,
		api:      c,
		channels: cache.New(cfg.ChannelCacheTTL, 2*cfg.ChannelCacheTTL),
		views:    map[string]view{},
	}
	for _, o := range opts {
		o(a)
	}
	a.handler = chain(a.route,
		mwPanicRecover(a.log),
		mwTimeout(cfg.ActionTimeout),
		mwRequestLog(a.log),
	)
	return a
}

// Attach hands the adapter the tenants and store that interactions act
// on. The registry is built after the adapter because every tenant engine
// needs the adapter as its notifier.
func (a *Adapter) Attach(reg *tenant.Registry, st reconcile.Store) {
	a.store = st
	a.reg.Store(reg)
}

func (a *Adapter) registry() *tenant.Registry { return a.reg.Load() }

// Supervisor returns the adapter's interaction supervisor (nil if not
// started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Start opens the gateway and registers slash commands when enabled.
func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	if a.session == nil {
		return errors.New("discord: adapter has no session")
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// one failed interaction must not stop the others
		rtsup.WithCancelOnError(false),
	)
	a.removers = append(a.removers,
		a.session.AddHandler(a.onReady),
		a.session.AddHandler(a.onInteraction),
	)
	if err := a.session.Open(); err != nil {
		a.dropHandlers()
		_ = a.sup.Stop(ctx)
		a.sup = nil
		return err
	}
	a.running = true

	if a.cfg.RegisterCommands {
		appID := ""
		if a.session.State != nil && a.session.State.User != nil {
			appID = a.session.State.User.ID
		}
		if err := a.registerCommands(ctx, appID); err != nil {
			a.log.Warn("slash command registration failed", logx.Err(err))
		}
	}
	return nil
}

func (a *Adapter) dropHandlers() {
	for _, rm := range a.removers {
		rm()
	}
	a.removers = nil
}

// Stop waits for in-flight interactions until ctx ends, then closes the
// gateway.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	a.dropHandlers()
	sup := a.sup
	a.runMu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	if cerr := a.session.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	a.log.Info("gateway ready", logx.String("user", name), logx.Int("guilds", len(r.Guilds)))
}

func (a *Adapter) onInteraction(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	sup := a.Supervisor()
	if sup == nil || ic == nil || ic.Interaction == nil {
		return
	}
	i := ic.Interaction
	sup.Go("interaction", func(ctx context.Context) error {
		// finish actions already under way during shutdown; Stop bounds the wait
		_ = a.dispatch(context.WithoutCancel(ctx), i)
		return nil
	})
}

func (a *Adapter) dispatch(ctx context.Context, i *discordgo.Interaction) error {
	return a.handler(ctx, newRequest(i, a.log))
}

func (a *Adapter) publish(typ eventbus.Type, tenantID string, data any) {
	a.bus.Publish(eventbus.Event{Type: typ, Tenant: tenantID, Time: a.now(), Data: data})
}
