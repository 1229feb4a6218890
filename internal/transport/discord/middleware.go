package discord

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "modbridge/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

// Request is one interaction moving through the handler chain.
type Request struct {
	Interaction *discordgo.Interaction
	Kind        string
	// Name is the slash command, button or modal id.
	Name   string
	UserID string
	Logger logx.Logger
}

func newRequest(i *discordgo.Interaction, log logx.Logger) *Request {
	req := &Request{Interaction: i, Kind: "unknown", Logger: log}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		req.Kind = "command"
		req.Name = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		req.Kind = "component"
		req.Name = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		req.Kind = "modal"
		req.Name = i.ModalSubmitData().CustomID
	}
	if u := interactionUser(i); u != nil {
		req.UserID = u.ID
	}
	req.Logger = log.With(logx.String("kind", req.Kind), logx.String("guild", i.GuildID))
	return req
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("name", req.Name),
				logx.String("user_id", req.UserID),
				logx.Duration("dur", d),
			}
			if err != nil {
				logger.Warn("interaction failed", append(fields, logx.Err(err))...)
			} else if d >= 750*time.Millisecond {
				logger.Info("interaction ok", fields...)
			} else {
				logger.Debug("interaction ok", fields...)
			}
			return err
		}
	}
}
