package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"modbridge/internal/config"
	"modbridge/internal/reddit"

	"github.com/spf13/cobra"
)

type tokenFlags struct {
	clientID     string
	clientSecret string
	userAgent    string
	redirectURI  string
	scopes       []string
	authURL      string
	tokenURL     string
	timeout      time.Duration
}

func obtainRefreshTokenCommand(opts *options) *cobra.Command {
	f := &tokenFlags{}
	cmd := &cobra.Command{
		Use:   "obtain-refresh-token",
		Short: "Authorize the bot account in a browser and print its refresh token",
		Long: `Run the Reddit authorization-code flow once. Open the printed URL while
logged in as the bot account, click Allow, and Reddit redirects to a local
listener on the redirect uri, which must match the one registered for the
app. Credentials come from the flags, then REDDIT_CLIENT_ID and
REDDIT_CLIENT_SECRET, then the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.fillDefaults(opts.configPath)
			flow, err := reddit.NewAuthCodeFlow(reddit.AuthCodeOptions{
				ClientID:     f.clientID,
				ClientSecret: f.clientSecret,
				UserAgent:    f.userAgent,
				RedirectURL:  f.redirectURI,
				Scopes:       f.scopes,
				AuthURL:      f.authURL,
				TokenURL:     f.tokenURL,
			})
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", flow.ListenAddr())
			if err != nil {
				return fmt.Errorf("listen on %s: %w", flow.ListenAddr(), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in your browser and click Allow:")
			fmt.Fprintln(out, flow.URL())

			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			token, err := flow.Wait(ctx, ln)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no redirect within %s", f.timeout)
			}
			if err != nil {
				fmt.Fprintf(out, "%s  %v\n", failMark(), err)
				return err
			}
			fmt.Fprintf(out, "%s  refresh token obtained\n\nSet this in your .env:\nREDDIT_REFRESH_TOKEN=%s\n", okMark(), token)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.clientID, "client-id", "", "reddit app client id")
	fl.StringVar(&f.clientSecret, "client-secret", "", "reddit app client secret")
	fl.StringVar(&f.userAgent, "user-agent", "", "User-Agent for the token exchange")
	fl.StringVar(&f.redirectURI, "redirect-uri", "", "redirect uri registered for the app (default "+reddit.DefaultRedirectURL+")")
	fl.StringSliceVar(&f.scopes, "scopes", nil, "oauth scopes (default "+strings.Join(reddit.DefaultScopes, ",")+")")
	fl.StringVar(&f.authURL, "auth-url", "", "authorization endpoint")
	fl.StringVar(&f.tokenURL, "token-url", "", "token endpoint")
	fl.DurationVar(&f.timeout, "timeout", 5*time.Minute, "how long to wait for the redirect")
	_ = fl.MarkHidden("auth-url")
	_ = fl.MarkHidden("token-url")
	return cmd
}

// fillDefaults completes unset flags from the environment, then from the
// config file when it loads. A missing or invalid config is fine here.
func (f *tokenFlags) fillDefaults(cfgPath string) {
	env := func(dst *string, name string) {
		if *dst == "" {
			*dst = strings.TrimSpace(os.Getenv(name))
		}
	}
	env(&f.clientID, "REDDIT_CLIENT_ID")
	env(&f.clientSecret, "REDDIT_CLIENT_SECRET")
	env(&f.userAgent, "REDDIT_USER_AGENT")
	env(&f.redirectURI, "REDDIT_REDIRECT_URI")
	if len(f.scopes) == 0 {
		for _, s := range strings.Split(os.Getenv("REDDIT_SCOPES"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.scopes = append(f.scopes, s)
			}
		}
	}

	if f.clientID != "" && f.clientSecret != "" && f.tokenURL != "" {
		return
	}
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return
	}
	pick := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	pick(&f.clientID, cfg.Reddit.ClientID)
	pick(&f.clientSecret, cfg.Reddit.ClientSecret)
	pick(&f.userAgent, cfg.Reddit.UserAgent)
	pick(&f.tokenURL, cfg.Reddit.TokenURL)
}
