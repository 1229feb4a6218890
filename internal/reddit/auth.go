package reddit

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// newTokenSource picks the refresh-token grant when a refresh token is
// configured and the password grant otherwise. Tokens are cached until
// they expire.
func newTokenSource(opts Options, hc *http.Client) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
	if opts.RefreshToken != "" {
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: opts.RefreshToken})
	}
	return oauth2.ReuseTokenSource(nil, &passwordSource{ctx: ctx, cfg: cfg, user: opts.Username, pass: opts.Password})
}

// passwordSource runs the password grant each time a new token is needed.
type passwordSource struct {
	ctx        context.Context
	cfg        *oauth2.Config
	user, pass string
}

func (p *passwordSource) Token() (*oauth2.Token, error) {
	return p.cfg.PasswordCredentialsToken(p.ctx, p.user, p.pass)
}
