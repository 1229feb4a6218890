package reddit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "modbridge/pkg/logx"

	"golang.org/x/oauth2"
)

const (
	DefaultAuthURL     = "https://www.reddit.com/api/v1/authorize"
	DefaultRedirectURL = "http://localhost:8080"
)

// DefaultScopes cover everything the bridge does: reading queues and the
// modlog, moderating posts, modmail and bans.
var DefaultScopes = []string{"modlog", "modposts", "modmail", "modcontributors", "read", "identity"}

// AuthCodeOptions configure the one-time authorization-code flow that
// produces a permanent refresh token.
type AuthCodeOptions struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	RedirectURL  string
	Scopes       []string

	AuthURL  string
	TokenURL string

	// HTTPClient supplies the base transport for the code exchange.
	HTTPClient *http.Client
	Log        logx.Logger
}

// AuthCodeFlow runs one authorization: the user opens URL, Reddit
// redirects to the local listener and the code is exchanged there.
type AuthCodeFlow struct {
	cfg   *oauth2.Config
	state string
	hc    *http.Client
	addr  string
	log   logx.Logger
}

func NewAuthCodeFlow(opts AuthCodeOptions) (*AuthCodeFlow, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("reddit: client id and secret are required")
	}
	if opts.RedirectURL == "" {
		opts.RedirectURL = DefaultRedirectURL
	}
	u, err := url.Parse(opts.RedirectURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("redirect uri must be an http(s) url, got %q", opts.RedirectURL)
	}
	port := u.Port()
	if port == "" {
		port = "8080"
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = DefaultScopes
	}
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "modbridge/1.0"
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}

	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	var base http.RoundTripper
	if opts.HTTPClient != nil {
		base = opts.HTTPClient.Transport
	}
	return &AuthCodeFlow{
		cfg: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.AuthURL,
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		state: hex.EncodeToString(b[:]),
		hc:    &http.Client{Timeout: defaultTimeout, Transport: &userAgentTransport{agent: opts.UserAgent, base: base}},
		addr:  net.JoinHostPort(u.Hostname(), port),
		log:   opts.Log.With(logx.String("comp", "reddit.auth")),
	}, nil
}

// URL is the consent page; duration=permanent makes Reddit issue a
// refresh token.
func (f *AuthCodeFlow) URL() string {
	return f.cfg.AuthCodeURL(f.state, oauth2.SetAuthURLParam("duration", "permanent"))
}

// ListenAddr is the host:port the redirect uri points at.
func (f *AuthCodeFlow) ListenAddr() string { return f.addr }

type authResult struct {
	token string
	err   error
}

// Wait serves ln until the first redirect arrives, exchanges its code and
// returns the refresh token. The browser gets the outcome as plain text.
func (f *AuthCodeFlow) Wait(ctx context.Context, ln net.Listener) (string, error) {
	results := make(chan authResult, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("state") == "" && r.URL.Query().Get("code") == "" && r.URL.Query().Get("error") == "" {
				// favicon and similar noise
				http.NotFound(w, r)
				return
			}
			tok, err := f.handle(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
			} else {
				_, _ = fmt.Fprintln(w, "Refresh token received. You can close this tab.")
			}
			select {
			case results <- authResult{token: tok, err: err}:
			default:
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		return res.token, res.err
	}
}

func (f *AuthCodeFlow) handle(r *http.Request) (string, error) {
	q := r.URL.Query()
	if got := q.Get("state"); got != f.state {
		return "", fmt.Errorf("state mismatch: got %q", got)
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect carried no code")
	}
	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, f.hc)
	tok, err := f.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return "", errors.New("token response has no refresh token")
	}
	f.log.Info("refresh token obtained", logx.Strs("scopes", f.cfg.Scopes))
	return tok.RefreshToken, nil
}
