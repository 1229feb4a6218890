// Package reddit is the moderation backend: it reads a subreddit's report
// queue and moderation log and runs moderator actions over the OAuth API.
package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modbridge/internal/model"
	logx "modbridge/pkg/logx"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIBase  = "https://oauth.reddit.com"
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	DefaultWebBase  = "https://www.reddit.com"

	defaultTimeout       = 20 * time.Second
	defaultRatePerMinute = 60
	maxErrorBody         = 512
)

// ErrInvalidID is model.ErrInvalidID; ids that fail validation or no
// longer resolve wrap it.
var ErrInvalidID = model.ErrInvalidID

// Options configure a Client. Either RefreshToken or Username+Password
// must be set.
type Options struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Username     string
	Password     string
	UserAgent    string

	Subreddit  string
	MaxReports int

	APIBase       string
	TokenURL      string
	RatePerMinute int
	Timeout       time.Duration

	// HTTPClient supplies the base transport; tests inject a mock here.
	HTTPClient *http.Client
	Log        logx.Logger
}

// Client talks to one subreddit. It is safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	log     logx.Logger
}

// APIError is a non-2xx API response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reddit %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func New(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("reddit: client id and secret are required")
	}
	if opts.RefreshToken == "" && (opts.Username == "" || opts.Password == "") {
		return nil, errors.New("reddit: set a refresh token, or username and password")
	}
	opts.Subreddit = strings.TrimPrefix(strings.TrimSpace(opts.Subreddit), "r/")
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "modbridge/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = defaultRatePerMinute
	}
	if opts.MaxReports <= 0 {
		opts.MaxReports = 100
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}

	var base http.RoundTripper
	if opts.HTTPClient != nil {
		base = opts.HTTPClient.Transport
	}
	ua := &userAgentTransport{agent: opts.UserAgent, base: base}
	tokenHTTP := &http.Client{Timeout: opts.Timeout, Transport: ua}

	c := &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60), 5),
		cache:   cache.New(time.Hour, 10*time.Minute),
		log:     opts.Log.With(logx.String("comp", "reddit"), logx.String("subreddit", opts.Subreddit)),
	}
	c.http = &http.Client{
		Timeout: opts.Timeout,
		Transport: &oauth2.Transport{
			Source: newTokenSource(opts, tokenHTTP),
			Base:   ua,
		},
	}
	return c, nil
}

// Subreddit is the polled container.
func (c *Client) Subreddit() string { return c.opts.Subreddit }

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set("User-Agent", t.agent)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r2)
}

// get decodes a GET response into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("raw_json", "1")
	return c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, "", out)
}

// postForm sends a form body; out may be nil.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(b), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, pathQuery string, body io.Reader, contentType string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.APIBase+pathQuery, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reddit %s %s: %w", method, pathOnly(pathQuery), err)
	}
	defer resp.Body.Close()
	c.log.Trace("api call", logx.String("method", method), logx.String("path", pathOnly(pathQuery)),
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: pathOnly(pathQuery), Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("reddit %s %s: decode: %w", method, pathOnly(pathQuery), err)
	}
	return nil
}

func pathOnly(pq string) string {
	if i := strings.IndexByte(pq, '?'); i >= 0 {
		return pq[:i]
	}
	return pq
}

func isStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == code
}

// CheckAuth resolves the bot account and the subreddit, returning a
// one-line summary.
func (c *Client) CheckAuth(ctx context.Context) (string, error) {
	var me struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "/api/v1/me", nil, &me); err != nil {
		return "", err
	}
	if me.Name == "" {
		return "", errors.New("reddit: unable to resolve authenticated user")
	}
	c.cache.SetDefault(cacheKeyMe, me.Name)

	var about struct {
		Data struct {
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/r/"+url.PathEscape(c.opts.Subreddit)+"/about", nil, &about); err != nil {
		return "", err
	}
	return fmt.Sprintf("Authenticated as u/%s; subreddit r/%s reachable", me.Name, about.Data.DisplayName), nil
}
