package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modbridge/internal/app"
	"modbridge/internal/config"
	"modbridge/internal/storage"
	logx "modbridge/pkg/logx"

	"github.com/fatih/color"
)

func init() { color.NoColor = true }

const cliConfig = `{
  "discord": {"token": "tok", "register_commands": false},
  "reddit": {"client_id": "id", "client_secret": "secret", "refresh_token": "rt",
             "api_base": "%[1]s", "token_url": "%[1]s/api/v1/access_token", "rate_per_minute": 6000},
  "defaults": {"subreddit": "golang"},
  "tenants": {
    "a": {"guild_id": "g1", "mod_channel_id": "c1"},
    "b": {"guild_id": "g2", "mod_channel_id": "c2", "subreddit": "private"}
  },
  "storage": {"path": "%[2]s"},
  "logging": {"level": "error"}
}`

func writeCLIConfig(t *testing.T, apiBase string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	db := filepath.ToSlash(filepath.Join(dir, "state.sqlite3"))
	if err := os.WriteFile(path, fmt.Appendf(nil, cliConfig, apiBase, db), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func fakeReddit(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"access_token": "x", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/api/v1/me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"name": "modbot"})
	})
	mux.HandleFunc("/r/golang/about", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"display_name": "golang"}})
	})
	mux.HandleFunc("/r/private/about", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"reason":"private"}`, http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckAuth(t *testing.T) {
	srv := fakeReddit(t)
	cfg := writeCLIConfig(t, srv.URL)

	out, err := execute(t, "check-auth", "--config", cfg, "--setup", "a")
	if err != nil {
		t.Fatalf("check-auth a: %v\n%s", err, out)
	}
	if !strings.Contains(out, "OK  a: Authenticated as u/modbot; subreddit r/golang reachable") {
		t.Fatalf("output = %q", out)
	}

	out, err = execute(t, "check-auth", "--config", cfg)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("check-auth all = %v, want one failure", err)
	}
	if !strings.Contains(out, "FAIL  b:") {
		t.Fatalf("output = %q", out)
	}
}

func TestCheckAuthUnknownSetup(t *testing.T) {
	cfg := writeCLIConfig(t, "http://127.0.0.1:1")
	if _, err := execute(t, "check-auth", "--config", cfg, "--setup", "zzz"); err == nil || !strings.Contains(err.Error(), "unknown setup") {
		t.Fatalf("err = %v", err)
	}
}

func TestClearHistory(t *testing.T) {
	cfgPath := writeCLIConfig(t, "http://127.0.0.1:1")
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		t.Fatal(err)
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, v := range []storage.ViewRecord{
		{MessageID: "m1", ChannelID: "c1", GuildID: "g1", TenantID: "a", Payload: []byte(`{}`)},
		{MessageID: "m2", ChannelID: "c2", GuildID: "g2", TenantID: "b", Payload: []byte(`{}`)},
	} {
		if err := st.SaveView(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Close()

	if _, err := execute(t, "clear-history", "--config", cfgPath); err == nil {
		t.Fatalf("missing --setup accepted")
	}
	out, err := execute(t, "clear-history", "--config", cfgPath, "--setup", "a")
	if err == nil || !strings.Contains(out, "deletes all stored state") {
		t.Fatalf("unconfirmed clear = %v, %q", err, out)
	}
	out, err = execute(t, "clear-history", "--config", cfgPath, "--setup", "a", "--yes")
	if err != nil || !strings.Contains(out, "for setup a") {
		t.Fatalf("clear = %v, %q", err, out)
	}

	st, err = app.OpenStore(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	views, err := st.LoadViews(ctx)
	if err != nil || len(views) != 1 || views[0].TenantID != "b" {
		t.Fatalf("views = %+v, %v, want only tenant b", views, err)
	}
}

func TestSendTestAlertNeedsSetup(t *testing.T) {
	cfg := writeCLIConfig(t, "http://127.0.0.1:1")
	if _, err := execute(t, "send-test-alert", "--config", cfg); err == nil {
		t.Fatalf("missing --setup accepted")
	}
	if _, err := execute(t, "send-test-alert", "--config", cfg, "--setup", "zzz"); err == nil {
		t.Fatalf("unknown setup accepted")
	}
}

func TestLoadEnv(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("MODBRIDGE_TEST_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("MODBRIDGE_TEST_TOKEN") })
	if err := loadEnv(path); err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if got := os.Getenv("MODBRIDGE_TEST_TOKEN"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestObtainRefreshToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "c0de" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "acc", "token_type": "bearer", "refresh_token": "rt-from-code", "expires_in": 3600,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	redirect := "http://" + freePort(t) + "/callback"
	pr, pw := io.Pipe()
	root := RootCommand("test")
	root.SetOut(pw)
	root.SetErr(pw)
	root.SetArgs([]string{"obtain-refresh-token",
		"--config", filepath.Join(t.TempDir(), "none.json"),
		"--env-file", filepath.Join(t.TempDir(), "none.env"),
		"--client-id", "id", "--client-secret", "secret",
		"--redirect-uri", redirect,
		"--token-url", tokenSrv.URL,
		"--timeout", "5s",
	})
	done := make(chan error, 1)
	go func() {
		done <- root.ExecuteContext(context.Background())
		_ = pw.Close()
	}()

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var consent *url.URL
	deadline := time.After(5 * time.Second)
	for consent == nil {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("command exited before printing the consent url: %v", <-done)
			}
			if strings.Contains(l, "state=") {
				u, err := url.Parse(strings.TrimSpace(l))
				if err != nil {
					t.Fatalf("consent url %q: %v", l, err)
				}
				consent = u
			}
		case <-deadline:
			t.Fatalf("no consent url printed")
		}
	}
	if got := consent.Query().Get("redirect_uri"); got != redirect {
		t.Fatalf("redirect_uri = %q, want %q", got, redirect)
	}

	resp, err := http.Get(redirect + "?state=" + url.QueryEscape(consent.Query().Get("state")) + "&code=c0de")
	if err != nil {
		t.Fatalf("redirect GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redirect status = %d", resp.StatusCode)
	}

	var rest []string
	for l := range lines {
		rest = append(rest, l)
	}
	if err := <-done; err != nil {
		t.Fatalf("obtain-refresh-token: %v", err)
	}
	if out := strings.Join(rest, "\n"); !strings.Contains(out, "REDDIT_REFRESH_TOKEN=rt-from-code") {
		t.Fatalf("output = %q", out)
	}
}

func TestObtainRefreshTokenNeedsCredentials(t *testing.T) {
	t.Setenv("REDDIT_CLIENT_ID", "")
	t.Setenv("REDDIT_CLIENT_SECRET", "")
	_, err := execute(t, "obtain-refresh-token", "--config", filepath.Join(t.TempDir(), "none.json"))
	if err == nil || !strings.Contains(err.Error(), "client id and secret") {
		t.Fatalf("err = %v", err)
	}
}
