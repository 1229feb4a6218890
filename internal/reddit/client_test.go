package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"modbridge/internal/model"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const api = "https://oauth.reddit.com"

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodPost, DefaultTokenURL,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"access_token": "tok",
			"token_type":   "bearer",
			"expires_in":   3600,
		}))
	c, err := New(Options{
		ClientID:      "id",
		ClientSecret:  "secret",
		RefreshToken:  "refresh",
		UserAgent:     "modbridge-test",
		Subreddit:     "r/golang",
		RatePerMinute: 60000,
		HTTPClient:    &http.Client{Transport: mt},
	})
	require.NoError(t, err)
	return c, mt
}

func jsonFile(t *testing.T, v string) httpmock.Responder {
	t.Helper()
	var raw any
	require.NoError(t, json.Unmarshal([]byte(v), &raw))
	return httpmock.NewJsonResponderOrPanic(http.StatusOK, raw)
}

const reportsBody = `{"data":{"children":[
 {"kind":"t1","data":{"name":"t1_c1","subreddit":"golang","author":"bob","permalink":"/r/golang/comments/abc/x/c1/",
  "link_title":"","body":"  a   rude\n comment ","created_utc":1714560100,"num_reports":1,
  "user_reports":[["Spam",2],["",1]],"mod_reports":[["rule 1","mod_a"]],"approved_by":null,"banned_by":"AutoModerator"}},
 {"kind":"t3","data":{"name":"t3_s1","subreddit":"golang","author":"amy","permalink":"/r/golang/comments/s1/title/",
  "title":"Look","selftext":"","url":"https://i.redd.it/pic.png","thumbnail":"self","created_utc":1714560000,
  "num_reports":0,"num_comments":4,"locked":true,"ignore_reports":false,"removed_by_category":null,
  "user_reports":["Harassment"],"mod_reports":[],
  "preview":{"images":[{"source":{"url":"https://preview.redd.it/pic.png?width=10&amp;s=abc"}}]}}},
 {"kind":"t5","data":{"name":"t5_nope"}}
]}}`

func TestFetchFlaggedItems(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, api+"/r/golang/about/reports", jsonFile(t, reportsBody))

	items, err := c.FetchFlaggedItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Oldest first.
	sub, com := items[0], items[1]
	assert.Equal(t, "t3_s1", sub.ID)
	assert.Equal(t, model.KindSubmission, sub.Kind)
	assert.Equal(t, "https://preview.redd.it/pic.png?width=10&s=abc", sub.MediaURL)
	assert.Equal(t, "https://i.redd.it/pic.png", sub.Snippet)
	assert.Empty(t, sub.ThumbnailURL)
	assert.Equal(t, 1, sub.NumReports)
	assert.True(t, sub.Locked)
	require.NotNil(t, sub.NumComments)
	assert.Equal(t, 4, *sub.NumComments)
	assert.Equal(t, "https://www.reddit.com/r/golang/comments/s1/title/", sub.Permalink)

	assert.Equal(t, model.KindComment, com.Kind)
	assert.Equal(t, "Comment", com.Title)
	assert.Equal(t, "a rude comment", com.Snippet)
	assert.Equal(t, []string{"Spam x2", "Unknown reason x1"}, com.UserReports)
	assert.Equal(t, 4, com.NumReports, "num_reports is recomputed from report lines")
	assert.True(t, com.Removed)
	assert.False(t, com.Approved)

	info := mt.GetCallCountInfo()
	assert.Equal(t, 1, info["GET "+api+"/r/golang/about/reports"])
}

func TestParseReports(t *testing.T) {
	tests := []struct {
		name  string
		in    []any
		lines []string
		total int
	}{
		{"pairs", []any{[]any{"Spam", float64(3)}}, []string{"Spam x3"}, 3},
		{"non numeric count", []any{[]any{"Spam", "mod_a"}}, []string{"Spam x1"}, 1},
		{"negative", []any{[]any{"Odd", float64(-2)}}, []string{"Odd x0"}, 0},
		{"short entry", []any{[]any{"alone"}}, []string{}, 0},
		{"bare string", []any{" Harassment "}, []string{"Harassment"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseReports(tt.in)
			assert.Equal(t, tt.lines, got.lines)
			assert.Equal(t, tt.total, got.total)
		})
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "a b", clip(" a \n\t b ", 10))
	assert.Equal(t, "héll...", clip("héllo world", 7))
}

func TestRefreshItemState(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, api+"/api/info", func(r *http.Request) (*http.Response, error) {
		if r.URL.Query().Get("id") != "t3_s1" {
			return httpmock.NewStringResponse(http.StatusOK, `{"data":{"children":[]}}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK,
			`{"data":{"children":[{"kind":"t3","data":{"name":"t3_s1","locked":true,"approved_by":"mod","num_reports":2,"num_comments":7}}]}}`), nil
	})

	st, err := c.RefreshItemState(context.Background(), "t3_s1")
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.True(t, st.Approved)
	assert.False(t, st.Removed)
	assert.Equal(t, 2, st.NumReports)

	_, err = c.RefreshItemState(context.Background(), "t3_gone")
	assert.True(t, errors.Is(err, model.ErrInvalidID), "got %v", err)

	_, err = c.RefreshItemState(context.Background(), "bogus")
	assert.True(t, errors.Is(err, model.ErrInvalidID), "got %v", err)
}

func TestFetchModerationLog(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, api+"/api/v1/me", jsonFile(t, `{"name":"ModBridgeBot"}`))
	mt.RegisterResponder(http.MethodGet, api+"/r/golang/about/log", jsonFile(t, `{"data":{"children":[
	 {"data":{"action":"removecomment","mod":"alice","created_utc":1714560300,"details":"spam","target_fullname":"t1_c1"}},
	 {"data":{"action":"approvelink","mod":"modbridgebot","created_utc":1714560200,"target_fullname":"t3_s1"}},
	 {"data":{"action":"banuser","mod":"alice","created_utc":1714560150,"target_fullname":"t2_user"}},
	 {"data":{"action":"lock","mod":"bob","created_utc":1714560100,"description":"brigade","target_fullname":"t3_s1"}},
	 {"data":{"action":"old","mod":"bob","created_utc":1714559000,"target_fullname":"t3_s1"}}
	]}}`))

	minTS := time.Unix(1714560000, 0)
	got, err := c.FetchModerationLog(context.Background(), "", 50, minTS)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1_c1", got[0].TargetID)
	assert.Equal(t, "modlog: removecomment by u/alice at 2024-05-01 10:45 UTC (spam)", got[0].Line)
	assert.Equal(t, "modlog: lock by u/bob at 2024-05-01 10:41 UTC (brigade)", got[1].Line)

	// The username is cached.
	_, err = c.FetchModerationLog(context.Background(), "golang", 50, minTS)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.GetCallCountInfo()["GET "+api+"/api/v1/me"])
}

func TestModerationLogWithoutUsername(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, api+"/api/v1/me", httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
	mt.RegisterResponder(http.MethodGet, api+"/r/golang/about/log", jsonFile(t,
		`{"data":{"children":[{"data":{"action":"lock","mod":"bob","created_utc":1714560100,"target_fullname":"t3_s1"}}]}}`))

	got, err := c.FetchModerationLog(context.Background(), "golang", 10, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func formOf(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	require.NoError(t, r.ParseForm())
	out := map[string]string{}
	for k := range r.PostForm {
		out[k] = r.PostForm.Get(k)
	}
	return out
}

func TestVerbs(t *testing.T) {
	c, mt := newTestClient(t)
	var seen []map[string]string
	record := func(r *http.Request) (*http.Response, error) {
		f := formOf(t, r)
		f["_path"] = r.URL.Path
		seen = append(seen, f)
		return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
	}
	for _, p := range []string{"/api/approve", "/api/remove", "/api/lock", "/api/unlock", "/api/ignore_reports", "/api/unignore_reports"} {
		mt.RegisterResponder(http.MethodPost, api+p, record)
	}
	ctx := context.Background()
	require.NoError(t, c.Approve(ctx, "t3_s1"))
	require.NoError(t, c.Remove(ctx, "t1_c1", true))
	require.NoError(t, c.SetLocked(ctx, "t3_s1", true))
	require.NoError(t, c.SetLocked(ctx, "t3_s1", false))
	require.NoError(t, c.SetIgnoreReports(ctx, "t3_s1", true))
	require.NoError(t, c.SetIgnoreReports(ctx, "t3_s1", false))

	require.Len(t, seen, 6)
	assert.Equal(t, "/api/approve", seen[0]["_path"])
	assert.Equal(t, "t3_s1", seen[0]["id"])
	assert.Equal(t, "true", seen[1]["spam"])
	assert.Equal(t, "/api/unignore_reports", seen[5]["_path"])

	err := c.Approve(ctx, "t2_user")
	assert.True(t, errors.Is(err, model.ErrInvalidID))
	assert.Len(t, seen, 6, "invalid ids never reach the API")
}

func TestVerbErrorStatus(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodPost, api+"/api/approve", httpmock.NewStringResponder(http.StatusForbidden, `{"message":"Forbidden"}`))

	err := c.Approve(context.Background(), "t3_s1")
	require.Error(t, err)
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusForbidden, ae.Status)
	assert.True(t, isStatus(err, http.StatusForbidden))
}

func TestReplyDistinguishesAndLocksSubmission(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodPost, api+"/api/comment", func(r *http.Request) (*http.Response, error) {
		f := formOf(t, r)
		assert.Equal(t, "t1_c1", f["thing_id"])
		assert.Equal(t, "please stop", f["text"])
		return httpmock.NewStringResponse(http.StatusOK,
			`{"json":{"errors":[],"data":{"things":[{"data":{"name":"t1_new","permalink":"/r/golang/comments/abc/x/new/"}}]}}}`), nil
	})
	var dist map[string]string
	mt.RegisterResponder(http.MethodPost, api+"/api/distinguish", func(r *http.Request) (*http.Response, error) {
		dist = formOf(t, r)
		return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
	})
	mt.RegisterResponder(http.MethodGet, api+"/api/info", jsonFile(t,
		`{"data":{"children":[{"kind":"t1","data":{"name":"t1_c1","permalink":"/r/golang/comments/abc/x/c1/"}}]}}`))
	var locked string
	mt.RegisterResponder(http.MethodPost, api+"/api/lock", func(r *http.Request) (*http.Response, error) {
		locked = formOf(t, r)["id"]
		return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
	})

	link, err := c.Reply(context.Background(), "t1_c1", " please stop ", true, true)
	require.NoError(t, err)
	assert.Equal(t, "https://www.reddit.com/r/golang/comments/abc/x/new/", link)
	assert.Equal(t, "t1_new", dist["id"])
	assert.Equal(t, "yes", dist["how"])
	assert.Empty(t, dist["sticky"], "comment replies to comments cannot be stickied")
	assert.Equal(t, "t3_abc", locked)
}

func TestBanAndModmail(t *testing.T) {
	c, mt := newTestClient(t)
	var ban map[string]string
	mt.RegisterResponder(http.MethodPost, api+"/r/golang/api/friend", func(r *http.Request) (*http.Response, error) {
		ban = formOf(t, r)
		return httpmock.NewStringResponse(http.StatusOK, `{"json":{"errors":[]}}`), nil
	})
	mt.RegisterResponder(http.MethodPost, api+"/api/mod/conversations",
		jsonFile(t, `{"conversation":{"id":"2abc"}}`))

	days := 7
	link, err := c.Ban(context.Background(), BanRequest{Username: "u/bob", DurationDays: &days, Reason: "rule 1", Message: "bye"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.reddit.com/r/golang/about/log/?type=banuser", link)
	assert.Equal(t, "bob", ban["name"])
	assert.Equal(t, "banned", ban["type"])
	assert.Equal(t, "7", ban["duration"])
	assert.Equal(t, "bye", ban["ban_message"])

	_, err = c.Ban(context.Background(), BanRequest{Username: "[deleted]"})
	assert.Error(t, err)

	link, err = c.SendModmail(context.Background(), ModmailRequest{To: "bob", Subject: "hi", Body: "hello", AuthorHidden: true})
	require.NoError(t, err)
	assert.Equal(t, "https://mod.reddit.com/mail/perma/2abc", link)
}

func TestSendRemovalMessage(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodPost, api+"/api/remove", httpmock.NewStringResponder(http.StatusOK, `{}`))
	var body map[string]string
	mt.RegisterResponder(http.MethodPost, api+"/api/v1/modactions/removal_comment_message", func(r *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &body))
		return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
	})

	err := c.SendRemovalMessage(context.Background(), RemovalRequest{ItemID: "t1_c1", Message: "Rule 2", AsSubreddit: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"item_id": "t1_c1", "message": "Rule 2", "title": "Removed", "type": "public_as_subreddit"}, body)
}

func TestCheckAuth(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, api+"/api/v1/me", func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "modbridge-test", r.Header.Get("User-Agent"))
		return httpmock.NewStringResponse(http.StatusOK, `{"name":"bot"}`), nil
	})
	mt.RegisterResponder(http.MethodGet, api+"/r/golang/about", jsonFile(t, `{"data":{"display_name":"golang"}}`))

	msg, err := c.CheckAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Authenticated as u/bot; subreddit r/golang reachable", msg)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Options{ClientID: "id", ClientSecret: "s"})
	assert.Error(t, err)
	_, err = New(Options{ClientID: "id", ClientSecret: "s", Username: "u", Password: "p"})
	assert.NoError(t, err)
}

func TestDemoSource(t *testing.T) {
	d := NewDemoSource("r/golang")
	it := d.Seed(model.FlaggedItem{ID: "t3_demo1"})
	assert.Equal(t, "golang", it.Container)
	assert.Equal(t, []string{"Spam x1"}, it.UserReports)

	ctx := context.Background()
	require.NoError(t, d.Remove(ctx, "t3_demo1", false))
	st, err := d.RefreshItemState(ctx, "t3_demo1")
	require.NoError(t, err)
	assert.True(t, st.Removed)

	items, err := d.FetchFlaggedItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = d.RefreshItemState(ctx, "t3_other")
	assert.True(t, errors.Is(err, model.ErrInvalidID))
}
