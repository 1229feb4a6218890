package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"modbridge/internal/model"
	"modbridge/internal/safety"
	logx "modbridge/pkg/logx"
)

// BanRequest bans a user from the subreddit. DurationDays nil or <= 0 is
// permanent.
type BanRequest struct {
	Username     string
	DurationDays *int
	Reason       string
	ModNote      string
	Message      string
}

// ModmailRequest opens a new modmail conversation with a user.
type ModmailRequest struct {
	To           string
	Subject      string
	Body         string
	AuthorHidden bool
}

// RemovalRequest removes an item and leaves a removal reason for its
// author.
type RemovalRequest struct {
	ItemID      string
	Title       string
	Message     string
	ModNote     string
	AsSubreddit bool
}

func (c *Client) Approve(ctx context.Context, itemID string) error {
	return c.itemVerb(ctx, "/api/approve", itemID, nil)
}

func (c *Client) Remove(ctx context.Context, itemID string, spam bool) error {
	return c.itemVerb(ctx, "/api/remove", itemID, url.Values{"spam": {strconv.FormatBool(spam)}})
}

func (c *Client) SetLocked(ctx context.Context, itemID string, locked bool) error {
	path := "/api/unlock"
	if locked {
		path = "/api/lock"
	}
	return c.itemVerb(ctx, path, itemID, nil)
}

func (c *Client) SetIgnoreReports(ctx context.Context, itemID string, ignore bool) error {
	path := "/api/unignore_reports"
	if ignore {
		path = "/api/ignore_reports"
	}
	return c.itemVerb(ctx, path, itemID, nil)
}

func (c *Client) itemVerb(ctx context.Context, path, itemID string, extra url.Values) error {
	itemID = strings.TrimSpace(itemID)
	if _, err := model.KindOf(itemID); err != nil {
		return err
	}
	form := url.Values{"id": {itemID}}
	for k, v := range extra {
		form[k] = v
	}
	if err := c.postForm(ctx, path, form, nil); err != nil {
		return fmt.Errorf("%s %s: %w", strings.TrimPrefix(path, "/api/"), itemID, err)
	}
	return nil
}

type jsonThings struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			Things []struct {
				Data struct {
					Name      string `json:"name"`
					Permalink string `json:"permalink"`
				} `json:"data"`
			} `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

func (j jsonThings) err() error {
	if len(j.JSON.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(j.JSON.Errors))
	for _, e := range j.JSON.Errors {
		parts = append(parts, fmt.Sprint(e...))
	}
	return errors.New(strings.Join(parts, "; "))
}

// Reply posts a distinguished moderator reply and returns its permalink.
// With lock set the item (or, for a comment, its submission) is locked.
// Distinguish and lock failures do not fail the reply.
func (c *Client) Reply(ctx context.Context, itemID, body string, sticky, lock bool) (string, error) {
	itemID = strings.TrimSpace(itemID)
	kind, err := model.KindOf(itemID)
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", errors.New("reply body is empty")
	}
	var out jsonThings
	form := url.Values{"thing_id": {itemID}, "text": {body}, "api_type": {"json"}}
	if err := c.postForm(ctx, "/api/comment", form, &out); err != nil {
		return "", fmt.Errorf("reply %s: %w", itemID, err)
	}
	if err := out.err(); err != nil {
		return "", fmt.Errorf("reply %s: %w", itemID, err)
	}
	if len(out.JSON.Data.Things) == 0 {
		return "", fmt.Errorf("reply %s: empty response", itemID)
	}
	created := out.JSON.Data.Things[0].Data

	dist := url.Values{"id": {created.Name}, "how": {"yes"}, "api_type": {"json"}}
	if sticky && kind == model.KindSubmission {
		dist.Set("sticky", "true")
	}
	if err := c.postForm(ctx, "/api/distinguish", dist, nil); err != nil {
		c.log.Warn("distinguish reply failed", logx.Err(err))
	}
	if lock {
		target := itemID
		if kind == model.KindComment {
			if parent, err := c.info(ctx, itemID); err == nil {
				target = submissionOf(parent)
			}
		}
		if err := c.SetLocked(ctx, target, true); err != nil {
			c.log.Warn("lock after reply failed", logx.Err(err))
		}
	}
	return safety.URL(DefaultWebBase + created.Permalink), nil
}

// submissionOf returns the t3_ id a comment belongs to, parsed from its
// permalink (/r/{sub}/comments/{id}/...).
func submissionOf(it model.FlaggedItem) string {
	p := strings.TrimPrefix(it.Permalink, DefaultWebBase)
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "comments" {
			return "t3_" + parts[i+1]
		}
	}
	return it.ID
}

// Ban bans a user and returns the ban log URL.
func (c *Client) Ban(ctx context.Context, req BanRequest) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(req.Username), "u/")
	if name == "" || name == "[deleted]" {
		return "", errors.New("ban: no username")
	}
	form := url.Values{
		"name":     {name},
		"type":     {"banned"},
		"api_type": {"json"},
	}
	if req.DurationDays != nil && *req.DurationDays > 0 {
		form.Set("duration", strconv.Itoa(*req.DurationDays))
	}
	if s := strings.TrimSpace(req.Reason); s != "" {
		form.Set("ban_reason", s)
	}
	if s := strings.TrimSpace(req.ModNote); s != "" {
		form.Set("note", s)
	}
	if s := strings.TrimSpace(req.Message); s != "" {
		form.Set("ban_message", s)
	}
	var out jsonThings
	if err := c.postForm(ctx, "/r/"+url.PathEscape(c.opts.Subreddit)+"/api/friend", form, &out); err != nil {
		return "", fmt.Errorf("ban u/%s: %w", name, err)
	}
	if err := out.err(); err != nil {
		return "", fmt.Errorf("ban u/%s: %w", name, err)
	}
	return DefaultWebBase + "/r/" + c.opts.Subreddit + "/about/log/?type=banuser", nil
}

// SendModmail opens a conversation and returns its permalink.
func (c *Client) SendModmail(ctx context.Context, req ModmailRequest) (string, error) {
	to := strings.TrimPrefix(strings.TrimSpace(req.To), "u/")
	if to == "" || strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Body) == "" {
		return "", errors.New("modmail: recipient, subject and body are required")
	}
	form := url.Values{
		"srName":         {c.opts.Subreddit},
		"to":             {to},
		"subject":        {strings.TrimSpace(req.Subject)},
		"body":           {strings.TrimSpace(req.Body)},
		"isAuthorHidden": {strconv.FormatBool(req.AuthorHidden)},
	}
	var out struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	if err := c.postForm(ctx, "/api/mod/conversations", form, &out); err != nil {
		return "", fmt.Errorf("modmail u/%s: %w", to, err)
	}
	if out.Conversation.ID == "" {
		return "", nil
	}
	return "https://mod.reddit.com/mail/perma/" + out.Conversation.ID, nil
}

// SendRemovalMessage removes the item and attaches a public removal
// reason.
func (c *Client) SendRemovalMessage(ctx context.Context, req RemovalRequest) error {
	itemID := strings.TrimSpace(req.ItemID)
	kind, err := model.KindOf(itemID)
	if err != nil {
		return err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return errors.New("removal message is empty")
	}
	extra := url.Values{"spam": {"false"}}
	if s := strings.TrimSpace(req.ModNote); s != "" {
		extra.Set("mod_note", s)
	}
	if err := c.itemVerb(ctx, "/api/remove", itemID, extra); err != nil {
		return err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Removed"
	}
	typ := "public"
	if req.AsSubreddit {
		typ = "public_as_subreddit"
	}
	path := "/api/v1/modactions/removal_link_message"
	if kind == model.KindComment {
		path = "/api/v1/modactions/removal_comment_message"
	}
	body := map[string]string{"item_id": itemID, "message": msg, "title": title, "type": typ}
	if err := c.postJSON(ctx, path, body, nil); err != nil {
		return fmt.Errorf("removal message %s: %w", itemID, err)
	}
	return nil
}
