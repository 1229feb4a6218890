package reddit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"modbridge/internal/model"
)

// DemoSource is an in-memory backend for test alerts. Seeded items are
// returned from FetchFlaggedItems and verbs only flip local state.
type DemoSource struct {
	sub string
	now func() time.Time

	mu    sync.Mutex
	items map[string]model.FlaggedItem
	order []string
}

func NewDemoSource(subreddit string) *DemoSource {
	return &DemoSource{
		sub:   strings.TrimPrefix(subreddit, "r/"),
		now:   time.Now,
		items: map[string]model.FlaggedItem{},
	}
}

// Seed stores it, filling demo defaults for empty fields, and returns the
// stored value.
func (d *DemoSource) Seed(it model.FlaggedItem) model.FlaggedItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if it.ID == "" {
		it.ID = fmt.Sprintf("t3_demo%x", d.now().Unix())
	}
	if kind, err := model.KindOf(it.ID); err == nil {
		it.Kind = kind
	}
	if it.Container == "" {
		it.Container = d.sub
	}
	if it.Author == "" {
		it.Author = "demo_user"
	}
	if it.Title == "" {
		it.Title = "Demo reported item"
	}
	if it.Snippet == "" {
		it.Snippet = "This is a test alert. Actions only change local demo state."
	}
	if it.Permalink == "" {
		it.Permalink = DefaultWebBase + "/r/" + it.Container + "/"
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = d.now().UTC()
	}
	if len(it.UserReports) == 0 {
		it.UserReports = []string{"Spam x1"}
	}
	if it.NumReports <= 0 {
		it.NumReports = 1
	}
	if _, ok := d.items[it.ID]; !ok {
		d.order = append(d.order, it.ID)
	}
	d.items[it.ID] = it
	return it
}

func (d *DemoSource) FetchFlaggedItems(context.Context) ([]model.FlaggedItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.FlaggedItem, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.items[id])
	}
	return out, nil
}

func (d *DemoSource) RefreshItemState(_ context.Context, itemID string) (model.ItemState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[itemID]
	if !ok {
		return model.ItemState{}, fmt.Errorf("%w: %s", ErrInvalidID, itemID)
	}
	return it.State(), nil
}

func (d *DemoSource) FetchModerationLog(context.Context, string, int, time.Time) ([]model.ModlogEntry, error) {
	return nil, nil
}

func (d *DemoSource) update(itemID string, fn func(*model.FlaggedItem)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidID, itemID)
	}
	fn(&it)
	d.items[itemID] = it
	return nil
}

func (d *DemoSource) Approve(_ context.Context, itemID string) error {
	return d.update(itemID, func(it *model.FlaggedItem) { it.Approved, it.Removed = true, false })
}

func (d *DemoSource) Remove(_ context.Context, itemID string, _ bool) error {
	return d.update(itemID, func(it *model.FlaggedItem) { it.Removed, it.Approved = true, false })
}

func (d *DemoSource) SetLocked(_ context.Context, itemID string, locked bool) error {
	return d.update(itemID, func(it *model.FlaggedItem) { it.Locked = locked })
}

func (d *DemoSource) SetIgnoreReports(_ context.Context, itemID string, ignore bool) error {
	return d.update(itemID, func(it *model.FlaggedItem) { it.ReportsIgnored = ignore })
}

func (d *DemoSource) Reply(_ context.Context, itemID, _ string, _, _ bool) (string, error) {
	if err := d.update(itemID, func(*model.FlaggedItem) {}); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/comments/demo/%d", DefaultWebBase, d.now().Unix()), nil
}

func (d *DemoSource) Ban(context.Context, BanRequest) (string, error) {
	return DefaultWebBase + "/r/" + d.sub + "/about/log/?type=banuser", nil
}

func (d *DemoSource) SendModmail(context.Context, ModmailRequest) (string, error) {
	return fmt.Sprintf("https://mod.reddit.com/mail/perma/demo-%d", d.now().Unix()), nil
}

func (d *DemoSource) SendRemovalMessage(ctx context.Context, req RemovalRequest) error {
	return d.Remove(ctx, req.ItemID, false)
}
