package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"modbridge/internal/model"
	"modbridge/internal/storage"
)

type staticTenants struct {
	ids      map[string]bool
	channels map[string]string
	guilds   map[string]string
}

func (s staticTenants) Has(id string) bool { return s.ids[id] }

func (s staticTenants) ByChannel(ch string) (string, bool) {
	id, ok := s.channels[ch]
	return id, ok
}

func (s staticTenants) ByGuild(g string) (string, bool) {
	id, ok := s.guilds[g]
	return id, ok
}

func saveRaw(t *testing.T, st *storage.Store, v storage.ViewRecord) {
	t.Helper()
	if err := st.SaveView(context.Background(), v); err != nil {
		t.Fatalf("SaveView(%s): %v", v.MessageID, err)
	}
}

func encoded(t *testing.T, p model.AlertPayload) []byte {
	t.Helper()
	b, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func TestRecoverRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.source.setItems(flagged("t3_a", 1, time.Hour), flagged("t1_b", 1, time.Hour))
	h.run(t)

	tenants := staticTenants{ids: map[string]bool{"main": true}}
	fresh := newFakeNotifier()
	rep, err := Recover(ctx, h.store, tenants, fresh, RecoverOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Loaded != 2 || rep.Restored != 2 {
		t.Fatalf("report = %+v, want 2 restored", rep)
	}
	for id, want := range h.notifier.views {
		got, ok := fresh.LookupView(id)
		if !ok || !got.Equal(want) {
			t.Fatalf("restored view %s = %+v, want %+v", id, got, want)
		}
		if fresh.owners[id] != "main" {
			t.Fatalf("owner of %s = %q", id, fresh.owners[id])
		}
	}
}

func TestRecoverDeletesCorruptRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	saveRaw(t, h.store, storage.ViewRecord{MessageID: "bad", TenantID: "main", Payload: []byte("{not json")})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "empty", TenantID: "main", Payload: []byte(`{"view_version":2,"item_id":""}`)})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "future", TenantID: "main", Payload: []byte(`{"view_version":99}`)})

	rep, err := Recover(ctx, h.store, staticTenants{ids: map[string]bool{"main": true}}, newFakeNotifier(), RecoverOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Deleted != 3 || rep.Restored != 0 {
		t.Fatalf("report = %+v, want 3 deleted", rep)
	}
	views, err := h.store.LoadViews(ctx)
	if err != nil || len(views) != 0 {
		t.Fatalf("LoadViews = %d rows, %v; want none", len(views), err)
	}
}

func TestRecoverResolvesOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := model.NewPayload("", flagged("t3_a", 1, time.Hour))
	withSetup := model.NewPayload("side", flagged("t3_b", 1, time.Hour))
	legacy := []byte(`{"fullname":"t3_c","subreddit":"golang","created_utc":1714560000.5}`)

	saveRaw(t, h.store, storage.ViewRecord{MessageID: "by-setup", TenantID: "gone", Payload: encoded(t, withSetup)})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "by-record", TenantID: "main", Payload: encoded(t, p)})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "by-channel", ChannelID: "c9", Payload: encoded(t, p)})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "by-guild", GuildID: "g1", Payload: legacy})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "orphan", TenantID: "gone", GuildID: "g-shared", Payload: encoded(t, p)})
	saveRaw(t, h.store, storage.ViewRecord{MessageID: "reject", TenantID: "main", Payload: encoded(t, p)})

	tenants := staticTenants{
		ids:      map[string]bool{"main": true, "side": true},
		channels: map[string]string{"c9": "side"},
		guilds:   map[string]string{"g1": "main"},
	}
	reg := &recordingRegistrar{fail: map[string]bool{"reject": true}}
	rep, err := Recover(ctx, h.store, tenants, reg, RecoverOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Restored != 4 || rep.Orphaned != 1 || rep.Failed != 1 || rep.Deleted != 0 {
		t.Fatalf("report = %+v", rep)
	}
	want := map[string]string{"by-setup": "side", "by-record": "main", "by-channel": "side", "by-guild": "main"}
	for msg, tenant := range want {
		if reg.owners[msg] != tenant {
			t.Fatalf("owner of %s = %q, want %q", msg, reg.owners[msg], tenant)
		}
	}
	if reg.payloads["by-guild"].ItemID != "t3_c" || reg.payloads["by-guild"].SetupID != "main" {
		t.Fatalf("legacy payload = %+v", reg.payloads["by-guild"])
	}

	// Orphaned rows stay for a later config.
	if _, ok, _ := h.store.GetView(ctx, "orphan"); !ok {
		t.Fatalf("orphan view should be kept")
	}
}

type recordingRegistrar struct {
	fail     map[string]bool
	owners   map[string]string
	payloads map[string]model.AlertPayload
}

func (r *recordingRegistrar) RegisterView(tenantID string, ref MessageRef, p model.AlertPayload) error {
	if r.fail[ref.MessageID] {
		return errors.New("unknown message")
	}
	if r.owners == nil {
		r.owners = map[string]string{}
		r.payloads = map[string]model.AlertPayload{}
	}
	r.owners[ref.MessageID] = tenantID
	r.payloads[ref.MessageID] = p
	return nil
}
