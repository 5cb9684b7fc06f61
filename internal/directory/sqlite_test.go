package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "proposalbot/pkg/logx"
)

func openTestDir(t *testing.T) *SQLite {
	t.Helper()
	d, err := Open(Config{Path: filepath.Join(t.TempDir(), "directory.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestTenantRoundTrip(t *testing.T) {
	t.Parallel()
	d := openTestDir(t)
	ctx := context.Background()

	want := TenantConfig{
		ID:               1,
		Name:             "proposals",
		Token:            "123:abc",
		Active:           true,
		WelcomeText:      "hi",
		ConfirmationText: "got it",
		FooterText:       "footer",
		Channels:         []Channel{{ChatID: -100, Title: "Main"}, {ChatID: -50, Title: "Backup"}},
		Admins:           []int64{100, 200},
	}
	if err := d.UpsertTenant(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := d.GetTenantConfig(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != want.Name || got.Token != want.Token || !got.Active {
		t.Fatalf("tenant = %+v", got)
	}
	if len(got.Channels) != 2 || len(got.Admins) != 2 {
		t.Fatalf("channels=%d admins=%d, want 2/2", len(got.Channels), len(got.Admins))
	}
	if !got.IsAdmin(100) || got.IsAdmin(999) {
		t.Fatal("IsAdmin mismatch")
	}

	if _, err := d.GetTenantConfig(ctx, 42); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("missing tenant err = %v, want ErrTenantNotFound", err)
	}
}

func TestListActiveTenantIDs(t *testing.T) {
	t.Parallel()
	d := openTestDir(t)
	ctx := context.Background()

	for id, active := range map[int64]bool{1: true, 2: false, 3: true} {
		if err := d.UpsertTenant(ctx, TenantConfig{ID: id, Token: "t", Active: active}); err != nil {
			t.Fatalf("upsert %d: %v", id, err)
		}
	}
	ids, err := d.ListActiveTenantIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ids = %v, want [1 3]", ids)
	}

	if err := d.SetActive(ctx, 3, false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	ids, _ = d.ListActiveTenantIDs(ctx)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("ids after deactivate = %v, want [1]", ids)
	}
}

func TestBlockList(t *testing.T) {
	t.Parallel()
	d := openTestDir(t)
	ctx := context.Background()
	if err := d.UpsertTenant(ctx, TenantConfig{ID: 1, Token: "t", Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if blocked, _ := d.IsBlocked(ctx, 1, 10); blocked {
		t.Fatal("fresh user should not be blocked")
	}
	if err := d.Block(ctx, 1, 10); err != nil {
		t.Fatalf("block: %v", err)
	}
	// Blocking twice is a no-op, not an error.
	if err := d.Block(ctx, 1, 10); err != nil {
		t.Fatalf("double block: %v", err)
	}
	if blocked, _ := d.IsBlocked(ctx, 1, 10); !blocked {
		t.Fatal("user should be blocked")
	}
	// Block lists are per tenant.
	if blocked, _ := d.IsBlocked(ctx, 2, 10); blocked {
		t.Fatal("block must not leak across tenants")
	}
	if err := d.Unblock(ctx, 1, 10); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if blocked, _ := d.IsBlocked(ctx, 1, 10); blocked {
		t.Fatal("user should be unblocked")
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()
	d := openTestDir(t)
	ctx := context.Background()
	if err := d.UpsertTenant(ctx, TenantConfig{ID: 1, Token: "t", Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if v, _ := d.GetSetting(ctx, 1, SettingPublicationFooter, "default"); v != "default" {
		t.Fatalf("missing setting = %q, want default", v)
	}
	if err := d.SetSetting(ctx, 1, SettingPublicationFooter, "— via bot"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := d.GetSetting(ctx, 1, SettingPublicationFooter, "default"); v != "— via bot" {
		t.Fatalf("setting = %q", v)
	}
	if err := d.SetSetting(ctx, 1, SettingPublicationFooter, "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := d.GetSetting(ctx, 1, SettingPublicationFooter, ""); v != "v2" {
		t.Fatalf("overwritten setting = %q", v)
	}
}
