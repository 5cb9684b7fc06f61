// Package directory stores tenant records: bot credentials, channels, admin
// sets, block lists, and per-tenant settings. The moderation core reads it
// through the narrow Directory interface and writes only block-list changes.
package directory

import (
	"context"
	"errors"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Channel is one broadcast target of a tenant.
type Channel struct {
	ChatID int64
	Title  string
}

// TenantConfig is an immutable snapshot of one tenant. A running session
// keeps the snapshot it was started with; changes require a registry Restart.
type TenantConfig struct {
	ID               int64
	Name             string
	Token            string
	Active           bool
	WelcomeText      string
	ConfirmationText string
	FooterText       string
	Channels         []Channel
	Admins           []int64
}

// IsAdmin reports whether userID belongs to the tenant's admin set.
func (t TenantConfig) IsAdmin(userID int64) bool {
	for _, id := range t.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// Directory is the read/lookup surface the bot core depends on.
type Directory interface {
	GetTenantConfig(ctx context.Context, tenantID int64) (TenantConfig, error)
	ListActiveTenantIDs(ctx context.Context) ([]int64, error)

	IsBlocked(ctx context.Context, tenantID, userID int64) (bool, error)
	Block(ctx context.Context, tenantID, userID int64) error
	Unblock(ctx context.Context, tenantID, userID int64) error

	GetSetting(ctx context.Context, tenantID int64, key, def string) (string, error)
}

// SettingPublicationFooter is appended to published posts when set.
const SettingPublicationFooter = "publication_footer"
