// Package identity supplies the authenticated caller to the session core.
package identity

import "github.com/aura-webinar/stagecore/internal/models"

// Provider returns the current authenticated identity, or false when there is none.
type Provider interface {
	CurrentIdentity() (models.Identity, bool)
}

// ProviderFunc adapts a func to Provider.
type ProviderFunc func() (models.Identity, bool)

// CurrentIdentity calls f.
func (f ProviderFunc) CurrentIdentity() (models.Identity, bool) { return f() }

// Static always reports the same identity. The zero value reports none.
type Static struct {
	Identity *models.Identity
}

// CurrentIdentity returns the fixed identity.
func (s Static) CurrentIdentity() (models.Identity, bool) {
	if s.Identity == nil || s.Identity.ID == "" {
		return models.Identity{}, false
	}
	return *s.Identity, true
}

// Anonymous reports no identity.
var Anonymous Provider = Static{}
