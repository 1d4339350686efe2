package textrace

import (
	"time"

	"github.com/google/uuid"
)

// SessionWindow is the validity window of an authenticated session.
type SessionWindow struct {
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is an authenticated principal.
type Identity struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	DisplayName string        `json:"display_name"`
	WalletID    string        `json:"wallet_id,omitempty"`
	Role        UserRole      `json:"role"`
	Session     SessionWindow `json:"session"`
}

// UUID parses the identity id.
func (i *Identity) UUID() (uuid.UUID, error) {
	if i == nil {
		return uuid.Nil, ErrNotAuthenticated
	}
	return uuid.Parse(i.ID)
}

// Expired reports whether the session window closed at now. A zero
// ExpiresAt never expires.
func (i *Identity) Expired(now time.Time) bool {
	if i == nil {
		return true
	}
	if i.Session.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(i.Session.ExpiresAt)
}

// HasWallet reports whether a wallet is linked.
func (i *Identity) HasWallet() bool {
	return i != nil && i.WalletID != ""
}

// Clone returns a detached copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	return &out
}

// Same reports whether both values describe the same principal and session.
func (i *Identity) Same(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return i.ID == other.ID &&
		i.Email == other.Email &&
		i.DisplayName == other.DisplayName &&
		i.WalletID == other.WalletID &&
		i.Role == other.Role &&
		i.Session.IssuedAt.Equal(other.Session.IssuedAt) &&
		i.Session.ExpiresAt.Equal(other.Session.ExpiresAt)
}

// IdentityFromProfile maps a stored profile to an identity.
func IdentityFromProfile(p *Profile, window SessionWindow) *Identity {
	if p == nil {
		return nil
	}
	id := &Identity{
		ID:          p.ID.String(),
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Session:     window,
	}
	if p.WalletID != nil {
		id.WalletID = *p.WalletID
	}
	return id
}
