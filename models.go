package textrace

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserRole is the dashboard a profile works with
type UserRole = string

const (
	// RoleManufacturer mints certificates for textile batches
	RoleManufacturer UserRole = "manufacturer"
	// RoleSupplier tracks deliveries
	RoleSupplier UserRole = "supplier"
	// RoleConsumer verifies products
	RoleConsumer UserRole = "consumer"
)

// IsValidRole reports whether role is one of the known dashboards.
func IsValidRole(role UserRole) bool {
	switch role {
	case RoleManufacturer, RoleSupplier, RoleConsumer:
		return true
	default:
		return false
	}
}

// Profile is the account record owned by the identity provider
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:prf"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email         string     `bun:"email,notnull,unique" json:"email,omitempty"`
	DisplayName   string     `bun:"display_name,notnull" json:"display_name,omitempty"`
	WalletID      *string    `bun:"wallet_id" json:"wallet_id,omitempty"`
	Role          UserRole   `bun:"user_role,notnull" json:"user_role,omitempty"`
	PasswordHash  string     `bun:"password_hash" json:"-"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// CertificateStatus is the lifecycle status of a certificate record.
type CertificateStatus string

const (
	CertificateStatusPending   CertificateStatus = "pending"
	CertificateStatusConfirmed CertificateStatus = "confirmed"
	CertificateStatusFailed    CertificateStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s CertificateStatus) IsTerminal() bool {
	return s == CertificateStatusConfirmed || s == CertificateStatusFailed
}

// TransactionKind is the operation an audit transaction records.
type TransactionKind string

const (
	TransactionKindMint TransactionKind = "mint"
)

// Certificate is one simulated NFT mint
type Certificate struct {
	bun.BaseModel    `bun:"table:certificates,alias:cert"`
	ID               uuid.UUID         `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	RecordID         string            `bun:"record_id,notnull" json:"record_id"`
	OwnerID          uuid.UUID         `bun:"owner_id,notnull,type:uuid" json:"owner_id"`
	BatchName        string            `bun:"batch_name,notnull" json:"batch_name"`
	OriginLocation   string            `bun:"origin_location,notnull" json:"origin_location"`
	Composition      *string           `bun:"composition" json:"composition,omitempty"`
	CertificationRef *string           `bun:"certification_ref" json:"certification_ref,omitempty"`
	ProductionDate   time.Time         `bun:"production_date,notnull" json:"production_date"`
	Metadata         Metadata          `bun:"metadata,type:json" json:"metadata,omitempty"`
	Status           CertificateStatus `bun:"status,notnull" json:"status"`
	TokenID          *string           `bun:"token_id" json:"token_id,omitempty"`
	FailureReason    *string           `bun:"failure_reason" json:"failure_reason,omitempty"`
	Sequence         int64             `bun:"sequence,notnull" json:"-"`
	CreatedAt        time.Time         `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time         `bun:"updated_at,notnull" json:"updated_at"`
	ConfirmedAt      *time.Time        `bun:"confirmed_at" json:"confirmed_at,omitempty"`
}

// IsPending reports whether the certificate still waits for confirmation.
func (c *Certificate) IsPending() bool {
	return c != nil && c.Status == CertificateStatusPending
}

// IsConfirmed reports whether the certificate reached the confirmed state.
func (c *Certificate) IsConfirmed() bool {
	return c != nil && c.Status == CertificateStatusConfirmed
}

// IsFailed reports whether the certificate reached the failed state.
func (c *Certificate) IsFailed() bool {
	return c != nil && c.Status == CertificateStatusFailed
}

// Token returns the external-reference token or an empty string.
func (c *Certificate) Token() string {
	if c == nil || c.TokenID == nil {
		return ""
	}
	return *c.TokenID
}

// Reason returns the failure reason or an empty string.
func (c *Certificate) Reason() string {
	if c == nil || c.FailureReason == nil {
		return ""
	}
	return *c.FailureReason
}

// Clone returns a copy that shares no pointers with c.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	out := *c
	out.Composition = cloneString(c.Composition)
	out.CertificationRef = cloneString(c.CertificationRef)
	out.TokenID = cloneString(c.TokenID)
	out.FailureReason = cloneString(c.FailureReason)
	if c.ConfirmedAt != nil {
		at := *c.ConfirmedAt
		out.ConfirmedAt = &at
	}
	out.Metadata = c.Metadata.Clone()
	return &out
}

// Transaction is the audit trail entry of a lifecycle operation
type Transaction struct {
	bun.BaseModel    `bun:"table:certificate_transactions,alias:ctx"`
	ID               uuid.UUID         `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	OwnerID          uuid.UUID         `bun:"owner_id,notnull,type:uuid" json:"owner_id"`
	Kind             TransactionKind   `bun:"kind,notnull" json:"kind"`
	CertificateID    uuid.UUID         `bun:"certificate_id,notnull,type:uuid" json:"certificate_id"`
	RecordID         string            `bun:"record_id,notnull" json:"record_id"`
	Status           CertificateStatus `bun:"status,notnull" json:"status"`
	TransactionToken *string           `bun:"transaction_token" json:"transaction_token,omitempty"`
	FailureReason    *string           `bun:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time         `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time         `bun:"updated_at,notnull" json:"updated_at"`
}

// Token returns the external-transaction token or an empty string.
func (t *Transaction) Token() string {
	if t == nil || t.TransactionToken == nil {
		return ""
	}
	return *t.TransactionToken
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
