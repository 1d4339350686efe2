package textrace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// IdentityProvider is the external service that authenticates principals
// and owns the durable client session.
type IdentityProvider interface {
	Authenticate(ctx context.Context, email, password string) (*Identity, error)
	Register(ctx context.Context, email, password string, attrs RegistrationAttributes) (*Identity, error)
	Invalidate(ctx context.Context) error
	// CurrentSession returns nil, nil when there is no valid session.
	CurrentSession(ctx context.Context) (*Identity, error)
	Subscribe(fn func(SessionEvent)) (unsubscribe func())
}

// RegistrationAttributes are the profile attributes sent along a sign up.
type RegistrationAttributes struct {
	DisplayName string
	WalletID    string
	Role        UserRole
}

// SessionEventKind describes what changed on the provider side.
type SessionEventKind string

const (
	SessionEventSignedIn  SessionEventKind = "signed_in"
	SessionEventSignedOut SessionEventKind = "signed_out"
	SessionEventUpdated   SessionEventKind = "updated"
)

// SessionEvent is delivered by the provider change stream.
type SessionEvent struct {
	Kind       SessionEventKind
	IdentityID string
	OccurredAt time.Time
}

// ProfileStore persists profile attributes owned by an identity.
type ProfileStore interface {
	UpdateWallet(ctx context.Context, identityID, walletID string) error
}

// IdentitySource resolves the identity that owns mutating operations.
type IdentitySource interface {
	RequireIdentity() (*Identity, error)
}

// CertificateStore is the row store for certificate and transaction records.
type CertificateStore interface {
	// CreatePending inserts both records atomically. It returns an error
	// matching IsRecordIDCollision when the owner already has the record id.
	CreatePending(ctx context.Context, cert *Certificate, txn *Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*Certificate, error)
	FindByRecordID(ctx context.Context, ownerID uuid.UUID, recordID string) (*Certificate, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Certificate, error)
	ListByRecordID(ctx context.Context, recordID string) ([]*Certificate, error)
	Transactions(ctx context.Context, certificateID uuid.UUID) ([]*Transaction, error)
	// Finalize moves a pending certificate and its transaction to a terminal
	// status. applied is false when the certificate was no longer pending.
	Finalize(ctx context.Context, f Finalization) (cert *Certificate, applied bool, err error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Certificate, error)
	CountByStatus(ctx context.Context, ownerID uuid.UUID) (map[CertificateStatus]int, error)
}

// Finalization describes a terminal transition request.
type Finalization struct {
	CertificateID    uuid.UUID
	Status           CertificateStatus
	TokenID          string
	TransactionToken string
	FailureReason    string
	At               time.Time
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] TEXTRACE "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] TEXTRACE "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] TEXTRACE "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] TEXTRACE "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

// DefaultLogger returns the stdout logger used when none is configured.
func DefaultLogger() Logger {
	return defLogger{}
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
