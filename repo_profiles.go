package textrace

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Profiles stores account records for the local identity provider.
type Profiles interface {
	repository.Repository[*Profile]
	ProfileStore

	Register(ctx context.Context, profile *Profile) (*Profile, error)
	RegisterTx(ctx context.Context, tx bun.IDB, profile *Profile) (*Profile, error)
	FindByEmail(ctx context.Context, email string) (*Profile, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Profile, error)
	UpdateWalletTx(ctx context.Context, tx bun.IDB, identityID, walletID string) error
}

type profiles struct {
	repository.Repository[*Profile]
	db  *bun.DB
	now func() time.Time
}

var (
	_ Profiles                        = (*profiles)(nil)
	_ repository.Repository[*Profile] = (*profiles)(nil)
)

// NewProfilesRepository returns the bun backed profile store.
func NewProfilesRepository(db *bun.DB) Profiles {
	repo := repository.NewRepository[*Profile](db, repository.ModelHandlers[*Profile]{
		NewRecord: func() *Profile { return &Profile{} },
		GetID: func(p *Profile) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *Profile, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &profiles{
		Repository: repo,
		db:         db,
		now:        time.Now,
	}
}

func (a *profiles) Register(ctx context.Context, profile *Profile) (*Profile, error) {
	return a.RegisterTx(ctx, a.db, profile)
}

// RegisterTx inserts profile, an existing email maps to ErrAccountExists.
func (a *profiles) RegisterTx(ctx context.Context, tx bun.IDB, profile *Profile) (*Profile, error) {
	if profile == nil {
		return nil, newValidationError("profile is required", nil)
	}
	profile.Email = normalizeEmail(profile.Email)
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}

	exists, err := tx.NewSelect().
		Model((*Profile)(nil)).
		Where("email = ?", profile.Email).
		Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, withMetadata(ErrAccountExists, map[string]any{"email": profile.Email})
	}

	created, err := a.Repository.CreateTx(ctx, tx, profile)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, wrapAs(ErrAccountExists, err, map[string]any{"email": profile.Email})
		}
		return nil, err
	}
	return created, nil
}

func (a *profiles) FindByEmail(ctx context.Context, email string) (*Profile, error) {
	record := &Profile{}
	err := a.db.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", normalizeEmail(email)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, profileNotFoundOr(err, map[string]any{"email": email})
	}
	return record, nil
}

func (a *profiles) FindByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	record := &Profile{}
	err := a.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, profileNotFoundOr(err, map[string]any{"id": id.String()})
	}
	return record, nil
}

func (a *profiles) UpdateWallet(ctx context.Context, identityID, walletID string) error {
	return a.UpdateWalletTx(ctx, a.db, identityID, walletID)
}

// UpdateWalletTx sets the wallet column only, an empty walletID clears it.
func (a *profiles) UpdateWalletTx(ctx context.Context, tx bun.IDB, identityID, walletID string) error {
	id, err := uuid.Parse(identityID)
	if err != nil {
		return newValidationError("invalid identity id", map[string]any{"id": identityID})
	}

	res, err := tx.NewUpdate().
		Model((*Profile)(nil)).
		Set("wallet_id = ?", optionalString(strings.TrimSpace(walletID))).
		Set("updated_at = ?", a.now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": identityID,
			})
	}

	return nil
}

func profileNotFoundOr(err error, meta map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return repository.NewRecordNotFound().WithMetadata(meta)
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
