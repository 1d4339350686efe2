package textrace

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TextCodeConcurrentModification marks ErrConcurrentModification.
const TextCodeConcurrentModification = "CONCURRENT_MODIFICATION"

// ErrConcurrentModification is returned when the certificate and its
// transaction disagree during finalization.
var ErrConcurrentModification = goerrors.New("certificate was modified concurrently", goerrors.CategoryConflict).
	WithTextCode(TextCodeConcurrentModification).
	WithCode(goerrors.CodeConflict)

// Certificates is the bun backed CertificateStore.
type Certificates interface {
	CertificateStore
	CreatePendingTx(ctx context.Context, tx bun.IDB, cert *Certificate, txn *Transaction) error
}

type certificates struct {
	db    *bun.DB
	certs repository.Repository[*Certificate]
	txns  repository.Repository[*Transaction]
}

var _ Certificates = (*certificates)(nil)

// NewCertificatesRepository returns a CertificateStore over db.
func NewCertificatesRepository(db *bun.DB) Certificates {
	return &certificates{
		db: db,
		certs: repository.NewRepository[*Certificate](db, repository.ModelHandlers[*Certificate]{
			NewRecord: func() *Certificate { return &Certificate{} },
			GetID: func(c *Certificate) uuid.UUID {
				if c == nil {
					return uuid.Nil
				}
				return c.ID
			},
			SetID: func(c *Certificate, id uuid.UUID) {
				if c != nil {
					c.ID = id
				}
			},
		}),
		txns: repository.NewRepository[*Transaction](db, repository.ModelHandlers[*Transaction]{
			NewRecord: func() *Transaction { return &Transaction{} },
			GetID: func(t *Transaction) uuid.UUID {
				if t == nil {
					return uuid.Nil
				}
				return t.ID
			},
			SetID: func(t *Transaction, id uuid.UUID) {
				if t != nil {
					t.ID = id
				}
			},
		}),
	}
}

func (r *certificates) CreatePending(ctx context.Context, cert *Certificate, txn *Transaction) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return r.CreatePendingTx(ctx, tx, cert, txn)
	})
}

func (r *certificates) CreatePendingTx(ctx context.Context, tx bun.IDB, cert *Certificate, txn *Transaction) error {
	if cert == nil || txn == nil {
		return newValidationError("certificate and transaction are required", nil)
	}

	taken, err := tx.NewSelect().
		Model((*Certificate)(nil)).
		Where("owner_id = ?", cert.OwnerID).
		Where("record_id = ?", cert.RecordID).
		Exists(ctx)
	if err != nil {
		return err
	}
	if taken {
		return withMetadata(ErrRecordIDCollision, map[string]any{"record_id": cert.RecordID})
	}

	var last int64
	err = tx.NewSelect().
		Model((*Certificate)(nil)).
		ColumnExpr("COALESCE(MAX(sequence), 0)").
		Where("owner_id = ?", cert.OwnerID).
		Scan(ctx, &last)
	if err != nil {
		return err
	}
	cert.Sequence = last + 1

	if cert.ID == uuid.Nil {
		cert.ID = uuid.New()
	}
	if _, err := r.certs.CreateTx(ctx, tx, cert); err != nil {
		if isUniqueViolation(err) {
			return wrapAs(ErrRecordIDCollision, err, map[string]any{"record_id": cert.RecordID})
		}
		return err
	}

	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CertificateID = cert.ID
	txn.RecordID = cert.RecordID
	if _, err := r.txns.CreateTx(ctx, tx, txn); err != nil {
		return err
	}

	return nil
}

func (r *certificates) FindByID(ctx context.Context, id uuid.UUID) (*Certificate, error) {
	record := &Certificate{}
	err := r.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"id": id.String()})
	}
	return record, nil
}

func (r *certificates) FindByRecordID(ctx context.Context, ownerID uuid.UUID, recordID string) (*Certificate, error) {
	record := &Certificate{}
	err := r.db.NewSelect().
		Model(record).
		Where("?TableAlias.owner_id = ?", ownerID).
		Where("?TableAlias.record_id = ?", recordID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"record_id": recordID})
	}
	return record, nil
}

func (r *certificates) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Certificate, error) {
	records := []*Certificate{}
	err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.owner_id = ?", ownerID).
		Order("created_at DESC", "sequence DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}

func (r *certificates) ListByRecordID(ctx context.Context, recordID string) ([]*Certificate, error) {
	records := []*Certificate{}
	err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.record_id = ?", recordID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}

func (r *certificates) Transactions(ctx context.Context, certificateID uuid.UUID) ([]*Transaction, error) {
	records := []*Transaction{}
	err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.certificate_id = ?", certificateID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}

// Finalize updates the certificate only while it is still pending, the
// status guard is the optimistic concurrency check.
func (r *certificates) Finalize(ctx context.Context, f Finalization) (*Certificate, bool, error) {
	applied := false
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*Certificate)(nil)).
			Set("status = ?", f.Status).
			Set("token_id = ?", optionalString(f.TokenID)).
			Set("failure_reason = ?", optionalString(f.FailureReason)).
			Set("updated_at = ?", f.At)
		if f.Status == CertificateStatusConfirmed {
			q = q.Set("confirmed_at = ?", f.At)
		}

		res, err := q.
			Where("id = ?", f.CertificateID).
			Where("status = ?", CertificateStatusPending).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		res, err = tx.NewUpdate().
			Model((*Transaction)(nil)).
			Set("status = ?", f.Status).
			Set("transaction_token = ?", optionalString(f.TransactionToken)).
			Set("failure_reason = ?", optionalString(f.FailureReason)).
			Set("updated_at = ?", f.At).
			Where("certificate_id = ?", f.CertificateID).
			Where("kind = ?", TransactionKindMint).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return withMetadata(ErrConcurrentModification, map[string]any{
				"certificate_id": f.CertificateID.String(),
				"transactions":   n,
			})
		}

		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	current, err := r.FindByID(ctx, f.CertificateID)
	if err != nil {
		return nil, false, err
	}
	return current, applied, nil
}

func (r *certificates) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Certificate, error) {
	records := []*Certificate{}
	q := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", CertificateStatusPending).
		Where("?TableAlias.created_at < ?", createdBefore).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}

func (r *certificates) CountByStatus(ctx context.Context, ownerID uuid.UUID) (map[CertificateStatus]int, error) {
	var rows []struct {
		Status CertificateStatus `bun:"status"`
		Total  int               `bun:"total"`
	}
	err := r.db.NewSelect().
		Model((*Certificate)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS total").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	counts := map[CertificateStatus]int{
		CertificateStatusPending:   0,
		CertificateStatusConfirmed: 0,
		CertificateStatusFailed:    0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func notFoundOr(err error, meta map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return withMetadata(ErrCertificateNotFound, meta)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed: unique")
}
