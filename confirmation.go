package textrace

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConfirmationRequest identifies the record awaiting finality.
type ConfirmationRequest struct {
	CertificateID uuid.UUID
	RecordID      string
	OwnerID       uuid.UUID
	WalletID      string
	RequestedAt   time.Time
}

// Confirmation is the outcome of an external finality event.
type Confirmation struct {
	TokenID       string
	TransactionID string
	// Err, when set, reports that the external system rejected the mint.
	Err error
}

// Succeeded reports whether the confirmation carries a usable token.
func (c Confirmation) Succeeded() bool {
	return c.Err == nil && c.TokenID != ""
}

// ConfirmationSource delivers the asynchronous finality event for a pending
// certificate. Implementations must honour ctx cancellation.
type ConfirmationSource interface {
	Await(ctx context.Context, req ConfirmationRequest) (Confirmation, error)
}

// ConfirmationSourceFunc adapts a function to ConfirmationSource.
type ConfirmationSourceFunc func(ctx context.Context, req ConfirmationRequest) (Confirmation, error)

func (f ConfirmationSourceFunc) Await(ctx context.Context, req ConfirmationRequest) (Confirmation, error) {
	return f(ctx, req)
}

// SimulatedLedger stands in for a token service: it waits Delay and mints a
// Hedera style token id.
type SimulatedLedger struct {
	Delay       time.Duration
	FailureRate float64
	TokenShard  string
	AccountID   string

	serial atomic.Int64
	now    func() time.Time
	rnd    func() float64
}

// NewSimulatedLedger returns a ledger with the given confirmation delay.
func NewSimulatedLedger(delay time.Duration) *SimulatedLedger {
	return &SimulatedLedger{
		Delay:      delay,
		TokenShard: fmt.Sprintf("0.0.%d", 4000000+rand.IntN(1000000)),
		AccountID:  fmt.Sprintf("0.0.%d", 1000+rand.IntN(900000)),
		now:        time.Now,
		rnd:        rand.Float64,
	}
}

func (l *SimulatedLedger) Await(ctx context.Context, req ConfirmationRequest) (Confirmation, error) {
	if l.Delay > 0 {
		timer := time.NewTimer(l.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}

	rnd := l.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	if l.FailureRate > 0 && rnd() < l.FailureRate {
		return Confirmation{Err: fmt.Errorf("mint of %s rejected by ledger", req.RecordID)}, nil
	}

	now := time.Now
	if l.now != nil {
		now = l.now
	}
	at := now()
	serial := l.serial.Add(1)

	return Confirmation{
		TokenID:       fmt.Sprintf("%s/%d", l.TokenShard, serial),
		TransactionID: fmt.Sprintf("%s@%d.%09d", l.AccountID, at.Unix(), at.Nanosecond()),
	}, nil
}
