package textrace

import (
	"context"
	"errors"
	"time"
)

const reconcileBatchSize = 100

var reconcilerActor = ActorRef{ID: "reconciler", Type: "system"}

// ExpirePending fails pending certificates created more than olderThan ago
// with the timeout reason. Certificates this manager is still awaiting are
// left to their own confirmation. It returns how many records it expired.
func (m *CertificateManager) ExpirePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = 2 * m.confirmationTimeout
	}
	cutoff := m.clock().Add(-olderThan)

	expired := 0
	var errs []error
	for {
		stale, err := m.store.ListStalePending(ctx, cutoff, reconcileBatchSize)
		if err != nil {
			return expired, storeError(err, "could not list pending certificates")
		}

		progressed := false
		for _, cert := range stale {
			if m.isAwaiting(cert.ID) {
				continue
			}

			_, err := m.stateMachine.Transition(ctx, reconcilerActor, cert, CertificateStatusFailed, TransitionOutcome{
				Reason: FailureReasonTimeout,
			})
			switch {
			case err == nil:
				expired++
				progressed = true
				m.logger.Info("expired pending certificate %s", cert.RecordID)
			case IsTerminalStateError(err):
				progressed = true
			default:
				m.logger.Error("could not expire certificate %s: %v", cert.RecordID, err)
				errs = append(errs, err)
			}
		}

		if len(stale) < reconcileBatchSize || !progressed {
			break
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
	}

	return expired, errors.Join(errs...)
}

// StartReconciler runs ExpirePending every interval until ctx is done or
// stop is called. stop waits for the loop to exit.
func (m *CertificateManager) StartReconciler(ctx context.Context, interval, olderThan time.Duration) (stop func()) {
	if interval <= 0 {
		interval = m.confirmationTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := m.ExpirePending(ctx, olderThan); err != nil {
					m.logger.Warn("reconciler pass failed after expiring %d certificates: %v", n, err)
				} else if n > 0 {
					m.logger.Info("reconciler expired %d certificates", n)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
