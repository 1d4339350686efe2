package textrace

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	textCodeInvalidTransition = "INVALID_CERTIFICATE_TRANSITION"
	textCodeTerminalState     = "TERMINAL_CERTIFICATE_STATE"
)

// ErrInvalidTransition is returned when a requested status change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid certificate state transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrTerminalState is returned when attempting to move away from confirmed or failed.
var ErrTerminalState = goerrors.New("certificate state is terminal", goerrors.CategoryConflict).
	WithTextCode(textCodeTerminalState).
	WithCode(goerrors.CodeConflict)

// IsTerminalStateError reports whether err signals an already finalized certificate.
func IsTerminalStateError(err error) bool { return HasTextCode(err, textCodeTerminalState) }

// IsInvalidTransition reports whether err signals a rejected transition.
func IsInvalidTransition(err error) bool { return HasTextCode(err, textCodeInvalidTransition) }

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor       ActorRef
	Certificate *Certificate
	From        CertificateStatus
	To          CertificateStatus
	Reason      string
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionOutcome carries the values written with a terminal transition.
type TransitionOutcome struct {
	TokenID          string
	TransactionToken string
	Reason           string
}

// CertificateStateMachine guards the pending -> confirmed|failed lifecycle.
type CertificateStateMachine interface {
	Transition(ctx context.Context, actor ActorRef, cert *Certificate, target CertificateStatus, outcome TransitionOutcome) (*Certificate, error)
	CanTransition(from, to CertificateStatus) bool
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*certificateStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *certificateStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *certificateStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger used for sink and hook failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *certificateStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
// A hook error aborts the transition.
func WithBeforeTransitionHook(h TransitionHook) StateMachineOption {
	return func(sm *certificateStateMachine) {
		if h != nil {
			sm.beforeHooks = append(sm.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update succeeds.
// Errors are logged, the transition is already persisted.
func WithAfterTransitionHook(h TransitionHook) StateMachineOption {
	return func(sm *certificateStateMachine) {
		if h != nil {
			sm.afterHooks = append(sm.afterHooks, h)
		}
	}
}

// NewCertificateStateMachine returns the default implementation backed by store.
func NewCertificateStateMachine(store CertificateStore, opts ...StateMachineOption) CertificateStateMachine {
	sm := &certificateStateMachine{
		store: store,
		transitions: map[CertificateStatus]map[CertificateStatus]struct{}{
			CertificateStatusPending: {
				CertificateStatusConfirmed: {},
				CertificateStatusFailed:    {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type certificateStateMachine struct {
	store        CertificateStore
	transitions  map[CertificateStatus]map[CertificateStatus]struct{}
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
	beforeHooks  []TransitionHook
	afterHooks   []TransitionHook
}

// Transition persists a terminal status. When the store reports that another
// path finalized the record first, the stored record is returned together
// with ErrTerminalState.
func (sm *certificateStateMachine) Transition(ctx context.Context, actor ActorRef, cert *Certificate, target CertificateStatus, outcome TransitionOutcome) (*Certificate, error) {
	if cert == nil {
		return nil, withMetadata(ErrInvalidTransition, map[string]any{
			"target": target,
			"reason": "certificate is nil",
		})
	}

	from := cert.Status
	if from.IsTerminal() {
		return cert, withMetadata(ErrTerminalState, map[string]any{
			"record_id": cert.RecordID,
			"from":      from,
			"to":        target,
		})
	}

	if !sm.CanTransition(from, target) {
		return nil, withMetadata(ErrInvalidTransition, map[string]any{
			"record_id": cert.RecordID,
			"from":      from,
			"to":        target,
		})
	}

	if err := validateOutcome(target, outcome); err != nil {
		return nil, err
	}

	tc := TransitionContext{
		Actor:       actor,
		Certificate: cert,
		From:        from,
		To:          target,
		Reason:      outcome.Reason,
	}

	for _, hook := range sm.beforeHooks {
		if err := hook(ctx, tc); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "before transition hook failed")
		}
	}

	updated, applied, err := sm.store.Finalize(ctx, Finalization{
		CertificateID:    cert.ID,
		Status:           target,
		TokenID:          outcome.TokenID,
		TransactionToken: outcome.TransactionToken,
		FailureReason:    outcome.Reason,
		At:               sm.now(),
	})
	if err != nil {
		return nil, err
	}

	if !applied {
		return updated, withMetadata(ErrTerminalState, map[string]any{
			"record_id": cert.RecordID,
			"from":      updated.Status,
			"to":        target,
		})
	}

	tc.Certificate = updated
	for _, hook := range sm.afterHooks {
		if err := hook(ctx, tc); err != nil {
			sm.logger.Error("after transition hook failed for %s: %v", cert.RecordID, err)
		}
	}

	recordActivity(ctx, sm.activitySink, sm.logger, sm.now, ActivityEvent{
		EventType:  ActivityEventCertificateStatus,
		Actor:      actor,
		UserID:     cert.OwnerID.String(),
		RecordID:   cert.RecordID,
		FromStatus: from,
		ToStatus:   target,
		Metadata:   transitionMetadata(outcome),
	})

	return updated, nil
}

func (sm *certificateStateMachine) CanTransition(from, to CertificateStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func validateOutcome(target CertificateStatus, outcome TransitionOutcome) error {
	switch target {
	case CertificateStatusConfirmed:
		if outcome.TokenID == "" {
			return withMetadata(ErrInvalidTransition, map[string]any{
				"to":     target,
				"reason": "confirmed certificates need an external reference token",
			})
		}
		if outcome.TransactionToken == "" {
			return withMetadata(ErrInvalidTransition, map[string]any{
				"to":     target,
				"reason": "confirmed certificates need an external transaction token",
			})
		}
	case CertificateStatusFailed:
		if outcome.Reason == "" {
			return withMetadata(ErrInvalidTransition, map[string]any{
				"to":     target,
				"reason": "failed certificates need a failure reason",
			})
		}
		if outcome.TokenID != "" {
			return withMetadata(ErrInvalidTransition, map[string]any{
				"to":     target,
				"reason": "failed certificates cannot carry a token",
			})
		}
	}
	return nil
}

func transitionMetadata(outcome TransitionOutcome) map[string]any {
	result := map[string]any{}
	if outcome.TokenID != "" {
		result["token_id"] = outcome.TokenID
	}
	if outcome.TransactionToken != "" {
		result["transaction_token"] = outcome.TransactionToken
	}
	if outcome.Reason != "" {
		result["reason"] = outcome.Reason
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
