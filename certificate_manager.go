package textrace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	// DefaultConfirmationTimeout bounds the wait for a confirmation event.
	DefaultConfirmationTimeout = 30 * time.Second
	// DefaultMaxIDAttempts bounds record id regeneration on collisions.
	DefaultMaxIDAttempts = 5
	// MaxCertificateFieldLength bounds the free text fields of a request.
	MaxCertificateFieldLength = 200

	maxFailureDetailLength = 300
)

var confirmationActor = ActorRef{ID: "confirmation", Type: "system"}

// CertificateRequest is the input of CertificateManager.Issue. Metadata is
// given either as RawMetadata text (JSON or YAML mapping) or as Metadata.
type CertificateRequest struct {
	BatchName        string
	OriginLocation   string
	Composition      string
	CertificationRef string
	ProductionDate   time.Time
	RawMetadata      string
	Metadata         map[string]any
}

// Validate checks the text fields.
func (r CertificateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BatchName, validation.Required, validation.Length(1, MaxCertificateFieldLength)),
		validation.Field(&r.OriginLocation, validation.Required, validation.Length(1, MaxCertificateFieldLength)),
		validation.Field(&r.Composition, validation.Length(0, MaxCertificateFieldLength)),
		validation.Field(&r.CertificationRef, validation.Length(0, MaxCertificateFieldLength)),
	)
}

func (r CertificateRequest) normalized() CertificateRequest {
	r.BatchName = strings.TrimSpace(r.BatchName)
	r.OriginLocation = strings.TrimSpace(r.OriginLocation)
	r.Composition = strings.TrimSpace(r.Composition)
	r.CertificationRef = strings.TrimSpace(r.CertificationRef)
	return r
}

// CertificateStats counts an owner's certificates per status.
type CertificateStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}

// CertificateManagerOption customizes a CertificateManager.
type CertificateManagerOption func(*CertificateManager)

// WithCertificateLogger sets the logger.
func WithCertificateLogger(logger Logger) CertificateManagerOption {
	return func(m *CertificateManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCertificateClock injects a custom clock (useful for tests).
func WithCertificateClock(clock func() time.Time) CertificateManagerOption {
	return func(m *CertificateManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithCertificateActivitySink sets the ActivitySink for certificate events.
func WithCertificateActivitySink(sink ActivitySink) CertificateManagerOption {
	return func(m *CertificateManager) {
		m.activity = normalizeActivitySink(sink)
	}
}

// WithRecordIDGenerator replaces TimeRandomRecordIDs.
func WithRecordIDGenerator(gen RecordIDGenerator) CertificateManagerOption {
	return func(m *CertificateManager) {
		if gen != nil {
			m.ids = gen
		}
	}
}

// WithConfirmationTimeout overrides DefaultConfirmationTimeout.
func WithConfirmationTimeout(timeout time.Duration) CertificateManagerOption {
	return func(m *CertificateManager) {
		if timeout > 0 {
			m.confirmationTimeout = timeout
		}
	}
}

// WithMaxIDAttempts overrides DefaultMaxIDAttempts.
func WithMaxIDAttempts(n int) CertificateManagerOption {
	return func(m *CertificateManager) {
		if n > 0 {
			m.maxIDAttempts = n
		}
	}
}

// WithCertificateStateMachine replaces the default state machine.
func WithCertificateStateMachine(sm CertificateStateMachine) CertificateManagerOption {
	return func(m *CertificateManager) {
		if sm != nil {
			m.stateMachine = sm
		}
	}
}

// CertificateManager issues certificates and reconciles them once the
// confirmation source reports.
type CertificateManager struct {
	identities          IdentitySource
	store               CertificateStore
	source              ConfirmationSource
	stateMachine        CertificateStateMachine
	ids                 RecordIDGenerator
	logger              Logger
	activity            ActivitySink
	now                 func() time.Time
	confirmationTimeout time.Duration
	maxIDAttempts       int

	inflightMu sync.Mutex
	inflight   int
	idle       chan struct{}
	awaiting   map[uuid.UUID]struct{}
}

// NewCertificateManager wires the manager. identities is usually the
// SessionManager.
func NewCertificateManager(identities IdentitySource, store CertificateStore, source ConfirmationSource, opts ...CertificateManagerOption) *CertificateManager {
	m := &CertificateManager{
		identities:          identities,
		store:               store,
		source:              source,
		ids:                 TimeRandomRecordIDs{},
		logger:              defLogger{},
		activity:            noopActivitySink{},
		now:                 time.Now,
		confirmationTimeout: DefaultConfirmationTimeout,
		maxIDAttempts:       DefaultMaxIDAttempts,
		awaiting:            map[uuid.UUID]struct{}{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.stateMachine == nil {
		m.stateMachine = NewCertificateStateMachine(store,
			WithStateMachineClock(m.clock),
			WithStateMachineActivitySink(m.activity),
			WithStateMachineLogger(m.logger),
		)
	}

	return m
}

// Issue validates req, persists a pending certificate with its mint
// transaction and schedules the confirmation. It returns the pending record
// without waiting for the confirmation.
func (m *CertificateManager) Issue(ctx context.Context, req CertificateRequest) (*Certificate, error) {
	identity, ownerID, err := m.owner()
	if err != nil {
		return nil, err
	}

	req = req.normalized()
	if err := req.Validate(); err != nil {
		return nil, newValidationError("invalid certificate details", validationFields(err))
	}

	md, err := resolveMetadata(req)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	production := req.ProductionDate
	if production.IsZero() {
		production = now.Truncate(24 * time.Hour)
	}

	var cert *Certificate
	for attempt := 1; ; attempt++ {
		recordID, err := m.ids.NewRecordID(now)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not generate record id")
		}

		cert = &Certificate{
			ID:               uuid.New(),
			RecordID:         recordID,
			OwnerID:          ownerID,
			BatchName:        req.BatchName,
			OriginLocation:   req.OriginLocation,
			Composition:      optionalString(req.Composition),
			CertificationRef: optionalString(req.CertificationRef),
			ProductionDate:   production.UTC(),
			Metadata:         md,
			Status:           CertificateStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		txn := &Transaction{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			Kind:      TransactionKindMint,
			Status:    CertificateStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = m.store.CreatePending(ctx, cert, txn)
		if err == nil {
			break
		}
		if IsRecordIDCollision(err) {
			if attempt < m.maxIDAttempts {
				m.logger.Debug("record id %s already used by %s, retrying", recordID, ownerID)
				continue
			}
			return nil, withMetadata(ErrRecordIDCollision, map[string]any{
				"attempts": attempt,
			})
		}
		return nil, storeError(err, "could not save certificate")
	}

	m.record(ctx, ActivityEvent{
		EventType: ActivityEventCertificateIssued,
		Actor:     userActor(identity),
		UserID:    identity.ID,
		RecordID:  cert.RecordID,
		ToStatus:  CertificateStatusPending,
		Metadata: map[string]any{
			"batch_name":      cert.BatchName,
			"origin_location": cert.OriginLocation,
		},
	})

	m.schedule(ConfirmationRequest{
		CertificateID: cert.ID,
		RecordID:      cert.RecordID,
		OwnerID:       ownerID,
		WalletID:      identity.WalletID,
		RequestedAt:   now,
	})

	return cert.Clone(), nil
}

// ApplyConfirmation applies conf to the certificate. Terminal certificates
// are returned unchanged, so applying the same event twice is harmless.
func (m *CertificateManager) ApplyConfirmation(ctx context.Context, certificateID uuid.UUID, conf Confirmation) (*Certificate, error) {
	cert, err := m.store.FindByID(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if cert.Status.IsTerminal() {
		return cert, nil
	}

	target, outcome := confirmationOutcome(conf)
	return m.finalize(ctx, cert, target, outcome)
}

// List returns the current identity's certificates, newest first.
func (m *CertificateManager) List(ctx context.Context) ([]*Certificate, error) {
	_, ownerID, err := m.owner()
	if err != nil {
		return nil, err
	}

	records, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeError(err, "could not list certificates")
	}
	return records, nil
}

// Get returns one certificate of the current identity.
func (m *CertificateManager) Get(ctx context.Context, recordID string) (*Certificate, error) {
	_, ownerID, err := m.owner()
	if err != nil {
		return nil, err
	}

	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, newValidationError("record id is required", map[string]any{"field": "record_id"})
	}

	return m.store.FindByRecordID(ctx, ownerID, recordID)
}

// Transactions returns the audit trail of one of the current identity's
// certificates.
func (m *CertificateManager) Transactions(ctx context.Context, recordID string) ([]*Transaction, error) {
	cert, err := m.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return m.store.Transactions(ctx, cert.ID)
}

// Verify looks a certificate up by record id for anyone holding the id. Only
// confirmed certificates verify. Record ids are unique per owner, so when
// several owners confirmed the same id the earliest confirmed certificate is
// returned.
func (m *CertificateManager) Verify(ctx context.Context, recordID string) (*Certificate, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, newValidationError("record id is required", map[string]any{"field": "record_id"})
	}

	records, err := m.store.ListByRecordID(ctx, recordID)
	if err != nil {
		return nil, storeError(err, "could not look up certificate")
	}
	if len(records) == 0 {
		return nil, withMetadata(ErrCertificateNotFound, map[string]any{"record_id": recordID})
	}

	// records come newest first
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].IsConfirmed() {
			return records[i], nil
		}
	}

	latest := records[0]
	meta := map[string]any{
		"record_id": recordID,
		"status":    latest.Status,
	}
	if latest.IsFailed() {
		meta["reason"] = latest.Reason()
	}
	return nil, withMetadata(ErrCertificateNotConfirmed, meta)
}

// Stats counts the current identity's certificates per status.
func (m *CertificateManager) Stats(ctx context.Context) (CertificateStats, error) {
	_, ownerID, err := m.owner()
	if err != nil {
		return CertificateStats{}, err
	}

	counts, err := m.store.CountByStatus(ctx, ownerID)
	if err != nil {
		return CertificateStats{}, storeError(err, "could not count certificates")
	}

	stats := CertificateStats{
		Pending:   counts[CertificateStatusPending],
		Confirmed: counts[CertificateStatusConfirmed],
		Failed:    counts[CertificateStatusFailed],
	}
	stats.Total = stats.Pending + stats.Confirmed + stats.Failed
	return stats, nil
}

// Wait blocks until no confirmation is in flight or ctx is done. It is safe
// to call while certificates are still being issued.
func (m *CertificateManager) Wait(ctx context.Context) error {
	m.inflightMu.Lock()
	if m.inflight == 0 {
		m.inflightMu.Unlock()
		return nil
	}
	idle := m.idle
	m.inflightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *CertificateManager) schedule(req ConfirmationRequest) {
	m.inflightMu.Lock()
	m.awaiting[req.CertificateID] = struct{}{}
	if m.inflight == 0 {
		m.idle = make(chan struct{})
	}
	m.inflight++
	m.inflightMu.Unlock()

	go func() {
		defer func() {
			m.inflightMu.Lock()
			delete(m.awaiting, req.CertificateID)
			m.inflight--
			if m.inflight == 0 {
				close(m.idle)
			}
			m.inflightMu.Unlock()
		}()
		m.runConfirmation(req)
	}()
}

func (m *CertificateManager) isAwaiting(id uuid.UUID) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	_, ok := m.awaiting[id]
	return ok
}

// runConfirmation is detached from the issuing call: it re-reads the record
// and is not tied to the owner's session.
func (m *CertificateManager) runConfirmation(req ConfirmationRequest) {
	ctx := context.Background()

	cert, err := m.store.FindByID(ctx, req.CertificateID)
	if err != nil {
		m.logger.Error("confirmation for %s could not load the record: %v", req.RecordID, err)
		m.unresolved(ctx, req.OwnerID, req.RecordID, err)
		return
	}
	if cert.Status.IsTerminal() {
		m.logger.Debug("confirmation for %s skipped, already %s", req.RecordID, cert.Status)
		return
	}

	conf := m.await(ctx, req)
	target, outcome := confirmationOutcome(conf)
	if _, err := m.finalize(ctx, cert, target, outcome); err != nil {
		m.logger.Error("confirmation for %s left the record pending: %v", req.RecordID, err)
	}
}

// await bounds the confirmation source by the confirmation timeout even
// when the source ignores ctx.
func (m *CertificateManager) await(ctx context.Context, req ConfirmationRequest) Confirmation {
	if m.source == nil {
		return Confirmation{Err: errors.New("no confirmation source configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.confirmationTimeout)
	defer cancel()

	type result struct {
		conf Confirmation
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conf, err := m.source.Await(ctx, req)
		done <- result{conf: conf, err: err}
	}()

	select {
	case <-ctx.Done():
		return Confirmation{Err: ErrConfirmationTimeout}
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return Confirmation{Err: ErrConfirmationTimeout}
			}
			return Confirmation{Err: res.err}
		}
		return res.conf
	}
}

// finalize writes the terminal state. If the confirmed write is rejected it
// records the failure instead; when that also fails the owner is notified
// through the activity sink and the reconciler expires the record later.
func (m *CertificateManager) finalize(ctx context.Context, cert *Certificate, target CertificateStatus, outcome TransitionOutcome) (*Certificate, error) {
	updated, err := m.stateMachine.Transition(ctx, confirmationActor, cert, target, outcome)
	if err == nil {
		return updated, nil
	}
	if IsTerminalStateError(err) && updated != nil {
		return updated, nil
	}

	if target == CertificateStatusConfirmed {
		m.logger.Error("recording confirmation of %s failed, marking it failed: %v", cert.RecordID, err)

		reason := FailureReasonConfirmationFailed + ": could not record confirmation"
		if HasTextCode(err, TextCodeConcurrentModification) {
			reason = FailureReasonConcurrentModification
		}

		failed, ferr := m.stateMachine.Transition(ctx, confirmationActor, cert, CertificateStatusFailed, TransitionOutcome{
			Reason: reason,
		})
		if ferr == nil {
			return failed, nil
		}
		if IsTerminalStateError(ferr) && failed != nil {
			return failed, nil
		}
		err = ferr
	}

	m.logger.Error("certificate %s could not be finalized: %v", cert.RecordID, err)
	m.unresolved(ctx, cert.OwnerID, cert.RecordID, err)
	return nil, err
}

func (m *CertificateManager) unresolved(ctx context.Context, ownerID uuid.UUID, recordID string, err error) {
	m.record(ctx, ActivityEvent{
		EventType: ActivityEventCertificateUnresolved,
		Actor:     confirmationActor,
		UserID:    ownerID.String(),
		RecordID:  recordID,
		Metadata:  map[string]any{"error": err.Error()},
	})
}

func (m *CertificateManager) owner() (*Identity, uuid.UUID, error) {
	if m.identities == nil {
		return nil, uuid.Nil, ErrNotAuthenticated
	}
	identity, err := m.identities.RequireIdentity()
	if err != nil {
		return nil, uuid.Nil, err
	}
	ownerID, err := identity.UUID()
	if err != nil {
		return nil, uuid.Nil, wrapAs(ErrNotAuthenticated, err, map[string]any{
			"reason": "identity id is not a uuid",
		})
	}
	return identity, ownerID, nil
}

func (m *CertificateManager) clock() time.Time {
	return m.now().UTC()
}

func (m *CertificateManager) record(ctx context.Context, event ActivityEvent) {
	recordActivity(ctx, m.activity, m.logger, m.clock, event)
}

// confirmationOutcome maps a confirmation to the terminal status it produces.
func confirmationOutcome(conf Confirmation) (CertificateStatus, TransitionOutcome) {
	switch {
	case conf.Err != nil && IsConfirmationTimeout(conf.Err):
		return CertificateStatusFailed, TransitionOutcome{Reason: FailureReasonTimeout}
	case conf.Err != nil:
		return CertificateStatusFailed, TransitionOutcome{
			Reason: failureReason(FailureReasonConfirmationFailed + ": " + conf.Err.Error()),
		}
	case conf.TokenID == "":
		return CertificateStatusFailed, TransitionOutcome{
			Reason: FailureReasonConfirmationFailed + ": confirmation carried no token",
		}
	case conf.TransactionID == "":
		return CertificateStatusFailed, TransitionOutcome{
			Reason: FailureReasonConfirmationFailed + ": confirmation carried no transaction token",
		}
	default:
		return CertificateStatusConfirmed, TransitionOutcome{
			TokenID:          conf.TokenID,
			TransactionToken: conf.TransactionID,
		}
	}
}

func failureReason(reason string) string {
	if len(reason) > maxFailureDetailLength {
		return reason[:maxFailureDetailLength]
	}
	return reason
}

func resolveMetadata(req CertificateRequest) (Metadata, error) {
	raw := strings.TrimSpace(req.RawMetadata)
	if raw != "" && req.Metadata != nil {
		return nil, newValidationError("metadata must be given either as text or as fields", map[string]any{
			"field": "metadata",
		})
	}
	if raw != "" {
		return ParseMetadata(raw)
	}
	return NormalizeMetadata(req.Metadata)
}

// storeError keeps taxonomy errors and reports the rest as an unavailable
// backing store.
func storeError(err error, message string) error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if errors.As(err, &rich) && rich.TextCode != "" {
		return err
	}
	return wrapAs(ErrProviderUnavailable, err, map[string]any{"operation": message})
}
