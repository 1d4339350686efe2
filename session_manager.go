package textrace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	// DefaultRestoreTimeout bounds RestoreSession.
	DefaultRestoreTimeout = 5 * time.Second
	// DefaultMinPasswordLength is the provider password policy.
	DefaultMinPasswordLength = 6
)

// SessionState describes what the manager knows about the current principal.
type SessionState string

const (
	// SessionStateUnknown is the degraded state: the provider could not be
	// reached in time to tell whether a session exists.
	SessionStateUnknown       SessionState = "unknown"
	SessionStateAnonymous     SessionState = "anonymous"
	SessionStateAuthenticated SessionState = "authenticated"
)

// SessionSnapshot is the full state delivered to observers.
type SessionSnapshot struct {
	State    SessionState
	Identity *Identity
	// Version increases by one on every notification.
	Version uint64
}

// Authenticated reports whether the snapshot carries an identity.
func (s SessionSnapshot) Authenticated() bool {
	return s.State == SessionStateAuthenticated && s.Identity != nil
}

func (s SessionSnapshot) clone() SessionSnapshot {
	s.Identity = s.Identity.Clone()
	return s
}

// SessionObserver receives snapshots in operation order. Observers run on
// the goroutine performing the operation and must not call mutating
// SessionManager methods, Current, RequireIdentity or Subscribe.
type SessionObserver func(SessionSnapshot)

// SignUpInput is the payload of SessionManager.SignUp.
type SignUpInput struct {
	Email       string
	Password    string
	DisplayName string
	WalletID    string
	Role        UserRole
}

// Validate checks the fields the manager can check without the provider.
func (in SignUpInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required),
		validation.Field(&in.DisplayName, validation.Length(0, 120)),
		validation.Field(&in.WalletID, validation.Length(0, 128)),
		validation.Field(&in.Role, validation.In(RoleManufacturer, RoleSupplier, RoleConsumer)),
	)
}

// SessionManagerOption customizes a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger Logger) SessionManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionClock injects a custom clock (useful for tests).
func WithSessionClock(clock func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithRestoreTimeout overrides DefaultRestoreTimeout.
func WithRestoreTimeout(timeout time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.restoreTimeout = timeout
		}
	}
}

// WithMinPasswordLength overrides DefaultMinPasswordLength.
func WithMinPasswordLength(n int) SessionManagerOption {
	return func(m *SessionManager) {
		if n > 0 {
			m.minPasswordLength = n
		}
	}
}

// WithSessionActivitySink sets the ActivitySink for auth events.
func WithSessionActivitySink(sink ActivitySink) SessionManagerOption {
	return func(m *SessionManager) {
		m.activity = normalizeActivitySink(sink)
	}
}

type sessionObserverEntry struct {
	id uint64
	fn SessionObserver
}

// revokedSession marks a session the user signed out of while the provider
// could not be told. The provider may keep reporting it, it must not come back.
type revokedSession struct {
	identityID string
	issuedAt   time.Time
}

func (r *revokedSession) matches(id *Identity) bool {
	return r != nil && id != nil &&
		r.identityID == id.ID &&
		r.issuedAt.Equal(id.Session.IssuedAt)
}

// SessionManager is the single source of truth for the current identity.
type SessionManager struct {
	provider          IdentityProvider
	profiles          ProfileStore
	logger            Logger
	activity          ActivitySink
	now               func() time.Time
	restoreTimeout    time.Duration
	minPasswordLength int

	// opMu serializes mutating operations and the notifications they produce.
	opMu    sync.Mutex
	revoked *revokedSession

	mu           sync.RWMutex
	snapshot     SessionSnapshot
	observers    []sessionObserverEntry
	nextObserver uint64

	lifecycleMu sync.Mutex
	closed      bool
	unsubscribe func()
	refreshes   sync.WaitGroup
}

var _ IdentitySource = (*SessionManager)(nil)

// NewSessionManager creates a manager in the unknown state and subscribes to
// the provider change stream. Call RestoreSession to resolve the state.
func NewSessionManager(provider IdentityProvider, profiles ProfileStore, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		provider:          provider,
		profiles:          profiles,
		logger:            defLogger{},
		activity:          noopActivitySink{},
		now:               time.Now,
		restoreTimeout:    DefaultRestoreTimeout,
		minPasswordLength: DefaultMinPasswordLength,
		snapshot:          SessionSnapshot{State: SessionStateUnknown},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if provider != nil {
		m.unsubscribe = provider.Subscribe(m.handleProviderEvent)
	}

	return m
}

// Current returns a copy of the current snapshot. An authenticated
// snapshot whose session window closed is replaced by an anonymous one
// first, and observers are notified.
func (m *SessionManager) Current() SessionSnapshot {
	snap := m.current()
	if !m.expired(snap) {
		return snap
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.expireLocked()
}

// RequireIdentity returns the current identity or ErrNotAuthenticated when
// there is none or its session window closed.
func (m *SessionManager) RequireIdentity() (*Identity, error) {
	snap := m.current()
	if !m.expired(snap) {
		if !snap.Authenticated() {
			return nil, ErrNotAuthenticated
		}
		return snap.Identity, nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.requireIdentityLocked()
}

// requireIdentityLocked is RequireIdentity for callers holding opMu.
func (m *SessionManager) requireIdentityLocked() (*Identity, error) {
	snap := m.current()
	if m.expired(snap) {
		m.expireLocked()
		return nil, withMetadata(ErrNotAuthenticated, map[string]any{
			"reason":     "session expired",
			"expired_at": snap.Identity.Session.ExpiresAt,
		})
	}
	if !snap.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	return snap.Identity, nil
}

func (m *SessionManager) current() SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.clone()
}

func (m *SessionManager) expired(snap SessionSnapshot) bool {
	return snap.Authenticated() && snap.Identity.Expired(m.now())
}

// expireLocked installs the anonymous state when the current session window
// closed. Callers hold opMu.
func (m *SessionManager) expireLocked() SessionSnapshot {
	snap := m.current()
	if !m.expired(snap) {
		return snap
	}

	m.logger.Info("session of %s expired at %s", snap.Identity.ID, snap.Identity.Session.ExpiresAt)
	next := m.install(SessionStateAnonymous, nil)
	m.record(context.Background(), ActivityEvent{
		EventType: ActivityEventSessionExpired,
		Actor:     userActor(snap.Identity),
		UserID:    snap.Identity.ID,
		Metadata:  map[string]any{"expired_at": snap.Identity.Session.ExpiresAt},
	})
	return next
}

// Subscribe registers fn and delivers the current snapshot to it before
// returning. An expired session is cleared before the delivery.
func (m *SessionManager) Subscribe(fn SessionObserver) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.expireLocked()

	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, sessionObserverEntry{id: id, fn: fn})
	snap := m.snapshot.clone()
	m.mu.Unlock()

	fn(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, entry := range m.observers {
				if entry.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// RestoreSession recovers the session kept by the provider. It never waits
// longer than the restore timeout: on expiry the state becomes unknown and
// ErrSessionRestoreTimeout is returned. A nil identity with a nil error
// means there is no session.
func (m *SessionManager) RestoreSession(ctx context.Context) (*Identity, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.restoreTimeout)
	defer cancel()

	type result struct {
		identity *Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := m.provider.CurrentSession(ctx)
		done <- result{identity: identity, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		m.install(SessionStateUnknown, nil)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("session restore did not finish within %s", m.restoreTimeout)
			return nil, wrapAs(ErrSessionRestoreTimeout, ctx.Err(), map[string]any{
				"timeout": m.restoreTimeout.String(),
			})
		}
		return nil, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		m.install(SessionStateUnknown, nil)
		m.logger.Warn("session restore failed: %v", res.err)
		return nil, classifyProviderError(res.err)
	}

	identity := res.identity
	if identity == nil || identity.Expired(m.now()) || m.revoked.matches(identity) {
		m.install(SessionStateAnonymous, nil)
		return nil, nil
	}

	m.install(SessionStateAuthenticated, identity)
	m.record(ctx, ActivityEvent{
		EventType: ActivityEventSessionRestored,
		Actor:     userActor(identity),
		UserID:    identity.ID,
	})

	return identity.Clone(), nil
}

// SignIn authenticates with the provider and installs the identity. On
// failure the current identity is left untouched.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	email = strings.TrimSpace(email)
	if err := validation.Validate(email, validation.Required); err != nil {
		return nil, newValidationError("email is required", map[string]any{"field": "email"})
	}
	if password == "" {
		return nil, newValidationError("password is required", map[string]any{"field": "password"})
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.provider.Authenticate(ctx, email, password)
	if err == nil && identity == nil {
		err = errors.New("provider returned no identity")
	}
	if err != nil {
		err = classifyProviderError(err)
		m.record(ctx, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Actor:     ActorRef{ID: email, Type: "user"},
			Metadata:  map[string]any{"error": err.Error()},
		})
		return nil, err
	}

	m.revoked = nil
	m.install(SessionStateAuthenticated, identity)
	m.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     userActor(identity),
		UserID:    identity.ID,
	})

	return identity.Clone(), nil
}

// SignUp registers a new account and installs its identity.
func (m *SessionManager) SignUp(ctx context.Context, in SignUpInput) (*Identity, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.WalletID = strings.TrimSpace(in.WalletID)
	if in.Role == "" {
		in.Role = RoleManufacturer
	}

	if err := in.Validate(); err != nil {
		return nil, newValidationError("invalid sign up details", validationFields(err))
	}
	if len(in.Password) < m.minPasswordLength {
		return nil, withMetadata(ErrWeakCredential, map[string]any{
			"min_length": m.minPasswordLength,
		})
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.provider.Register(ctx, in.Email, in.Password, RegistrationAttributes{
		DisplayName: in.DisplayName,
		WalletID:    in.WalletID,
		Role:        in.Role,
	})
	if err == nil && identity == nil {
		err = errors.New("provider returned no identity")
	}
	if err != nil {
		return nil, classifyProviderError(err)
	}

	m.revoked = nil
	m.install(SessionStateAuthenticated, identity)
	m.record(ctx, ActivityEvent{
		EventType: ActivityEventSignUp,
		Actor:     userActor(identity),
		UserID:    identity.ID,
		Metadata:  map[string]any{"role": identity.Role},
	})

	return identity.Clone(), nil
}

// SignOut asks the provider to invalidate the session and clears local state
// whatever the provider answered. The provider error, if any, is returned.
func (m *SessionManager) SignOut(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	previous := m.current().Identity

	var invalidateErr error
	if err := m.provider.Invalidate(ctx); err != nil {
		invalidateErr = classifyProviderError(err)
		m.logger.Warn("provider sign out failed, clearing local session anyway: %v", err)
		if previous != nil {
			m.revoked = &revokedSession{
				identityID: previous.ID,
				issuedAt:   previous.Session.IssuedAt,
			}
		}
	}

	m.install(SessionStateAnonymous, nil)

	if previous != nil {
		m.record(ctx, ActivityEvent{
			EventType: ActivityEventLogout,
			Actor:     userActor(previous),
			UserID:    previous.ID,
		})
	}

	return invalidateErr
}

// LinkWallet persists walletID on the current identity's profile and
// updates the in-memory identity.
func (m *SessionManager) LinkWallet(ctx context.Context, walletID string) (*Identity, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return nil, newValidationError("wallet id is required", map[string]any{"field": "wallet_id"})
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.requireIdentityLocked()
	if err != nil {
		return nil, err
	}

	if m.profiles == nil {
		return nil, withMetadata(ErrProviderUnavailable, map[string]any{
			"reason": "no profile store configured",
		})
	}

	if err := m.profiles.UpdateWallet(ctx, identity.ID, walletID); err != nil {
		return nil, classifyProviderError(err)
	}

	updated := identity.Clone()
	updated.WalletID = walletID
	m.install(SessionStateAuthenticated, updated)
	m.record(ctx, ActivityEvent{
		EventType: ActivityEventWalletLinked,
		Actor:     userActor(updated),
		UserID:    updated.ID,
		Metadata:  map[string]any{"wallet_id": walletID},
	})

	return updated.Clone(), nil
}

// Refresh re-reads the provider session and notifies only when the snapshot
// changed. Provider errors leave the state untouched.
func (m *SessionManager) Refresh(ctx context.Context) (SessionSnapshot, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.provider.CurrentSession(ctx)
	if err != nil {
		return m.current(), classifyProviderError(err)
	}

	state := SessionStateAuthenticated
	if identity == nil || identity.Expired(m.now()) || m.revoked.matches(identity) {
		state = SessionStateAnonymous
		identity = nil
	}

	current := m.current()
	if current.State == state && current.Identity.Same(identity) {
		return current, nil
	}

	return m.install(state, identity), nil
}

// Close unsubscribes from the provider and waits for in-flight refreshes.
func (m *SessionManager) Close() {
	m.lifecycleMu.Lock()
	if m.closed {
		m.lifecycleMu.Unlock()
		return
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.lifecycleMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.refreshes.Wait()
}

// handleProviderEvent treats the event as a hint and re-reads the provider
// state. The refresh runs off the provider goroutine so a provider emitting
// from inside a manager operation does not deadlock on opMu.
func (m *SessionManager) handleProviderEvent(event SessionEvent) {
	m.lifecycleMu.Lock()
	if m.closed {
		m.lifecycleMu.Unlock()
		return
	}
	m.refreshes.Add(1)
	m.lifecycleMu.Unlock()

	go func() {
		defer m.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.restoreTimeout)
		defer cancel()
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.Warn("session refresh after %s event failed: %v", event.Kind, err)
		}
	}()
}

// install replaces the snapshot and notifies observers. Callers hold opMu.
func (m *SessionManager) install(state SessionState, identity *Identity) SessionSnapshot {
	m.mu.Lock()
	m.snapshot = SessionSnapshot{
		State:    state,
		Identity: identity.Clone(),
		Version:  m.snapshot.Version + 1,
	}
	snap := m.snapshot.clone()
	observers := make([]sessionObserverEntry, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, entry := range observers {
		entry.fn(snap.clone())
	}

	return snap
}

func (m *SessionManager) record(ctx context.Context, event ActivityEvent) {
	recordActivity(ctx, m.activity, m.logger, m.now, event)
}

func userActor(identity *Identity) ActorRef {
	if identity == nil {
		return ActorRef{Type: "system"}
	}
	return ActorRef{ID: identity.ID, Type: "user"}
}

// validationFields flattens ozzo field errors into error metadata.
func validationFields(err error) map[string]any {
	var fields validation.Errors
	if !errors.As(err, &fields) {
		return map[string]any{"error": err.Error()}
	}
	out := make(map[string]any, len(fields))
	for field, fieldErr := range fields {
		if fieldErr != nil {
			out[field] = fieldErr.Error()
		}
	}
	return out
}
