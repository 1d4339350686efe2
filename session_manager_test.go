package textrace_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/goliatone/go-textrace/provider/local"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setupLocalProvider(t *testing.T, storage local.SessionStorage) *local.Provider {
	t.Helper()

	db := setupDB(t)
	tokens := textrace.NewTokenService([]byte("test-signing-key-0123456789"), time.Hour, "textrace-test")
	return local.New(textrace.NewProfilesRepository(db), tokens, storage,
		local.WithPasswordCost(bcrypt.MinCost),
		local.WithLogger(nopLogger{}),
	)
}

func newSessions(t *testing.T, provider textrace.IdentityProvider, profiles textrace.ProfileStore, opts ...textrace.SessionManagerOption) *textrace.SessionManager {
	t.Helper()
	opts = append([]textrace.SessionManagerOption{textrace.WithSessionLogger(nopLogger{})}, opts...)
	m := textrace.NewSessionManager(provider, profiles, opts...)
	t.Cleanup(m.Close)
	return m
}

// snapshotRecorder is a SessionObserver collecting every delivery.
type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []textrace.SessionSnapshot
}

func (r *snapshotRecorder) observe(s textrace.SessionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *snapshotRecorder) all() []textrace.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]textrace.SessionSnapshot(nil), r.snapshots...)
}

func signUpInput() textrace.SignUpInput {
	return textrace.SignUpInput{
		Email:       "maker@example.com",
		Password:    "cotton-secret",
		DisplayName: "Cotton Maker",
	}
}

func TestSessionManagerStartsUnknown(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := newSessions(t, provider, provider)

	snap := m.Current()
	assert.Equal(t, textrace.SessionStateUnknown, snap.State)
	assert.Nil(t, snap.Identity)

	_, err := m.RequireIdentity()
	assert.True(t, textrace.IsNotAuthenticated(err))
}

func TestSessionManagerSignUpSignInSignOut(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := newSessions(t, provider, provider)
	ctx := context.Background()

	identity, err := m.SignUp(ctx, signUpInput())
	require.NoError(t, err)
	assert.Equal(t, "maker@example.com", identity.Email)
	assert.Equal(t, "Cotton Maker", identity.DisplayName)
	assert.Equal(t, textrace.RoleManufacturer, identity.Role)
	_, err = uuid.Parse(identity.ID)
	require.NoError(t, err)

	current, err := m.RequireIdentity()
	require.NoError(t, err)
	assert.Equal(t, identity.ID, current.ID)

	require.NoError(t, m.SignOut(ctx))
	assert.Equal(t, textrace.SessionStateAnonymous, m.Current().State)
	_, err = m.RequireIdentity()
	assert.True(t, textrace.IsNotAuthenticated(err))

	signedIn, err := m.SignIn(ctx, "Maker@Example.com", "cotton-secret")
	require.NoError(t, err)
	assert.Equal(t, identity.ID, signedIn.ID)
	assert.True(t, m.Current().Authenticated())
}

func TestSessionManagerSignInFailureKeepsState(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := newSessions(t, provider, provider)
	ctx := context.Background()

	identity, err := m.SignUp(ctx, signUpInput())
	require.NoError(t, err)
	before := m.Current()

	_, err = m.SignIn(ctx, "maker@example.com", "wrong-password")
	require.Error(t, err)
	assert.True(t, textrace.IsInvalidCredentials(err))

	after := m.Current()
	assert.Equal(t, before.Version, after.Version)
	require.NotNil(t, after.Identity)
	assert.Equal(t, identity.ID, after.Identity.ID)

	require.NoError(t, m.SignOut(ctx))

	_, err = m.SignIn(ctx, "nobody@example.com", "cotton-secret")
	assert.True(t, textrace.IsInvalidCredentials(err))
	assert.Equal(t, textrace.SessionStateAnonymous, m.Current().State)
	assert.Nil(t, m.Current().Identity)
}

func TestSessionManagerSignUpValidation(t *testing.T) {
	provider := &MockIdentityProvider{}
	provider.On("Subscribe", mock.Anything).Return(func() {})
	m := newSessions(t, provider, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		input textrace.SignUpInput
		check func(error) bool
	}{
		{
			name:  "missing email",
			input: textrace.SignUpInput{Password: "cotton-secret"},
			check: textrace.IsValidationError,
		},
		{
			name:  "invalid email",
			input: textrace.SignUpInput{Email: "not-an-email", Password: "cotton-secret"},
			check: textrace.IsValidationError,
		},
		{
			name:  "unknown role",
			input: textrace.SignUpInput{Email: "maker@example.com", Password: "cotton-secret", Role: "admin"},
			check: textrace.IsValidationError,
		},
		{
			name:  "short password",
			input: textrace.SignUpInput{Email: "maker@example.com", Password: "12345"},
			check: textrace.IsWeakCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SignUp(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	provider.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, textrace.SessionStateUnknown, m.Current().State)
}

func TestSessionManagerSignUpDuplicateEmail(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := newSessions(t, provider, provider)
	ctx := context.Background()

	_, err := m.SignUp(ctx, signUpInput())
	require.NoError(t, err)
	require.NoError(t, m.SignOut(ctx))

	_, err = m.SignUp(ctx, signUpInput())
	require.Error(t, err)
	assert.True(t, textrace.IsAccountExists(err))
	assert.Equal(t, textrace.SessionStateAnonymous, m.Current().State)
}

func TestSessionManagerSignInValidationSkipsProvider(t *testing.T) {
	provider := &MockIdentityProvider{}
	provider.On("Subscribe", mock.Anything).Return(func() {})
	m := newSessions(t, provider, nil)

	_, err := m.SignIn(context.Background(), " ", "secret")
	assert.True(t, textrace.IsValidationError(err))

	_, err = m.SignIn(context.Background(), "maker@example.com", "")
	assert.True(t, textrace.IsValidationError(err))

	provider.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionManagerTransportErrorIsProviderUnavailable(t *testing.T) {
	provider := &MockIdentityProvider{}
	provider.On("Subscribe", mock.Anything).Return(func() {})
	provider.On("Authenticate", mock.Anything, "maker@example.com", "cotton-secret").
		Return(nil, errors.New("dial tcp: connection refused")).Once()

	activity := &activityRecorder{}
	m := newSessions(t, provider, nil, textrace.WithSessionActivitySink(activity))

	_, err := m.SignIn(context.Background(), "maker@example.com", "cotton-secret")
	require.Error(t, err)
	assert.True(t, textrace.IsProviderUnavailable(err))
	assert.Len(t, activity.ofType(textrace.ActivityEventLoginFailure), 1)
	provider.AssertExpectations(t)
}

func TestSessionManagerObserversSeeOrderedSnapshots(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := textrace.NewSessionManager(provider, provider, textrace.WithSessionLogger(nopLogger{}))
	ctx := context.Background()

	rec := &snapshotRecorder{}
	unsubscribe := m.Subscribe(rec.observe)

	_, err := m.RestoreSession(ctx)
	require.NoError(t, err)
	_, err = m.SignUp(ctx, signUpInput())
	require.NoError(t, err)
	_, err = m.LinkWallet(ctx, "0.0.98765")
	require.NoError(t, err)
	require.NoError(t, m.SignOut(ctx))

	m.Close()
	unsubscribe()

	snapshots := rec.all()
	require.Len(t, snapshots, 5)

	states := make([]textrace.SessionState, 0, len(snapshots))
	for i, snap := range snapshots {
		states = append(states, snap.State)
		if i > 0 {
			assert.Equal(t, snapshots[i-1].Version+1, snap.Version)
		}
	}
	assert.Equal(t, []textrace.SessionState{
		textrace.SessionStateUnknown,
		textrace.SessionStateAnonymous,
		textrace.SessionStateAuthenticated,
		textrace.SessionStateAuthenticated,
		textrace.SessionStateAnonymous,
	}, states)

	assert.Empty(t, snapshots[2].Identity.WalletID)
	assert.Equal(t, "0.0.98765", snapshots[3].Identity.WalletID)
	assert.Nil(t, snapshots[4].Identity)
}

func TestSessionManagerObserverCannotMutateState(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := newSessions(t, provider, provider)

	_, err := m.SignUp(context.Background(), signUpInput())
	require.NoError(t, err)

	m.Subscribe(func(s textrace.SessionSnapshot) {
		s.Identity.Email = "tampered@example.com"
	})

	assert.Equal(t, "maker@example.com", m.Current().Identity.Email)
}

func TestSessionManagerRestoreSession(t *testing.T) {
	storage := local.NewMemorySessionStorage()
	provider := setupLocalProvider(t, storage)
	ctx := context.Background()

	first := newSessions(t, provider, provider)
	identity, err := first.SignUp(ctx, signUpInput())
	require.NoError(t, err)

	second := newSessions(t, provider, provider)
	restored, err := second.RestoreSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, identity.ID, restored.ID)
	assert.Equal(t, textrace.SessionStateAuthenticated, second.Current().State)

	require.NoError(t, first.SignOut(ctx))

	third := newSessions(t, provider, provider)
	restored, err = third.RestoreSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, restored)
	assert.Equal(t, textrace.SessionStateAnonymous, third.Current().State)
}

func TestSessionManagerRestoreTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	provider := &stubProvider{
		currentSession: func(ctx context.Context) (*textrace.Identity, error) {
			<-release
			return nil, nil
		},
	}
	m := newSessions(t, provider, nil, textrace.WithRestoreTimeout(50*time.Millisecond))

	rec := &snapshotRecorder{}
	m.Subscribe(rec.observe)

	started := time.Now()
	identity, err := m.RestoreSession(context.Background())
	require.Error(t, err)
	assert.Nil(t, identity)
	assert.True(t, textrace.IsSessionRestoreTimeout(err))
	assert.Less(t, time.Since(started), 2*time.Second)

	snap := m.Current()
	assert.Equal(t, textrace.SessionStateUnknown, snap.State)
	assert.Nil(t, snap.Identity)

	snapshots := rec.all()
	require.Len(t, snapshots, 2)
	assert.Equal(t, textrace.SessionStateUnknown, snapshots[1].State)
}

func TestSessionManagerRestoreProviderError(t *testing.T) {
	provider := &stubProvider{
		currentSession: func(ctx context.Context) (*textrace.Identity, error) {
			return nil, errors.New("connection reset")
		},
	}
	m := newSessions(t, provider, nil)

	_, err := m.RestoreSession(context.Background())
	require.Error(t, err)
	assert.True(t, textrace.IsProviderUnavailable(err))
	assert.Equal(t, textrace.SessionStateUnknown, m.Current().State)
}

func TestSessionManagerSignOutClearsStateWhenProviderFails(t *testing.T) {
	identity := &textrace.Identity{
		ID:      uuid.NewString(),
		Email:   "maker@example.com",
		Role:    textrace.RoleManufacturer,
		Session: textrace.SessionWindow{IssuedAt: time.Now().UTC().Truncate(time.Second)},
	}
	provider := &stubProvider{
		authenticate: func(ctx context.Context, email, password string) (*textrace.Identity, error) {
			return identity.Clone(), nil
		},
		invalidate: func(ctx context.Context) error {
			return errors.New("network unreachable")
		},
		currentSession: func(ctx context.Context) (*textrace.Identity, error) {
			return identity.Clone(), nil
		},
	}
	m := newSessions(t, provider, nil)
	ctx := context.Background()

	_, err := m.SignIn(ctx, "maker@example.com", "cotton-secret")
	require.NoError(t, err)

	err = m.SignOut(ctx)
	require.Error(t, err)
	assert.True(t, textrace.IsProviderUnavailable(err))
	assert.Equal(t, textrace.SessionStateAnonymous, m.Current().State)

	// the provider still reports the old session, it must not come back
	snap, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, textrace.SessionStateAnonymous, snap.State)

	restored, err := m.RestoreSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, restored)

	_, err = m.SignIn(ctx, "maker@example.com", "cotton-secret")
	require.NoError(t, err)
	assert.True(t, m.Current().Authenticated())
}

func TestSessionManagerRequireIdentityExpiredSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	var mu sync.Mutex

	provider := &stubProvider{
		authenticate: func(ctx context.Context, email, password string) (*textrace.Identity, error) {
			return &textrace.Identity{
				ID:    uuid.NewString(),
				Email: email,
				Session: textrace.SessionWindow{
					IssuedAt:  now,
					ExpiresAt: now.Add(time.Hour),
				},
			}, nil
		},
	}
	m := newSessions(t, provider, nil, textrace.WithSessionClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))

	_, err := m.SignIn(context.Background(), "maker@example.com", "cotton-secret")
	require.NoError(t, err)

	_, err = m.RequireIdentity()
	require.NoError(t, err)

	mu.Lock()
	clock = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err = m.RequireIdentity()
	assert.True(t, textrace.IsNotAuthenticated(err))
}

func TestSessionManagerExpiryNotifiesObservers(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	var mu sync.Mutex

	provider := &stubProvider{
		authenticate: func(ctx context.Context, email, password string) (*textrace.Identity, error) {
			return &textrace.Identity{
				ID:    uuid.NewString(),
				Email: email,
				Session: textrace.SessionWindow{
					IssuedAt:  now,
					ExpiresAt: now.Add(time.Minute),
				},
			}, nil
		},
	}
	sink := &activityRecorder{}
	m := newSessions(t, provider, nil,
		textrace.WithSessionActivitySink(sink),
		textrace.WithSessionClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		}),
	)

	rec := &snapshotRecorder{}
	m.Subscribe(rec.observe)

	_, err := m.SignIn(context.Background(), "maker@example.com", "cotton-secret")
	require.NoError(t, err)
	require.True(t, m.Current().Authenticated())

	mu.Lock()
	clock = now.Add(2 * time.Minute)
	mu.Unlock()

	snap := m.Current()
	assert.Equal(t, textrace.SessionStateAnonymous, snap.State)
	assert.Nil(t, snap.Identity)

	_, err = m.RequireIdentity()
	assert.True(t, textrace.IsNotAuthenticated(err))

	states := []textrace.SessionState{}
	for _, s := range rec.all() {
		states = append(states, s.State)
	}
	assert.Equal(t, []textrace.SessionState{
		textrace.SessionStateUnknown,
		textrace.SessionStateAuthenticated,
		textrace.SessionStateAnonymous,
	}, states)
	assert.Len(t, sink.ofType(textrace.ActivityEventSessionExpired), 1)
}

func TestSessionManagerRequireIdentityExpiresOnce(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	var mu sync.Mutex

	provider := &stubProvider{
		authenticate: func(ctx context.Context, email, password string) (*textrace.Identity, error) {
			return &textrace.Identity{
				ID:      uuid.NewString(),
				Email:   email,
				Session: textrace.SessionWindow{IssuedAt: now, ExpiresAt: now.Add(time.Minute)},
			}, nil
		},
	}
	m := newSessions(t, provider, nil, textrace.WithSessionClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))

	rec := &snapshotRecorder{}
	m.Subscribe(rec.observe)

	_, err := m.SignIn(context.Background(), "maker@example.com", "cotton-secret")
	require.NoError(t, err)

	mu.Lock()
	clock = now.Add(time.Hour)
	mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err = m.RequireIdentity()
		assert.True(t, textrace.IsNotAuthenticated(err))
	}

	snapshots := rec.all()
	require.Len(t, snapshots, 3)
	assert.Equal(t, textrace.SessionStateAnonymous, snapshots[2].State)
	assert.Equal(t, snapshots[1].Version+1, snapshots[2].Version)

	// a late subscriber sees the cleared state
	late := &snapshotRecorder{}
	m.Subscribe(late.observe)
	require.Len(t, late.all(), 1)
	assert.Equal(t, textrace.SessionStateAnonymous, late.all()[0].State)
}

func TestSessionManagerLinkWallet(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	m := newSessions(t, provider, provider)
	ctx := context.Background()

	_, err := m.LinkWallet(ctx, "0.0.98765")
	assert.True(t, textrace.IsNotAuthenticated(err))

	_, err = m.SignUp(ctx, signUpInput())
	require.NoError(t, err)

	_, err = m.LinkWallet(ctx, "  ")
	assert.True(t, textrace.IsValidationError(err))

	updated, err := m.LinkWallet(ctx, " 0.0.98765 ")
	require.NoError(t, err)
	assert.Equal(t, "0.0.98765", updated.WalletID)
	assert.True(t, m.Current().Identity.HasWallet())

	// the wallet is persisted on the profile
	restored, err := provider.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "0.0.98765", restored.WalletID)
}

func TestSessionManagersConverge(t *testing.T) {
	provider := setupLocalProvider(t, local.NewMemorySessionStorage())
	ctx := context.Background()

	first := newSessions(t, provider, provider)
	second := newSessions(t, provider, provider)

	_, err := first.SignUp(ctx, signUpInput())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return second.Current().Authenticated()
	}, 2*time.Second, 10*time.Millisecond)

	_, err = first.LinkWallet(ctx, "0.0.98765")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := second.Current()
		return snap.Authenticated() && snap.Identity.WalletID == "0.0.98765"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.SignOut(ctx))

	require.Eventually(t, func() bool {
		return second.Current().State == textrace.SessionStateAnonymous
	}, 2*time.Second, 10*time.Millisecond)
}
