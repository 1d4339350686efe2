package textrace_test

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockIdentityProvider implements textrace.IdentityProvider
type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) Authenticate(ctx context.Context, email, password string) (*textrace.Identity, error) {
	args := m.Called(ctx, email, password)
	identity, _ := args.Get(0).(*textrace.Identity)
	return identity, args.Error(1)
}

func (m *MockIdentityProvider) Register(ctx context.Context, email, password string, attrs textrace.RegistrationAttributes) (*textrace.Identity, error) {
	args := m.Called(ctx, email, password, attrs)
	identity, _ := args.Get(0).(*textrace.Identity)
	return identity, args.Error(1)
}

func (m *MockIdentityProvider) Invalidate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockIdentityProvider) CurrentSession(ctx context.Context) (*textrace.Identity, error) {
	args := m.Called(ctx)
	identity, _ := args.Get(0).(*textrace.Identity)
	return identity, args.Error(1)
}

func (m *MockIdentityProvider) Subscribe(fn func(textrace.SessionEvent)) func() {
	args := m.Called(fn)
	unsubscribe, _ := args.Get(0).(func())
	if unsubscribe == nil {
		return func() {}
	}
	return unsubscribe
}

// stubProvider is an IdentityProvider driven by plain functions, for
// behaviour a mock expectation cannot express (blocking calls).
type stubProvider struct {
	authenticate   func(ctx context.Context, email, password string) (*textrace.Identity, error)
	register       func(ctx context.Context, email, password string, attrs textrace.RegistrationAttributes) (*textrace.Identity, error)
	invalidate     func(ctx context.Context) error
	currentSession func(ctx context.Context) (*textrace.Identity, error)

	mu       sync.Mutex
	handlers []func(textrace.SessionEvent)
}

func (s *stubProvider) Authenticate(ctx context.Context, email, password string) (*textrace.Identity, error) {
	if s.authenticate == nil {
		return nil, textrace.ErrInvalidCredentials
	}
	return s.authenticate(ctx, email, password)
}

func (s *stubProvider) Register(ctx context.Context, email, password string, attrs textrace.RegistrationAttributes) (*textrace.Identity, error) {
	if s.register == nil {
		return nil, textrace.ErrAccountExists
	}
	return s.register(ctx, email, password, attrs)
}

func (s *stubProvider) Invalidate(ctx context.Context) error {
	if s.invalidate == nil {
		return nil
	}
	return s.invalidate(ctx)
}

func (s *stubProvider) CurrentSession(ctx context.Context) (*textrace.Identity, error) {
	if s.currentSession == nil {
		return nil, nil
	}
	return s.currentSession(ctx)
}

func (s *stubProvider) Subscribe(fn func(textrace.SessionEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
	return func() {}
}

// MockCertificateStore implements textrace.CertificateStore
type MockCertificateStore struct {
	mock.Mock
}

func (m *MockCertificateStore) CreatePending(ctx context.Context, cert *textrace.Certificate, txn *textrace.Transaction) error {
	args := m.Called(ctx, cert, txn)
	return args.Error(0)
}

func (m *MockCertificateStore) FindByID(ctx context.Context, id uuid.UUID) (*textrace.Certificate, error) {
	args := m.Called(ctx, id)
	cert, _ := args.Get(0).(*textrace.Certificate)
	return cert, args.Error(1)
}

func (m *MockCertificateStore) FindByRecordID(ctx context.Context, ownerID uuid.UUID, recordID string) (*textrace.Certificate, error) {
	args := m.Called(ctx, ownerID, recordID)
	cert, _ := args.Get(0).(*textrace.Certificate)
	return cert, args.Error(1)
}

func (m *MockCertificateStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*textrace.Certificate, error) {
	args := m.Called(ctx, ownerID)
	certs, _ := args.Get(0).([]*textrace.Certificate)
	return certs, args.Error(1)
}

func (m *MockCertificateStore) ListByRecordID(ctx context.Context, recordID string) ([]*textrace.Certificate, error) {
	args := m.Called(ctx, recordID)
	certs, _ := args.Get(0).([]*textrace.Certificate)
	return certs, args.Error(1)
}

func (m *MockCertificateStore) Transactions(ctx context.Context, certificateID uuid.UUID) ([]*textrace.Transaction, error) {
	args := m.Called(ctx, certificateID)
	txns, _ := args.Get(0).([]*textrace.Transaction)
	return txns, args.Error(1)
}

func (m *MockCertificateStore) Finalize(ctx context.Context, f textrace.Finalization) (*textrace.Certificate, bool, error) {
	args := m.Called(ctx, f)
	cert, _ := args.Get(0).(*textrace.Certificate)
	return cert, args.Bool(1), args.Error(2)
}

func (m *MockCertificateStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*textrace.Certificate, error) {
	args := m.Called(ctx, createdBefore, limit)
	certs, _ := args.Get(0).([]*textrace.Certificate)
	return certs, args.Error(1)
}

func (m *MockCertificateStore) CountByStatus(ctx context.Context, ownerID uuid.UUID) (map[textrace.CertificateStatus]int, error) {
	args := m.Called(ctx, ownerID)
	counts, _ := args.Get(0).(map[textrace.CertificateStatus]int)
	return counts, args.Error(1)
}

// MockActivitySink implements textrace.ActivitySink
type MockActivitySink struct {
	mock.Mock
}

func (m *MockActivitySink) Record(ctx context.Context, event textrace.ActivityEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
