package textrace_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	_, err = textrace.Migrate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func countRows(t *testing.T, db *bun.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.NewRaw("SELECT COUNT(*) FROM ?", bun.Ident(table)).Scan(context.Background(), &n))
	return n
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// staticIdentity is an IdentitySource with a fixed principal.
type staticIdentity struct {
	identity *textrace.Identity
}

func newStaticIdentity() *staticIdentity {
	return &staticIdentity{identity: &textrace.Identity{
		ID:          uuid.NewString(),
		Email:       "maker@example.com",
		DisplayName: "maker",
		Role:        textrace.RoleManufacturer,
	}}
}

func (s *staticIdentity) RequireIdentity() (*textrace.Identity, error) {
	if s == nil || s.identity == nil {
		return nil, textrace.ErrNotAuthenticated
	}
	return s.identity.Clone(), nil
}

func (s *staticIdentity) ownerID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := s.identity.UUID()
	require.NoError(t, err)
	return id
}

// manualSource hands confirmation requests to the test, which answers them
// through release.
type manualSource struct {
	requests chan textrace.ConfirmationRequest

	mu      sync.Mutex
	answers map[uuid.UUID]chan textrace.Confirmation
}

func newManualSource() *manualSource {
	return &manualSource{
		requests: make(chan textrace.ConfirmationRequest, 16),
		answers:  map[uuid.UUID]chan textrace.Confirmation{},
	}
}

func (s *manualSource) answer(id uuid.UUID) chan textrace.Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.answers[id]
	if !ok {
		ch = make(chan textrace.Confirmation, 1)
		s.answers[id] = ch
	}
	return ch
}

func (s *manualSource) Await(ctx context.Context, req textrace.ConfirmationRequest) (textrace.Confirmation, error) {
	s.requests <- req
	select {
	case conf := <-s.answer(req.CertificateID):
		return conf, nil
	case <-ctx.Done():
		return textrace.Confirmation{}, ctx.Err()
	}
}

func (s *manualSource) release(id uuid.UUID, conf textrace.Confirmation) {
	s.answer(id) <- conf
}

func (s *manualSource) nextRequest(t *testing.T) textrace.ConfirmationRequest {
	t.Helper()
	select {
	case req := <-s.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no confirmation request was scheduled")
		return textrace.ConfirmationRequest{}
	}
}

func tokenSource(token, txn string) textrace.ConfirmationSource {
	return textrace.ConfirmationSourceFunc(func(ctx context.Context, req textrace.ConfirmationRequest) (textrace.Confirmation, error) {
		return textrace.Confirmation{TokenID: token, TransactionID: txn}, nil
	})
}

// activityRecorder collects activity events.
type activityRecorder struct {
	mu     sync.Mutex
	events []textrace.ActivityEvent
}

func (r *activityRecorder) Record(ctx context.Context, event textrace.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *activityRecorder) ofType(kind textrace.ActivityEventType) []textrace.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []textrace.ActivityEvent
	for _, e := range r.events {
		if e.EventType == kind {
			out = append(out, e)
		}
	}
	return out
}

func waitConfirmations(t *testing.T, m *textrace.CertificateManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}
