package local

import (
	"context"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-textrace"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// Option customizes a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger textrace.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithPasswordCost sets the bcrypt cost of new password hashes.
func WithPasswordCost(cost int) Option {
	return func(p *Provider) {
		p.passwordCost = cost
	}
}

// WithMinPasswordLength sets the password policy enforced on Register.
func WithMinPasswordLength(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.minPasswordLength = n
		}
	}
}

// WithHashidProfileIDs derives profile ids from the email so the same account
// gets the same id across databases.
func WithHashidProfileIDs(enabled bool) Option {
	return func(p *Provider) {
		p.useHashid = enabled
	}
}

// Provider is an IdentityProvider backed by the profiles table. Sessions
// are signed tokens kept in a SessionStorage.
type Provider struct {
	profiles          textrace.Profiles
	tokens            textrace.TokenService
	storage           SessionStorage
	logger            textrace.Logger
	now               func() time.Time
	passwordCost      int
	minPasswordLength int
	useHashid         bool

	mu          sync.Mutex
	subscribers map[uint64]func(textrace.SessionEvent)
	nextID      uint64
	lastToken   string
}

var (
	_ textrace.IdentityProvider = (*Provider)(nil)
	_ textrace.ProfileStore     = (*Provider)(nil)
)

// New returns a Provider.
func New(profiles textrace.Profiles, tokens textrace.TokenService, storage SessionStorage, opts ...Option) *Provider {
	p := &Provider{
		profiles:          profiles,
		tokens:            tokens,
		storage:           storage,
		logger:            textrace.DefaultLogger(),
		now:               time.Now,
		minPasswordLength: textrace.DefaultMinPasswordLength,
		subscribers:       map[uint64]func(textrace.SessionEvent){},
	}
	if p.storage == nil {
		p.storage = NewMemorySessionStorage()
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// Authenticate checks the password and stores a new session. Unknown emails
// and wrong passwords both yield ErrInvalidCredentials.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (*textrace.Identity, error) {
	profile, err := p.profiles.FindByEmail(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, textrace.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := textrace.ComparePasswordAndHash(password, profile.PasswordHash); err != nil {
		if textrace.IsInvalidCredentials(err) {
			return nil, textrace.ErrInvalidCredentials
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not verify password")
	}

	return p.startSession(ctx, profile)
}

// Register creates the profile and stores a new session for it.
func (p *Provider) Register(ctx context.Context, email, password string, attrs textrace.RegistrationAttributes) (*textrace.Identity, error) {
	if len(password) < p.minPasswordLength {
		return nil, textrace.ErrWeakCredential
	}

	hash, err := p.hashPassword(password)
	if err != nil {
		return nil, err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	profile := &textrace.Profile{
		Email:        email,
		DisplayName:  displayName(attrs.DisplayName, email),
		Role:         attrs.Role,
		PasswordHash: hash,
	}
	if profile.Role == "" {
		profile.Role = textrace.RoleManufacturer
	}
	if wallet := strings.TrimSpace(attrs.WalletID); wallet != "" {
		profile.WalletID = &wallet
	}
	if p.useHashid {
		if id, err := hashid.NewUUID(email); err == nil {
			profile.ID = id
		}
	}

	now := p.now().UTC()
	profile.CreatedAt = &now
	profile.UpdatedAt = &now

	created, err := p.profiles.Register(ctx, profile)
	if err != nil {
		return nil, err
	}

	return p.startSession(ctx, created)
}

// Invalidate drops the stored session.
func (p *Provider) Invalidate(ctx context.Context) error {
	if err := p.storage.Clear(ctx); err != nil {
		return err
	}
	p.setLastToken("")
	p.emit(textrace.SessionEvent{Kind: textrace.SessionEventSignedOut, OccurredAt: p.now()})
	return nil
}

// CurrentSession validates the stored token and reloads the profile. Missing,
// expired or unreadable tokens mean no session.
func (p *Provider) CurrentSession(ctx context.Context) (*textrace.Identity, error) {
	token, err := p.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	claims, err := p.tokens.Validate(token)
	if err != nil {
		p.logger.Debug("stored session rejected: %v", err)
		return nil, nil
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		p.logger.Warn("stored session has an invalid subject %q", claims.Subject)
		return nil, nil
	}

	profile, err := p.profiles.FindByID(ctx, id)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	return textrace.IdentityFromProfile(profile, claims.Window()), nil
}

// UpdateWallet persists the wallet on the profile and notifies subscribers.
func (p *Provider) UpdateWallet(ctx context.Context, identityID, walletID string) error {
	if err := p.profiles.UpdateWallet(ctx, identityID, walletID); err != nil {
		return err
	}
	p.emit(textrace.SessionEvent{
		Kind:       textrace.SessionEventUpdated,
		IdentityID: identityID,
		OccurredAt: p.now(),
	})
	return nil
}

// Subscribe registers fn for session change events. fn is called on the
// goroutine that caused the change.
func (p *Provider) Subscribe(fn func(textrace.SessionEvent)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subscribers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// Watch polls the storage every interval and emits an update when another
// process changed the stored session. It returns when ctx is done.
func (p *Provider) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token, err := p.storage.Load(ctx)
			if err != nil {
				p.logger.Warn("session storage poll failed: %v", err)
				continue
			}
			if !p.setLastToken(token) {
				continue
			}
			kind := textrace.SessionEventUpdated
			if token == "" {
				kind = textrace.SessionEventSignedOut
			}
			p.emit(textrace.SessionEvent{Kind: kind, OccurredAt: p.now()})
		}
	}
}

func (p *Provider) startSession(ctx context.Context, profile *textrace.Profile) (*textrace.Identity, error) {
	identity := textrace.IdentityFromProfile(profile, textrace.SessionWindow{})

	token, window, err := p.tokens.Generate(identity)
	if err != nil {
		return nil, err
	}
	identity.Session = window

	if err := p.storage.Save(ctx, token); err != nil {
		return nil, err
	}
	p.setLastToken(token)

	p.emit(textrace.SessionEvent{
		Kind:       textrace.SessionEventSignedIn,
		IdentityID: identity.ID,
		OccurredAt: p.now(),
	})

	return identity, nil
}

// hashPassword uses the configured cost, or the build default when unset.
func (p *Provider) hashPassword(password string) (string, error) {
	if p.passwordCost <= 0 {
		return textrace.HashPassword(password)
	}
	return textrace.HashPasswordWithCost(password, p.passwordCost)
}

// setLastToken records token and reports whether it changed.
func (p *Provider) setLastToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastToken == token {
		return false
	}
	p.lastToken = token
	return true
}

func (p *Provider) emit(event textrace.SessionEvent) {
	p.mu.Lock()
	subscribers := make([]func(textrace.SessionEvent), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subscribers = append(subscribers, fn)
	}
	p.mu.Unlock()

	for _, fn := range subscribers {
		fn(event)
	}
}

func displayName(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}
