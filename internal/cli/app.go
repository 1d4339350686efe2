package cli

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/goliatone/go-textrace/activitymap"
	"github.com/goliatone/go-textrace/provider/local"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// app is the wiring shared by every command.
type app struct {
	cfg          *textrace.Config
	db           *bun.DB
	logger       textrace.Logger
	provider     *local.Provider
	sessions     *textrace.SessionManager
	certificates *textrace.CertificateManager
	out          *OutputFormatter
	migrated     *migrate.MigrationGroup
}

// openApp loads config, opens and migrates the database and restores the
// stored session.
func openApp(ctx context.Context, opts *RootOptions, w io.Writer) (*app, error) {
	cfg, err := textrace.LoadConfigWithEnv(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	logger := textrace.NewLevelLogger(textrace.DefaultLogger(), level)

	db, err := textrace.OpenDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	migrated, err := textrace.Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to migrate database", err)
	}

	repos := textrace.NewRepositoryManager(db)
	if err := repos.Validate(); err != nil {
		_ = db.Close()
		return nil, WrapExitError(ExitCommandError, "invalid repositories", err)
	}

	tokens := textrace.NewTokenService(
		[]byte(cfg.Session.SigningKey),
		cfg.Session.TTL,
		cfg.Session.Issuer,
		textrace.WithTokenLogger(logger),
	)

	provider := local.New(repos.Profiles(), tokens, local.NewFileSessionStorage(cfg.Session.StoragePath),
		local.WithLogger(logger),
		local.WithPasswordCost(cfg.Session.BcryptCost),
		local.WithMinPasswordLength(cfg.Session.MinPasswordLength),
		local.WithHashidProfileIDs(cfg.Session.UseHashid),
	)

	sessions := textrace.NewSessionManager(provider, provider,
		textrace.WithSessionLogger(logger),
		textrace.WithRestoreTimeout(cfg.Session.RestoreTimeout),
		textrace.WithMinPasswordLength(cfg.Session.MinPasswordLength),
		textrace.WithSessionActivitySink(activityLogger(logger)),
	)

	ledger := textrace.NewSimulatedLedger(cfg.Certificates.ConfirmationDelay)
	ledger.FailureRate = cfg.Certificates.FailureRate

	certificates := textrace.NewCertificateManager(sessions, repos.Certificates(), ledger,
		textrace.WithCertificateLogger(logger),
		textrace.WithConfirmationTimeout(cfg.Certificates.ConfirmationTimeout),
		textrace.WithMaxIDAttempts(cfg.Certificates.MaxIDAttempts),
		textrace.WithCertificateActivitySink(activityLogger(logger)),
	)

	a := &app{
		cfg:          cfg,
		db:           db,
		logger:       logger,
		provider:     provider,
		sessions:     sessions,
		certificates: certificates,
		out:          &OutputFormatter{Format: opts.Format, Writer: w},
		migrated:     migrated,
	}

	if _, err := sessions.RestoreSession(ctx); err != nil {
		logger.Warn("could not restore session: %v", err)
	}

	return a, nil
}

// Close waits for scheduled confirmations, bounded by the confirmation
// timeout, then releases the database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Certificates.ConfirmationTimeout+time.Second)
	defer cancel()

	if err := a.certificates.Wait(ctx); err != nil {
		a.logger.Warn("exiting with confirmations still pending: %v", err)
	}
	a.sessions.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database: %v", err)
	}
}

// activityLogger writes each event, normalized, as a JSON debug line.
func activityLogger(logger textrace.Logger) textrace.ActivitySink {
	return textrace.ActivitySinkFunc(func(_ context.Context, event textrace.ActivityEvent) error {
		line, err := json.Marshal(activitymap.Normalize(event))
		if err != nil {
			return err
		}
		logger.Debug("activity %s", line)
		return nil
	})
}

// withApp opens the app, runs fn and closes it.
func withApp(ctx context.Context, opts *RootOptions, w io.Writer, fn func(a *app) error) error {
	a, err := openApp(ctx, opts, w)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
