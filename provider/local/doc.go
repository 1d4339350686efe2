// Package local implements textrace.IdentityProvider on top of the profiles
// table: bcrypt password hashes, HS256 session tokens and a SessionStorage
// that keeps the token between runs.
//
// Quick start:
//
//	db, _ := textrace.OpenDatabase(ctx, dsn)
//	_, _ = textrace.Migrate(ctx, db)
//	tokens := textrace.NewTokenService([]byte(key), 24*time.Hour, "textrace")
//	provider := local.New(textrace.NewProfilesRepository(db), tokens,
//		local.NewFileSessionStorage(path))
//	sessions := textrace.NewSessionManager(provider, provider)
//
// The provider also implements textrace.ProfileStore so wallet links emit a
// change event that other session managers pick up.
package local
