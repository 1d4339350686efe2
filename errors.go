package textrace

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeValidation          = "VALIDATION_ERROR"
	TextCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	TextCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	TextCodeAccountExists       = "ACCOUNT_EXISTS"
	TextCodeWeakCredential      = "WEAK_CREDENTIAL"
	TextCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	TextCodeMalformedMetadata   = "MALFORMED_METADATA"
	TextCodeTimeout             = "CONFIRMATION_TIMEOUT"
	TextCodeConfirmationFailed  = "CONFIRMATION_FAILED"
	TextCodeCertificateNotFound = "CERTIFICATE_NOT_FOUND"
	TextCodeRecordIDCollision   = "RECORD_ID_COLLISION"
	TextCodeRestoreTimeout      = "SESSION_RESTORE_TIMEOUT"
	TextCodeNotConfirmed        = "CERTIFICATE_NOT_CONFIRMED"
)

// ErrNotAuthenticated is returned when an operation needs a current identity.
var ErrNotAuthenticated = goerrors.New("please sign in first", goerrors.CategoryAuth).
	WithTextCode(TextCodeNotAuthenticated).
	WithCode(goerrors.CodeUnauthorized)

// ErrInvalidCredentials is returned when the provider rejects email/password.
var ErrInvalidCredentials = goerrors.New("invalid email or password", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountExists is returned when signing up with a registered email.
var ErrAccountExists = goerrors.New("an account with this email already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeAccountExists).
	WithCode(goerrors.CodeConflict)

// ErrWeakCredential is returned when the password does not meet the policy.
var ErrWeakCredential = goerrors.New("password is too weak", goerrors.CategoryValidation).
	WithTextCode(TextCodeWeakCredential).
	WithCode(goerrors.CodeBadRequest)

// ErrProviderUnavailable is returned on transport or service failures. Safe to retry manually.
var ErrProviderUnavailable = goerrors.New("identity service is unavailable, please try again", goerrors.CategoryOperation).
	WithTextCode(TextCodeProviderUnavailable)

// ErrMalformedMetadata is returned when metadata does not parse or fails the schema.
var ErrMalformedMetadata = goerrors.New("metadata must be a key/value mapping", goerrors.CategoryBadInput).
	WithTextCode(TextCodeMalformedMetadata).
	WithCode(goerrors.CodeBadRequest)

// ErrCertificateNotFound is returned when a certificate lookup has no match.
var ErrCertificateNotFound = goerrors.New("certificate not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeCertificateNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrRecordIDCollision is returned by stores when a record id is already taken by the owner.
var ErrRecordIDCollision = goerrors.New("certificate record id already in use", goerrors.CategoryConflict).
	WithTextCode(TextCodeRecordIDCollision).
	WithCode(goerrors.CodeConflict)

// ErrSessionRestoreTimeout is returned when the provider did not answer in time.
var ErrSessionRestoreTimeout = goerrors.New("could not restore session in time", goerrors.CategoryOperation).
	WithTextCode(TextCodeRestoreTimeout)

// ErrConfirmationTimeout marks a confirmation that did not arrive in time.
var ErrConfirmationTimeout = goerrors.New("confirmation did not arrive in time", goerrors.CategoryOperation).
	WithTextCode(TextCodeTimeout)

// ErrConfirmationFailed marks a confirmation the external system rejected.
var ErrConfirmationFailed = goerrors.New("confirmation failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeConfirmationFailed)

// ErrCertificateNotConfirmed is returned by verification of pending or failed certificates.
var ErrCertificateNotConfirmed = goerrors.New("certificate is not confirmed", goerrors.CategoryConflict).
	WithTextCode(TextCodeNotConfirmed).
	WithCode(goerrors.CodeConflict)

// Failure reasons recorded on failed certificates.
const (
	FailureReasonTimeout                = "Timeout: confirmation did not arrive in time"
	FailureReasonConfirmationFailed     = "ConfirmationFailed"
	FailureReasonConcurrentModification = "ConfirmationFailed: concurrent modification"
)

func newValidationError(message string, fields map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryValidation).
		WithTextCode(TextCodeValidation).
		WithCode(goerrors.CodeBadRequest)
	if len(fields) > 0 {
		err = err.WithMetadata(fields)
	}
	return err
}

func withMetadata(base *goerrors.Error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if len(meta) > 0 {
		clone = clone.WithMetadata(meta)
	}
	return clone
}

func wrapAs(base *goerrors.Error, err error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if err != nil {
		clone.Source = err
		if meta == nil {
			meta = map[string]any{}
		}
		meta["error"] = err.Error()
	}
	if len(meta) > 0 {
		clone = clone.WithMetadata(meta)
	}
	return clone
}

// HasTextCode reports whether any rich error in the chain carries code.
func HasTextCode(err error, code string) bool {
	for err != nil {
		var rich *goerrors.Error
		if !errors.As(err, &rich) || rich == nil {
			return false
		}
		if rich.TextCode == code {
			return true
		}
		next := errors.Unwrap(rich)
		if next == nil && rich.Source != nil {
			next = rich.Source
		}
		err = next
	}
	return false
}

func IsValidationError(err error) bool    { return HasTextCode(err, TextCodeValidation) }
func IsNotAuthenticated(err error) bool   { return HasTextCode(err, TextCodeNotAuthenticated) }
func IsInvalidCredentials(err error) bool { return HasTextCode(err, TextCodeInvalidCredentials) }
func IsAccountExists(err error) bool      { return HasTextCode(err, TextCodeAccountExists) }
func IsWeakCredential(err error) bool     { return HasTextCode(err, TextCodeWeakCredential) }
func IsProviderUnavailable(err error) bool {
	return HasTextCode(err, TextCodeProviderUnavailable)
}
func IsMalformedMetadata(err error) bool   { return HasTextCode(err, TextCodeMalformedMetadata) }
func IsCertificateNotFound(err error) bool { return HasTextCode(err, TextCodeCertificateNotFound) }
func IsRecordIDCollision(err error) bool   { return HasTextCode(err, TextCodeRecordIDCollision) }
func IsConfirmationTimeout(err error) bool { return HasTextCode(err, TextCodeTimeout) }
func IsConfirmationFailed(err error) bool  { return HasTextCode(err, TextCodeConfirmationFailed) }
func IsCertificateNotConfirmed(err error) bool {
	return HasTextCode(err, TextCodeNotConfirmed)
}
func IsSessionRestoreTimeout(err error) bool { return HasTextCode(err, TextCodeRestoreTimeout) }

// classifyProviderError keeps taxonomy errors from the provider and treats
// everything else as a transport failure.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range []string{
		TextCodeInvalidCredentials,
		TextCodeAccountExists,
		TextCodeWeakCredential,
		TextCodeValidation,
		TextCodeNotAuthenticated,
		TextCodeProviderUnavailable,
	} {
		if HasTextCode(err, code) {
			return err
		}
	}
	return wrapAs(ErrProviderUnavailable, err, nil)
}
