// Package token provides persistence for the Netra bearer token.
package token

// Store is the single source of truth for the session token and the
// dev-logout flag. Implementations do presence checks only; token
// lifecycle policy lives in the auth package.
type Store interface {
	// Token returns the stored bearer token and whether one is present.
	Token() (string, bool)

	// SetToken stores the bearer token, replacing any previous value.
	SetToken(tok string) error

	// ClearToken removes the stored token.
	ClearToken() error

	// DevLogout reports whether the user explicitly logged out.
	DevLogout() bool

	// SetDevLogout records or clears the explicit-logout flag.
	SetDevLogout(v bool) error

	// Close releases underlying resources.
	Close() error
}

// Persisted keys, mirrored from the web client's browser storage.
const (
	keyToken     = "jwt_token"
	keyDevLogout = "dev_logout_flag"
)
