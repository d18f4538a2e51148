// Package auth authenticates repository logins and decides what a logged-in
// user may do.
package auth

// Credentials is the closed set of login credentials.
type Credentials interface {
	credentials()
}

// SimpleCredentials carry a user id and password.
type SimpleCredentials struct {
	UserID   string
	Password string
	// Attributes are passed through to the session untouched.
	Attributes map[string]string
}

// GuestCredentials request anonymous, read-only access.
type GuestCredentials struct{}

func (SimpleCredentials) credentials() {}
func (GuestCredentials) credentials()  {}

// AnonymousUserID is the user id of guest sessions.
const AnonymousUserID = "anonymous"
