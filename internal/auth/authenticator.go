package auth

import (
	"sync"

	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// Authenticator checks credentials against a fixed user table.
type Authenticator struct {
	mu        sync.RWMutex
	users     map[string]PasswordHash
	anonymous bool
	log       *zap.SugaredLogger
}

// NewAuthenticator builds an authenticator from user id to encoded argon2id
// hash. Guests are admitted only when anonymous is set.
func NewAuthenticator(users map[string]string, anonymous bool, log *zap.SugaredLogger) (*Authenticator, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &Authenticator{users: make(map[string]PasswordHash, len(users)), anonymous: anonymous, log: log}
	for id, enc := range users {
		h, err := ParsePasswordHash(enc)
		if err != nil {
			return nil, core.Wrap(core.ErrInvalidArgument, "auth.NewAuthenticator", id, err)
		}
		a.users[id] = h
	}
	return a, nil
}

// SetUser adds or replaces a user.
func (a *Authenticator) SetUser(userID, password string) error {
	enc, err := HashPassword(password)
	if err != nil {
		return core.Wrap(core.ErrRepository, "auth.SetUser", userID, err)
	}
	h, _ := ParsePasswordHash(enc)
	a.mu.Lock()
	a.users[userID] = h
	a.mu.Unlock()
	return nil
}

// Authenticate returns the user id and access manager for creds. Unknown
// users and wrong passwords both fail with ErrLogin.
func (a *Authenticator) Authenticate(creds Credentials) (string, AccessManager, error) {
	const op = "auth.Authenticate"
	switch c := creds.(type) {
	case GuestCredentials:
		if !a.anonymous {
			a.log.Warnw("guest login refused")
			return "", nil, core.Errorf(core.ErrLogin, op, "", "anonymous access is disabled")
		}
		return AnonymousUserID, ReadOnly{}, nil
	case SimpleCredentials:
		a.mu.RLock()
		h, ok := a.users[c.UserID]
		a.mu.RUnlock()
		if !ok || !h.Verify(c.Password) {
			a.log.Warnw("login failed", "user", c.UserID)
			return "", nil, core.Errorf(core.ErrLogin, op, "", "invalid user or password")
		}
		return c.UserID, AllowAll{}, nil
	case nil:
		return a.Authenticate(GuestCredentials{})
	default:
		return "", nil, core.Errorf(core.ErrLogin, op, "", "unsupported credentials %T", creds)
	}
}
