package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/core"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	enc, err := HashPassword("s3cret")
	require.NoError(t, err)
	h, err := ParsePasswordHash(enc)
	require.NoError(t, err)
	assert.True(t, h.Verify("s3cret"))
	assert.False(t, h.Verify("S3cret"))
	assert.Equal(t, enc, h.String())
}

func TestParsePasswordHashRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "plain", "$bcrypt$v=19$m=1,t=1,p=1$AA$AA", "$argon2id$v=1$m=1,t=1,p=1$AA$AA"} {
		_, err := ParsePasswordHash(s)
		assert.Error(t, err, s)
	}
}

func TestAuthenticate(t *testing.T) {
	enc, err := HashPassword("pw")
	require.NoError(t, err)
	a, err := NewAuthenticator(map[string]string{"alice": enc}, false, nil)
	require.NoError(t, err)

	user, access, err := a.Authenticate(SimpleCredentials{UserID: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.True(t, access.Permits("default", "/a", ActionRemove))

	_, _, err = a.Authenticate(SimpleCredentials{UserID: "alice", Password: "nope"})
	assert.ErrorIs(t, err, core.ErrLogin)
	_, _, err = a.Authenticate(SimpleCredentials{UserID: "bob", Password: "pw"})
	assert.ErrorIs(t, err, core.ErrLogin)
	_, _, err = a.Authenticate(GuestCredentials{})
	assert.ErrorIs(t, err, core.ErrLogin)

	require.NoError(t, a.SetUser("bob", "pw2"))
	user, _, err = a.Authenticate(SimpleCredentials{UserID: "bob", Password: "pw2"})
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
}

func TestGuestIsReadOnly(t *testing.T) {
	a, err := NewAuthenticator(nil, true, nil)
	require.NoError(t, err)
	user, access, err := a.Authenticate(GuestCredentials{})
	require.NoError(t, err)
	assert.Equal(t, AnonymousUserID, user)
	assert.True(t, access.Permits("default", "/", ActionRead))
	assert.False(t, access.Permits("default", "/", ActionAddNode))
}

func TestParseActions(t *testing.T) {
	assert.Equal(t, []Action{ActionRead, ActionSetProperty}, ParseActions(" read, set_property ,"))
	assert.Empty(t, ParseActions(""))
}
