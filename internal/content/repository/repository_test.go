package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/store/sqlite"
)

const articleTypes = `
nodeTypes:
  - name: app:article
    supertypes: [nt:unstructured]
    properties:
      - name: app:body
        type: String
    children:
      - name: app:section
        defaultPrimaryType: nt:unstructured
        sameNameSiblings: true
      - name: app:summary
        defaultPrimaryType: nt:unstructured
`

func openSQLite(t *testing.T, path string, opts Options) *Repository {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.New(ctx, path)
	require.NoError(t, err)
	opts.Backend = b
	r, err := Open(ctx, opts)
	require.NoError(t, err)
	return r
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	enc, err := auth.HashPassword("pw")
	require.NoError(t, err)
	authn, err := auth.NewAuthenticator(map[string]string{"alice": enc}, true, nil)
	require.NoError(t, err)

	var logins, logouts []string
	r, err := Open(ctx, Options{
		Authenticator: authn,
		Workspaces:    []string{"staging"},
		Hooks: Hooks{
			OnLogin:  func(user string, err error) { logins = append(logins, user) },
			OnLogout: func(user string) { logouts = append(logouts, user) },
		},
	})
	require.NoError(t, err)
	defer r.Close(ctx)

	assert.ElementsMatch(t, []string{DefaultWorkspace, "staging"}, r.Workspaces())

	s, err := r.Login(ctx, auth.SimpleCredentials{UserID: "alice", Password: "pw"}, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkspace, s.WorkspaceName())
	assert.Equal(t, 1, r.ActiveSessions())

	_, err = r.Login(ctx, auth.SimpleCredentials{UserID: "alice", Password: "bad"}, "")
	assert.ErrorIs(t, err, core.ErrLogin)
	_, err = r.Login(ctx, nil, "")
	assert.ErrorIs(t, err, core.ErrLogin)
	_, err = r.Login(ctx, auth.SimpleCredentials{UserID: "alice", Password: "pw"}, "nowhere")
	assert.ErrorIs(t, err, core.ErrNoSuchWorkspace)

	guest, err := r.Login(ctx, auth.GuestCredentials{}, "staging")
	require.NoError(t, err)
	root, err := guest.RootNode()
	require.NoError(t, err)
	_, err = root.AddNode("x", "")
	assert.ErrorIs(t, err, core.ErrAccessDenied)

	s.Logout(ctx)
	assert.Equal(t, 1, r.ActiveSessions())
	assert.Equal(t, []string{"alice"}, logouts)
	assert.Len(t, logins, 5)
}

func TestLoginWithoutAuthenticator(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, Options{})
	require.NoError(t, err)
	defer r.Close(ctx)

	s, err := r.Login(ctx, auth.SimpleCredentials{UserID: "bob", Attributes: map[string]string{"team": "docs"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", s.UserID())
	team, ok := s.Attribute("team")
	assert.True(t, ok)
	assert.Equal(t, "docs", team)
	assert.True(t, s.HasPermission("/", "add_node"))

	guest, err := r.Login(ctx, auth.GuestCredentials{}, "")
	require.NoError(t, err)
	assert.Equal(t, auth.AnonymousUserID, guest.UserID())
	assert.False(t, guest.HasPermission("/", "add_node"))
	assert.True(t, guest.HasPermission("/", "read"))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "content.db")
	typesPath := filepath.Join(dir, "types.yaml")
	require.NoError(t, os.WriteFile(typesPath, []byte(articleTypes), 0o644))

	r := openSQLite(t, dbPath, Options{})
	require.NoError(t, r.RegisterNamespace(ctx, "app", "http://example.com/app"))
	defs, err := nodetype.LoadDefinitionFile(typesPath)
	require.NoError(t, err)
	_, err = r.NodeTypes().RegisterAll(defs, false)
	require.NoError(t, err)
	_, err = r.NodeTypes().Register(nodetype.Definition{Name: "app:tag", Mixin: true}, false)
	require.NoError(t, err)

	s, err := r.Login(ctx, auth.SimpleCredentials{UserID: "alice"}, "")
	require.NoError(t, err)
	root, err := s.RootNode()
	require.NoError(t, err)
	doc, err := root.AddNode("doc", "app:article")
	require.NoError(t, err)
	require.NoError(t, doc.AddMixin(core.MixLockable))
	_, err = doc.SetProperty("app:body", "hello")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	_, err = s.Workspace().LockManager().Lock(ctx, "/doc", false, false, 0, "")
	require.NoError(t, err)
	require.True(t, s.PropertyExists("/doc/jcr:lockOwner"))
	require.NoError(t, r.Close(ctx))

	// the namespace must be restored before the node types that use it
	r = openSQLite(t, dbPath, Options{NodeTypeFiles: []string{typesPath}})
	defer r.Close(ctx)
	uri, err := r.Namespaces().URI("app")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/app", uri)
	assert.True(t, r.NodeTypes().Has("app:article"))
	assert.True(t, r.NodeTypes().Has("app:tag"))

	s, err = r.Login(ctx, auth.SimpleCredentials{UserID: "alice"}, "")
	require.NoError(t, err)
	p, err := s.GetProperty("/doc/app:body")
	require.NoError(t, err)
	body, err := p.GetString()
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
	assert.False(t, s.PropertyExists("/doc/jcr:lockOwner"))
	locked, err := s.Workspace().LockManager().IsLocked("/doc")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestNodeTypeInUseCannotBeUnregistered(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, Options{})
	require.NoError(t, err)
	defer r.Close(ctx)
	require.NoError(t, r.RegisterNamespace(ctx, "app", "http://example.com/app"))
	defs, err := nodetype.LoadDefinitions(strings.NewReader(articleTypes))
	require.NoError(t, err)
	_, err = r.NodeTypes().RegisterAll(defs, false)
	require.NoError(t, err)

	s, err := r.Login(ctx, auth.SimpleCredentials{UserID: "alice"}, "")
	require.NoError(t, err)
	root, err := s.RootNode()
	require.NoError(t, err)
	_, err = root.AddNode("doc", "app:article")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	assert.Error(t, r.NodeTypes().Unregister("app:article"))
	require.NoError(t, s.RemoveItem("/doc"))
	require.NoError(t, s.Save(ctx))
	assert.NoError(t, r.NodeTypes().Unregister("app:article"))
}

func TestSameNameSiblingPolicy(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, Options{})
	require.NoError(t, err)
	defer r.Close(ctx)
	require.NoError(t, r.RegisterNamespace(ctx, "app", "http://example.com/app"))
	defs, err := nodetype.LoadDefinitions(strings.NewReader(articleTypes))
	require.NoError(t, err)
	_, err = r.NodeTypes().RegisterAll(defs, false)
	require.NoError(t, err)

	snap := r.Store().Snapshot()
	article := store.NewNodeRecord("a", "", "", "app:article")
	folder := store.NewNodeRecord("f", "", "", core.NTFolder)
	unstructured := store.NewNodeRecord("u", "", "", core.NTUnstructured)

	assert.True(t, r.allowSameNameSibling(snap, DefaultWorkspace, article, "app:section"))
	assert.False(t, r.allowSameNameSibling(snap, DefaultWorkspace, article, "app:summary"), "named definition without siblings wins over the residual one")
	assert.True(t, r.allowSameNameSibling(snap, DefaultWorkspace, article, "other"))
	assert.False(t, r.allowSameNameSibling(snap, DefaultWorkspace, folder, "x"))
	assert.True(t, r.allowSameNameSibling(snap, DefaultWorkspace, unstructured, "x"))
}

func TestCloseLogsOutSessions(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, Options{})
	require.NoError(t, err)
	s, err := r.Login(ctx, auth.SimpleCredentials{UserID: "alice"}, "")
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx))
	assert.False(t, s.IsLive())
	assert.Zero(t, r.ActiveSessions())
	require.NoError(t, r.Close(ctx))

	_, err = r.Login(ctx, auth.SimpleCredentials{UserID: "alice"}, "")
	assert.ErrorIs(t, err, core.ErrIllegalState)
}

func TestDescriptors(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, Options{})
	require.NoError(t, err)
	defer r.Close(ctx)

	v, ok := r.Descriptor(SpecVersionDesc)
	require.True(t, ok)
	assert.Equal(t, "2.0", v)
	assert.True(t, r.IsTrueDescriptor(OptionLockingSupported))
	assert.False(t, r.IsTrueDescriptor(OptionTransactionsSupported))
	assert.False(t, r.IsTrueDescriptor("no.such.key"))
	assert.IsIncreasing(t, r.DescriptorKeys())
	assert.True(t, IsStandardDescriptor(QueryLanguages))
}
