package session

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/lock"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/version"
)

type fixture struct {
	t    *testing.T
	ctx  context.Context
	deps *Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewMemoryBackend(), nil)
	require.NoError(t, err)
	require.NoError(t, st.CreateWorkspace(ctx, "default"))
	ns := core.NewNamespaceRegistry()
	types := nodetype.NewRegistry(ns, nil)
	return &fixture{t: t, ctx: ctx, deps: &Deps{
		Store:      st,
		Types:      types,
		Namespaces: ns,
		Versions:   version.NewManager(st, types, nil),
		Locks:      lock.NewManager(nil),
	}}
}

func (f *fixture) login(access auth.AccessManager) *Session {
	f.t.Helper()
	s, err := New(f.deps, "default", "alice", access, nil)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) node(s *Session, path string) *Node {
	f.t.Helper()
	n, err := s.GetNode(path)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) add(parent *Node, rel, typ string) *Node {
	f.t.Helper()
	n, err := parent.AddNode(rel, typ)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) set(n *Node, name string, value any) {
	f.t.Helper()
	_, err := n.SetProperty(name, value)
	require.NoError(f.t, err)
}

func (f *fixture) root(s *Session) *Node {
	f.t.Helper()
	r, err := s.RootNode()
	require.NoError(f.t, err)
	return r
}

func (f *fixture) str(s *Session, path string) string {
	f.t.Helper()
	p, err := s.GetProperty(path)
	require.NoError(f.t, err)
	v, err := p.GetString()
	require.NoError(f.t, err)
	return v
}

func TestNewUnknownWorkspace(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.deps, "nope", "alice", nil, nil)
	assert.ErrorIs(t, err, core.ErrNoSuchWorkspace)
}

func TestTransientChangesAreInvisibleUntilSave(t *testing.T) {
	f := newFixture(t)
	s1, s2 := f.login(nil), f.login(nil)

	a := f.add(f.root(s1), "a", "")
	f.add(a, "b", "")
	f.set(a, "title", "hello")

	assert.True(t, s1.HasPendingChanges())
	assert.True(t, a.IsNew())
	assert.True(t, s1.NodeExists("/a/b"))
	assert.False(t, s2.NodeExists("/a"))

	require.NoError(t, s1.Save(f.ctx))
	assert.False(t, s1.HasPendingChanges())
	assert.False(t, a.IsNew())

	require.NoError(t, s2.Refresh(false))
	assert.True(t, s2.NodeExists("/a/b"))
	assert.Equal(t, "hello", f.str(s2, "/a/title"))
}

func TestSaveIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)

	f.add(f.root(s), "good", "")
	// nt:file requires jcr:content.
	f.add(f.root(s), "bad", core.NTFile)

	err := s.Save(f.ctx)
	assert.ErrorIs(t, err, core.ErrConstraintViolation)
	assert.True(t, s.HasPendingChanges())

	other := f.login(nil)
	assert.False(t, other.NodeExists("/good"))
	assert.False(t, other.NodeExists("/bad"))

	bad := f.node(s, "/bad")
	res := f.add(bad, core.JcrContent, core.NTResource)
	f.set(res, core.JcrData, []byte("payload"))
	require.NoError(t, s.Save(f.ctx))
	require.NoError(t, other.Refresh(false))
	assert.True(t, other.NodeExists("/good"))
	assert.True(t, other.NodeExists("/bad/jcr:content"))
}

func TestIdentifierSurvivesMove(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	a := f.add(f.root(s), "a", "")
	f.add(f.root(s), "dest", "")
	require.NoError(t, s.Save(f.ctx))
	id := a.Identifier()

	require.NoError(t, s.Move("/a", "/dest/moved"))
	assert.Equal(t, "/dest/moved", a.Path())
	require.NoError(t, s.Save(f.ctx))

	n, err := s.GetNodeByIdentifier(id)
	require.NoError(t, err)
	assert.Equal(t, "/dest/moved", n.Path())
	assert.False(t, s.NodeExists("/a"))

	err = s.Move("/dest", "/x[2]")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSaveAfterForeignMove(t *testing.T) {
	for _, tc := range []struct {
		name          string
		referenceable bool
	}{
		{"plain ancestor", false},
		{"referenceable ancestor", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			setup := f.login(nil)
			a := f.add(f.root(setup), "a", "")
			if tc.referenceable {
				require.NoError(t, a.AddMixin(core.MixReferenceable))
			}
			f.add(a, "b", "")
			require.NoError(t, setup.Save(f.ctx))

			s1, s2 := f.login(nil), f.login(nil)
			f.set(f.node(s1, "/a/b"), "p", "mine")
			require.NoError(t, s2.Move("/a", "/c"))
			require.NoError(t, s2.Save(f.ctx))

			err := s1.Save(f.ctx)
			if !tc.referenceable {
				assert.ErrorIs(t, err, core.ErrInvalidItemState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "mine", f.str(s1, "/c/b/p"))
		})
	}
}

func TestConcurrentEditsMerge(t *testing.T) {
	f := newFixture(t)
	setup := f.login(nil)
	f.add(f.root(setup), "doc", "")
	require.NoError(t, setup.Save(f.ctx))

	s1, s2 := f.login(nil), f.login(nil)
	f.set(f.node(s1, "/doc"), "one", "1")
	f.set(f.node(s2, "/doc"), "two", "2")
	require.NoError(t, s1.Save(f.ctx))
	require.NoError(t, s2.Save(f.ctx))

	assert.Equal(t, "1", f.str(s2, "/doc/one"))
	assert.Equal(t, "2", f.str(s2, "/doc/two"))

	f.set(f.node(s1, "/doc"), "one", "x")
	f.set(f.node(s2, "/doc"), "one", "y")
	require.NoError(t, s1.Save(f.ctx))
	assert.ErrorIs(t, s2.Save(f.ctx), core.ErrInvalidItemState)
}

func TestReferenceable(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	target := f.add(f.root(s), "target", "")
	require.NoError(t, target.AddMixin(core.MixReferenceable))
	src := f.add(f.root(s), "src", "")
	p, err := src.SetProperty("ref", target)
	require.NoError(t, err)
	assert.Equal(t, core.TypeReference, p.Type())
	require.NoError(t, s.Save(f.ctx))

	uuid := f.str(s, "/target/jcr:uuid")
	assert.Equal(t, target.Identifier(), uuid)
	byUUID, err := s.GetNodeByUUID(uuid)
	require.NoError(t, err)
	assert.True(t, byUUID.IsSame(target))

	deref, err := p.Node()
	require.NoError(t, err)
	assert.Equal(t, "/target", deref.Path())

	refs, err := target.References("")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "/src/ref", refs[0].Path())

	_, err = s.GetNodeByUUID(src.Identifier())
	assert.ErrorIs(t, err, core.ErrItemNotFound)

	_, err = target.SetProperty(core.JcrUUID, "other")
	assert.ErrorIs(t, err, core.ErrConstraintViolation)
}

func TestReferentialIntegrity(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	target := f.add(f.root(s), "target", "")
	require.NoError(t, target.AddMixin(core.MixReferenceable))
	f.set(f.add(f.root(s), "src", ""), "ref", target)
	require.NoError(t, s.Save(f.ctx))

	require.NoError(t, target.Remove())
	assert.ErrorIs(t, s.Save(f.ctx), core.ErrReferentialIntegrity)

	// Removing the referrer in the same save is fine.
	require.NoError(t, f.node(s, "/src").Remove())
	require.NoError(t, s.Save(f.ctx))
	assert.False(t, s.NodeExists("/target"))

	plain := f.add(f.root(s), "plain", "")
	f.set(f.add(f.root(s), "src2", ""), "ref", plain)
	assert.ErrorIs(t, s.Save(f.ctx), core.ErrReferentialIntegrity)
}

func TestSameNameSiblingIndexes(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	p := f.add(f.root(s), "p", "")
	for _, v := range []string{"one", "two", "three"} {
		f.set(f.add(p, "c", ""), "v", v)
	}
	require.NoError(t, s.Save(f.ctx))

	second := f.node(s, "/p/c[2]")
	assert.Equal(t, 2, second.Index())
	assert.Equal(t, "/p/c[2]", second.Path())
	require.NoError(t, second.Remove())

	third := f.node(s, "/p/c[2]")
	assert.Equal(t, "three", f.str(s, "/p/c[2]/v"))
	assert.Equal(t, 2, third.Index())
	assert.False(t, s.NodeExists("/p/c[3]"))
	require.NoError(t, s.Save(f.ctx))

	kids, err := p.GetNodes("c")
	require.NoError(t, err)
	assert.Len(t, kids, 2)
}

func TestOrderBefore(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	p := f.add(f.root(s), "p", "")
	for _, n := range []string{"a", "b", "c"} {
		f.add(p, n, "")
	}
	require.NoError(t, p.OrderBefore("c", "a"))
	kids, err := p.GetNodes()
	require.NoError(t, err)
	var names []string
	for _, k := range kids {
		names = append(names, k.Name())
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)

	folder := f.add(f.root(s), "folder", core.NTFolder)
	assert.ErrorIs(t, folder.OrderBefore("x", ""), core.ErrUnsupportedOperation)
}

func TestValueReadOnce(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	n := f.add(f.root(s), "n", "")
	p, err := n.SetProperty("text", "hello")
	require.NoError(t, err)

	v, err := p.Value()
	require.NoError(t, err)
	r, err := v.GetStream()
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	_, err = v.GetString()
	assert.ErrorIs(t, err, core.ErrIllegalState)

	// A fresh value can be read again.
	str, err := p.GetString()
	require.NoError(t, err)
	assert.Equal(t, "hello", str)

	_, err = p.Values()
	assert.ErrorIs(t, err, core.ErrValueFormat)
	_, err = n.SetProperty("text", []string{"a", "b"})
	assert.ErrorIs(t, err, core.ErrValueFormat)
}

func TestPropertyTypes(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	n := f.add(f.root(s), "n", "")
	f.set(n, "count", int64(42))
	f.set(n, "ok", true)
	p, err := n.SetPropertyType("num", "7", core.TypeLong)
	require.NoError(t, err)
	assert.Equal(t, core.TypeLong, p.Type())

	c, err := n.GetProperty("count")
	require.NoError(t, err)
	l, err := c.GetLong()
	require.NoError(t, err)
	assert.Equal(t, int64(42), l)

	_, err = n.SetPropertyType("bad", "seven", core.TypeLong)
	assert.ErrorIs(t, err, core.ErrValueFormat)

	_, err = n.SetProperty("count", nil)
	require.NoError(t, err)
	assert.False(t, n.HasProperty("count"))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	s1, s2 := f.login(nil), f.login(nil)
	f.add(f.root(s1), "a", "")
	require.NoError(t, s1.Save(f.ctx))

	require.NoError(t, s2.Refresh(false))
	f.set(f.node(s2, "/a"), "mine", "1")
	f.add(f.root(s1), "theirs", "")
	require.NoError(t, s1.Save(f.ctx))
	assert.False(t, s2.NodeExists("/theirs"))

	require.NoError(t, s2.Refresh(true))
	assert.True(t, s2.PropertyExists("/a/mine"))
	assert.True(t, s2.NodeExists("/theirs"))

	require.NoError(t, s2.Refresh(false))
	assert.False(t, s2.PropertyExists("/a/mine"))
	assert.True(t, s2.NodeExists("/theirs"))
	assert.False(t, s2.HasPendingChanges())
}

func TestAccessControl(t *testing.T) {
	f := newFixture(t)
	admin := f.login(nil)
	f.add(f.root(admin), "a", "")
	require.NoError(t, admin.Save(f.ctx))

	ro := f.login(auth.ReadOnly{})
	assert.True(t, ro.NodeExists("/a"))
	_, err := f.node(ro, "/a").AddNode("b", "")
	assert.ErrorIs(t, err, core.ErrAccessDenied)
	assert.ErrorIs(t, f.node(ro, "/a").Remove(), core.ErrAccessDenied)
	assert.True(t, ro.HasPermission("/a", "read"))
	assert.False(t, ro.HasPermission("/a", "read,add_node"))
}

func TestMixins(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	n := f.add(f.root(s), "n", "")

	assert.ErrorIs(t, n.AddMixin(core.NTFolder), core.ErrConstraintViolation)
	require.NoError(t, n.AddMixin(core.MixTitle))
	assert.True(t, n.IsNodeType(core.MixTitle))
	f.set(n, core.JcrTitle, "t")
	require.NoError(t, n.RemoveMixin(core.MixTitle))
	assert.False(t, n.IsNodeType(core.MixTitle))
	assert.ErrorIs(t, n.RemoveMixin(core.MixTitle), core.ErrNoSuchNodeType)

	require.NoError(t, n.AddMixin(core.MixCreated))
	assert.Equal(t, "alice", f.str(s, "/n/jcr:createdBy"))
	require.NoError(t, s.Save(f.ctx))
}

func TestVersioning(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	doc := f.add(f.root(s), "doc", "")
	require.NoError(t, doc.AddMixin(core.MixVersionable))
	f.set(doc, "title", "v1")
	require.NoError(t, s.Save(f.ctx))

	vm := s.Workspace().VersionManager()
	v1, err := vm.Checkin(f.ctx, "/doc")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v1.Name)
	assert.False(t, doc.IsCheckedOut())

	f.set(doc, "title", "changed")
	assert.ErrorIs(t, s.Save(f.ctx), core.ErrVersion)
	require.NoError(t, s.Refresh(false))

	require.NoError(t, vm.Checkout(f.ctx, "/doc"))
	f.set(doc, "title", "v2")
	_, err = vm.Checkin(f.ctx, "/doc")
	assert.ErrorIs(t, err, core.ErrInvalidItemState)
	require.NoError(t, s.Save(f.ctx))
	_, err = vm.Checkin(f.ctx, "/doc")
	require.NoError(t, err)

	require.NoError(t, vm.AddVersionLabel(f.ctx, "/doc", "1.0", "first", false))
	require.NoError(t, vm.RestoreByLabel(f.ctx, "/doc", "first", false))
	assert.Equal(t, "v1", f.str(s, "/doc/title"))
	assert.False(t, doc.IsCheckedOut())

	base, err := vm.BaseVersion("/doc")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, base.ID)

	h, err := vm.History("/doc")
	require.NoError(t, err)
	assert.Len(t, h.All(), 3)
}

func TestLocking(t *testing.T) {
	f := newFixture(t)
	s1, s2 := f.login(nil), f.login(nil)
	n := f.add(f.root(s1), "n", "")
	require.NoError(t, n.AddMixin(core.MixLockable))
	f.add(n, "child", "")
	f.add(f.root(s1), "plain", "")

	lm := s1.Workspace().LockManager()
	_, err := lm.Lock(f.ctx, "/n", true, false, 0, "")
	assert.ErrorIs(t, err, core.ErrInvalidItemState)
	require.NoError(t, s1.Save(f.ctx))

	_, err = lm.Lock(f.ctx, "/plain", false, false, 0, "")
	assert.ErrorIs(t, err, core.ErrLock)

	l, err := lm.Lock(f.ctx, "/n", true, false, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", l.Owner)
	assert.Contains(t, s1.LockTokens(), l.Token)
	assert.Equal(t, "alice", f.str(s1, "/n/jcr:lockOwner"))

	require.NoError(t, s2.Refresh(false))
	assert.True(t, f.node(s2, "/n/child").IsLocked())
	f.set(f.node(s2, "/n/child"), "p", "x")
	assert.ErrorIs(t, s2.Save(f.ctx), core.ErrLock)

	got, err := s2.Workspace().LockManager().GetLock("/n")
	require.NoError(t, err)
	assert.Empty(t, got.Token)
	assert.ErrorIs(t, s2.Workspace().LockManager().Unlock(f.ctx, "/n"), core.ErrLock)

	f.set(f.node(s1, "/n/child"), "p", "y")
	require.NoError(t, s1.Save(f.ctx))

	require.NoError(t, lm.Unlock(f.ctx, "/n"))
	assert.False(t, f.node(s1, "/n").IsLocked())
	assert.False(t, s1.PropertyExists("/n/jcr:lockOwner"))
}

func TestLockSurvivesForeignPendingRemoval(t *testing.T) {
	f := newFixture(t)
	owner, other := f.login(nil), f.login(nil)
	n := f.add(f.root(owner), "n", "")
	require.NoError(t, n.AddMixin(core.MixLockable))
	require.NoError(t, owner.Save(f.ctx))
	_, err := owner.Workspace().LockManager().Lock(f.ctx, "/n", false, false, 0, "")
	require.NoError(t, err)

	require.NoError(t, other.Refresh(false))
	require.NoError(t, f.node(other, "/n").Remove())
	olm := other.Workspace().LockManager()
	assert.Empty(t, olm.Locks())
	_, err = olm.GetLock("/n")
	assert.True(t, core.IsNotFound(err))

	assert.True(t, f.node(owner, "/n").IsLocked())
	assert.ErrorIs(t, other.Save(f.ctx), core.ErrLock)
	require.NoError(t, other.Refresh(false))
	assert.True(t, other.NodeExists("/n"))
	assert.True(t, f.node(other, "/n").IsLocked())
}

func TestSessionScopedLockReleasedOnLogout(t *testing.T) {
	f := newFixture(t)
	s1 := f.login(nil)
	n := f.add(f.root(s1), "n", "")
	require.NoError(t, n.AddMixin(core.MixLockable))
	require.NoError(t, s1.Save(f.ctx))
	_, err := s1.Workspace().LockManager().Lock(f.ctx, "/n", false, true, 0, "")
	require.NoError(t, err)

	s1.Logout(f.ctx)
	assert.False(t, s1.IsLive())
	_, err = s1.GetNode("/n")
	assert.ErrorIs(t, err, core.ErrIllegalState)

	s2 := f.login(nil)
	assert.False(t, f.node(s2, "/n").IsLocked())
	assert.False(t, s2.PropertyExists("/n/jcr:lockOwner"))
}

func TestWorkspaceOperations(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	a := f.add(f.root(s), "a", "")
	require.NoError(t, a.AddMixin(core.MixReferenceable))
	f.set(f.add(a, "b", ""), "p", "v")
	require.NoError(t, s.Save(f.ctx))

	w := s.Workspace()
	require.NoError(t, w.Copy(f.ctx, "/a", "/copy"))
	cp := f.node(s, "/copy")
	assert.NotEqual(t, a.Identifier(), cp.Identifier())
	assert.Equal(t, "v", f.str(s, "/copy/b/p"))

	require.NoError(t, w.Move(f.ctx, "/copy", "/moved"))
	assert.False(t, s.NodeExists("/copy"))
	assert.True(t, s.NodeExists("/moved/b"))

	require.NoError(t, w.CreateWorkspace(f.ctx, "other", ""))
	assert.ElementsMatch(t, []string{"default", "other"}, w.AccessibleWorkspaceNames())
	os, err := New(f.deps, "other", "alice", nil, nil)
	require.NoError(t, err)
	require.NoError(t, os.Workspace().Clone(f.ctx, "default", "/a", "/a", false))
	cl := f.node(os, "/a")
	assert.Equal(t, a.Identifier(), cl.Identifier())
	assert.Equal(t, "v", f.str(os, "/a/b/p"))

	assert.ErrorIs(t, w.DeleteWorkspace(f.ctx, "default"), core.ErrInvalidArgument)
	require.NoError(t, w.DeleteWorkspace(f.ctx, "other"))
	assert.Equal(t, []string{"default"}, w.AccessibleWorkspaceNames())
}

func TestTraversingVisitor(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	a := f.add(f.root(s), "a", "")
	f.set(a, "p", "1")
	f.add(f.add(a, "b", ""), "c", "")

	var depthFirst []string
	v := NewTraversingVisitor()
	v.EnteringNode = func(n *Node, level int) error {
		depthFirst = append(depthFirst, n.Path())
		return nil
	}
	require.NoError(t, a.Accept(v))
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/c"}, depthFirst)

	var levels []int
	bf := &TraversingVisitor{MaxLevel: 1, BreadthFirst: true}
	bf.EnteringProperty = func(p *Property, level int) error {
		if p.Name() == "p" {
			levels = append(levels, level)
		}
		return nil
	}
	var nodes []string
	bf.EnteringNode = func(n *Node, level int) error {
		nodes = append(nodes, n.Path())
		return nil
	}
	require.NoError(t, a.Accept(bf))
	assert.Equal(t, []int{1}, levels)
	assert.Equal(t, []string{"/a", "/a/b"}, nodes)
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	f.set(f.add(f.root(s), "a", ""), "title", "hello")
	f.set(f.add(f.root(s), "b", ""), "title", "bye")

	qm := s.Workspace().QueryManager()
	_, err := qm.CreateQuery("SELECT * FROM [nt:base]", "xpath")
	assert.ErrorIs(t, err, core.ErrInvalidQuery)

	q, err := qm.CreateQuery("SELECT * FROM [nt:unstructured] AS n WHERE [title] = $t", "JCR-SQL2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, q.BindVariableNames())
	assert.ErrorIs(t, q.BindValue("nope", "x"), core.ErrInvalidArgument)
	require.NoError(t, q.BindValue("t", "hello"))

	// Unsaved nodes are visible to the session's own queries.
	res, err := q.Execute(f.ctx)
	require.NoError(t, err)
	nodes, err := res.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "/a", nodes[0].Path())

	rows := res.Rows()
	require.Len(t, rows, 1)
	path, err := rows[0].Path("n")
	require.NoError(t, err)
	assert.Equal(t, "/a", path)
}

func TestHasCapability(t *testing.T) {
	f := newFixture(t)
	s := f.login(nil)
	n := f.add(f.root(s), "n", "")
	assert.True(t, s.HasCapability("addNode", n, "child"))
	assert.False(t, s.HasCapability("lock", n))
	assert.False(t, s.HasCapability("remove", f.root(s)))

	ro := f.login(auth.ReadOnly{})
	assert.False(t, ro.HasCapability("addNode", f.root(ro), "x"))
}
