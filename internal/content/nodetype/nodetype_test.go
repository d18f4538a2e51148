package nodetype

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/content/core"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ns := core.NewNamespaceRegistry()
	require.NoError(t, ns.Register("app", "http://example.com/app"))
	return NewRegistry(ns, nil)
}

func TestBuiltinsResolve(t *testing.T) {
	r := newTestRegistry(t)

	file, err := r.Get(core.NTFile)
	require.NoError(t, err)
	assert.True(t, file.IsNodeType(core.NTHierarchyNode))
	assert.True(t, file.IsNodeType(core.MixCreated))
	assert.True(t, file.IsNodeType(core.NTBase))
	assert.Equal(t, core.JcrContent, file.PrimaryItemName())

	versionable, err := r.Get(core.MixVersionable)
	require.NoError(t, err)
	assert.True(t, versionable.IsMixin())
	assert.True(t, versionable.IsNodeType(core.MixReferenceable))
	assert.True(t, versionable.IsNodeType(core.MixSimpleVersionable))
	assert.False(t, versionable.IsNodeType(core.NTBase))

	root, err := r.Get(core.RepRoot)
	require.NoError(t, err)
	assert.True(t, root.HasOrderableChildNodes())

	_, err = r.Get("nt:nothing")
	assert.ErrorIs(t, err, core.ErrNoSuchNodeType)

	assert.NotEmpty(t, r.MixinTypes())
	assert.NotEmpty(t, r.PrimaryTypes())
	assert.Empty(t, r.UserDefinitions())
}

func TestOnParentVersionRoundTrip(t *testing.T) {
	for v := 1; v <= 6; v++ {
		name, err := OPVNameFromValue(v)
		require.NoError(t, err)
		back, err := OPVValueFromName(name)
		require.NoError(t, err)
		assert.Equal(t, v, int(back))
	}
	_, err := OPVNameFromValue(0)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = OPVValueFromName("copy")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t)
	article := Definition{
		Name:       "app:article",
		Supertypes: []string{core.MixTitle},
		Properties: []PropertyDefinition{
			{Name: "app:body", RequiredType: core.TypeString, Mandatory: true},
			{Name: "app:rating", RequiredType: core.TypeLong, ValueConstraints: []string{"[1,5]"}},
		},
		Children: []NodeDefinition{
			{Name: "app:section", DefaultPrimaryType: core.NTUnstructured, SameNameSiblings: true},
		},
	}
	nt, err := r.Register(article, false)
	require.NoError(t, err)
	assert.True(t, nt.IsNodeType(core.NTBase), "primary types get nt:base")
	assert.True(t, nt.IsNodeType(core.MixTitle))
	assert.Len(t, nt.DeclaredPropertyDefinitions(), 2)

	_, err = r.Register(article, false)
	assert.ErrorIs(t, err, core.ErrItemExists)

	article.Properties = append(article.Properties, PropertyDefinition{Name: "app:extra", RequiredType: core.TypeBoolean})
	nt, err = r.Register(article, true)
	require.NoError(t, err)
	assert.Len(t, nt.DeclaredPropertyDefinitions(), 3)

	_, err = r.Register(Definition{Name: core.NTFolder}, true)
	assert.ErrorIs(t, err, core.ErrConstraintViolation)

	_, err = r.Register(Definition{Name: "zz:unknown"}, false)
	assert.Error(t, err, "unregistered prefix")

	assert.Len(t, r.UserDefinitions(), 1)
}

func TestRegisterInvalid(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
		kind error
	}{
		{
			name: "missing supertype",
			defs: []Definition{{Name: "app:a", Supertypes: []string{"app:missing"}}},
			kind: core.ErrNoSuchNodeType,
		},
		{
			name: "cycle",
			defs: []Definition{
				{Name: "app:a", Supertypes: []string{"app:b"}},
				{Name: "app:b", Supertypes: []string{"app:a"}},
			},
			kind: core.ErrConstraintViolation,
		},
		{
			name: "mixin extends primary",
			defs: []Definition{{Name: "app:m", Mixin: true, Supertypes: []string{core.NTUnstructured}}},
			kind: core.ErrConstraintViolation,
		},
		{
			name: "default type violates required type",
			defs: []Definition{{Name: "app:a", Children: []NodeDefinition{{
				Name: "c", RequiredPrimaryTypes: []string{core.NTFolder}, DefaultPrimaryType: core.NTUnstructured,
			}}}},
			kind: core.ErrConstraintViolation,
		},
		{
			name: "conflicting supertypes",
			defs: []Definition{
				{Name: "app:m1", Mixin: true, Properties: []PropertyDefinition{{Name: "app:p", RequiredType: core.TypeLong}}},
				{Name: "app:m2", Mixin: true, Properties: []PropertyDefinition{{Name: "app:p", RequiredType: core.TypeString}}},
				{Name: "app:a", Supertypes: []string{"app:m1", "app:m2"}},
			},
			kind: core.ErrConstraintViolation,
		},
		{
			name: "duplicate in batch",
			defs: []Definition{{Name: "app:a"}, {Name: "app:a"}},
			kind: core.ErrConstraintViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			_, err := r.RegisterAll(tt.defs, false)
			assert.ErrorIs(t, err, tt.kind)
			assert.Empty(t, r.UserDefinitions(), "failed batch must not register anything")
		})
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RegisterAll([]Definition{
		{Name: "app:base"},
		{Name: "app:derived", Supertypes: []string{"app:base"}},
	}, false)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Unregister("app:base"), core.ErrConstraintViolation)
	assert.ErrorIs(t, r.Unregister(core.NTFile), core.ErrConstraintViolation)
	assert.ErrorIs(t, r.Unregister("app:none"), core.ErrNoSuchNodeType)

	r.SetUsageCheck(func(name string) bool { return name == "app:derived" })
	assert.ErrorIs(t, r.Unregister("app:derived"), core.ErrConstraintViolation)
	r.SetUsageCheck(nil)

	require.NoError(t, r.Unregister("app:derived", "app:base"))
	assert.False(t, r.Has("app:base"))
}

func TestOnChangeAbortsRegistration(t *testing.T) {
	r := newTestRegistry(t)
	var saved []Definition
	r.OnChange(func(user []Definition) error {
		saved = user
		return nil
	})
	_, err := r.Register(Definition{Name: "app:a"}, false)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	boom := errors.New("disk full")
	r.OnChange(func([]Definition) error { return boom })
	_, err = r.Register(Definition{Name: "app:b"}, false)
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.Has("app:b"))
}

func TestEffectiveDefinitions(t *testing.T) {
	r := newTestRegistry(t)
	e, err := r.Effective(core.NTUnstructured, []string{core.MixReferenceable, core.MixTitle})
	require.NoError(t, err)

	assert.True(t, e.IsNodeType(core.MixReferenceable))
	assert.True(t, e.IsNodeType(core.NTBase))
	assert.Contains(t, e.Names(), core.MixTitle)

	pd, err := e.PropertyDefinition(core.JcrTitle, core.TypeLong, false)
	require.NoError(t, err)
	assert.Equal(t, core.MixTitle, pd.DeclaringType, "named definition beats residual")
	assert.Equal(t, core.TypeString, pd.RequiredType)

	pd, err = e.PropertyDefinition("anything", core.TypeDate, true)
	require.NoError(t, err)
	assert.True(t, pd.IsResidual())
	assert.True(t, pd.Multiple)

	_, err = e.PropertyDefinition(core.JcrTitle, core.TypeString, true)
	assert.ErrorIs(t, err, core.ErrConstraintViolation)

	assert.True(t, e.IsProtectedProperty(core.JcrUUID))
	assert.Contains(t, e.MandatoryProperties(), core.JcrPrimaryType)

	def, err := e.DefaultChildType("x")
	require.NoError(t, err)
	assert.Equal(t, core.NTUnstructured, def)

	_, err = r.Effective(core.MixTitle, nil)
	assert.ErrorIs(t, err, core.ErrConstraintViolation)
	_, err = r.Effective(core.NTUnstructured, []string{core.NTFolder})
	assert.ErrorIs(t, err, core.ErrConstraintViolation)
}

func TestChildDefinition(t *testing.T) {
	r := newTestRegistry(t)
	folder, err := r.Effective(core.NTFolder, nil)
	require.NoError(t, err)

	fileType, _ := r.Get(core.NTFile)
	unstructured, _ := r.Get(core.NTUnstructured)

	_, err = folder.ChildDefinition("doc.txt", fileType)
	assert.NoError(t, err)
	_, err = folder.ChildDefinition("junk", unstructured)
	assert.ErrorIs(t, err, core.ErrConstraintViolation)
	_, err = folder.DefaultChildType("x")
	assert.ErrorIs(t, err, core.ErrConstraintViolation, "nt:folder has no default child type")

	file, err := r.Effective(core.NTFile, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{core.JcrContent}, file.MandatoryChildren())
	assert.Contains(t, file.AutoCreatedProperties()[0].Name, "jcr:")
}

func TestCanAddMixin(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Definition{
		Name:       "app:titled",
		Mixin:      true,
		Properties: []PropertyDefinition{{Name: core.JcrTitle, RequiredType: core.TypeLong}},
	}, false)
	require.NoError(t, err)

	e, err := r.Effective(core.NTUnstructured, []string{core.MixTitle})
	require.NoError(t, err)
	assert.True(t, r.CanAddMixin(e, core.MixReferenceable))
	assert.True(t, r.CanAddMixin(e, core.MixTitle), "already present is fine")
	assert.False(t, r.CanAddMixin(e, "app:titled"), "conflicting jcr:title")
	assert.False(t, r.CanAddMixin(e, core.NTFolder), "not a mixin")
	assert.False(t, r.CanAddMixin(e, "app:none"))
}

func TestValueConstraints(t *testing.T) {
	long := func(s string) core.ValueData { return core.ValueData{Type: core.TypeLong, Str: s} }
	def := PropertyDefinition{Name: "n", RequiredType: core.TypeLong, ValueConstraints: []string{"[1,5)", "(10,]"}}
	assert.NoError(t, CheckValueConstraints(def, []core.ValueData{long("1"), long("4"), long("11")}))
	assert.ErrorIs(t, CheckValueConstraints(def, []core.ValueData{long("5")}), core.ErrConstraintViolation)
	assert.ErrorIs(t, CheckValueConstraints(def, []core.ValueData{long("10")}), core.ErrConstraintViolation)

	str := PropertyDefinition{Name: "s", RequiredType: core.TypeString, ValueConstraints: []string{"draft|published"}}
	assert.NoError(t, CheckValueConstraints(str, []core.ValueData{{Type: core.TypeString, Str: "draft"}}))
	assert.Error(t, CheckValueConstraints(str, []core.ValueData{{Type: core.TypeString, Str: "drafted"}}))
}

func TestLoadDefinitions(t *testing.T) {
	doc := `
nodeTypes:
  - name: app:article
    supertypes: [nt:unstructured, mix:title]
    properties:
      - name: app:body
        type: String
        mandatory: true
        onParentVersion: VERSION
    children:
      - name: app:image
        requiredPrimaryTypes: [nt:file]
`
	defs, err := LoadDefinitions(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, core.TypeString, defs[0].Properties[0].RequiredType)
	assert.Equal(t, OPVVersion, defs[0].Properties[0].OnParentVersion)

	r := newTestRegistry(t)
	_, err = r.RegisterAll(defs, false)
	require.NoError(t, err)

	out, err := MarshalDefinitions(r.UserDefinitions())
	require.NoError(t, err)
	again, err := LoadDefinitions(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, defs, again)

	_, err = LoadDefinitions(strings.NewReader("nodeTypes:\n  - name: x\n    type: Bogus\n"))
	assert.ErrorIs(t, err, core.ErrInvalidSerializedData)
}
