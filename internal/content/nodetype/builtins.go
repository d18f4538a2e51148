package nodetype

import (
	"github.com/systemshift/contentrepo/internal/content/core"
)

func prop(name string, typ core.PropertyType, opts ...func(*PropertyDefinition)) PropertyDefinition {
	p := PropertyDefinition{Name: name, RequiredType: typ, OnParentVersion: OPVCopy}
	for _, o := range opts {
		o(&p)
	}
	return p
}

func mandatory(p *PropertyDefinition)   { p.Mandatory = true }
func autoCreated(p *PropertyDefinition) { p.AutoCreated = true }
func protected(p *PropertyDefinition)   { p.Protected = true }
func multiple(p *PropertyDefinition)    { p.Multiple = true }

func opv(o OnParentVersion) func(*PropertyDefinition) {
	return func(p *PropertyDefinition) { p.OnParentVersion = o }
}

func defaults(v ...string) func(*PropertyDefinition) {
	return func(p *PropertyDefinition) { p.DefaultValues = v }
}

// Builtins returns the definitions every repository starts with.
func Builtins() []Definition {
	return []Definition{
		{
			Name:     core.NTBase,
			Abstract: true,
			Properties: []PropertyDefinition{
				prop(core.JcrPrimaryType, core.TypeName, mandatory, autoCreated, protected, opv(OPVCompute)),
				prop(core.JcrMixinTypes, core.TypeName, multiple, protected, opv(OPVCompute)),
			},
		},
		{
			Name:       core.NTUnstructured,
			Supertypes: []string{core.NTBase},
			Orderable:  true,
			Properties: []PropertyDefinition{
				prop(Residual, core.TypeUndefined),
				prop(Residual, core.TypeUndefined, multiple),
			},
			Children: []NodeDefinition{{
				Name:                 Residual,
				RequiredPrimaryTypes: []string{core.NTBase},
				DefaultPrimaryType:   core.NTUnstructured,
				SameNameSiblings:     true,
				OnParentVersion:      OPVVersion,
			}},
		},
		{
			Name:       core.NTHierarchyNode,
			Supertypes: []string{core.NTBase, core.MixCreated},
			Abstract:   true,
		},
		{
			Name:       core.NTFolder,
			Supertypes: []string{core.NTHierarchyNode},
			Children: []NodeDefinition{{
				Name:                 Residual,
				RequiredPrimaryTypes: []string{core.NTHierarchyNode},
				OnParentVersion:      OPVVersion,
			}},
		},
		{
			Name:            core.NTFile,
			Supertypes:      []string{core.NTHierarchyNode},
			PrimaryItemName: core.JcrContent,
			Children: []NodeDefinition{{
				Name:                 core.JcrContent,
				RequiredPrimaryTypes: []string{core.NTBase},
				Mandatory:            true,
				OnParentVersion:      OPVCopy,
			}},
		},
		{
			Name:            core.NTLinkedFile,
			Supertypes:      []string{core.NTHierarchyNode},
			PrimaryItemName: core.JcrContent,
			Properties: []PropertyDefinition{
				prop(core.JcrContent, core.TypeReference, mandatory),
			},
		},
		{
			Name:            core.NTResource,
			Supertypes:      []string{core.NTBase, core.MixMimeType, core.MixLastModified},
			PrimaryItemName: core.JcrData,
			Properties: []PropertyDefinition{
				prop(core.JcrData, core.TypeBinary, mandatory),
			},
		},
		{
			Name:       core.NTAddress,
			Supertypes: []string{core.NTBase},
			Properties: []PropertyDefinition{
				prop("jcr:protocol", core.TypeString),
				prop("jcr:host", core.TypeString),
				prop("jcr:port", core.TypeString),
				prop("jcr:repository", core.TypeString),
				prop("jcr:workspace", core.TypeString),
				prop(core.JcrPath, core.TypePath),
				prop("jcr:id", core.TypeWeakReference),
			},
		},
		{
			Name:  core.MixReferenceable,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrUUID, core.TypeString, mandatory, autoCreated, protected, opv(OPVInitialize)),
			},
		},
		{
			Name:  core.MixLockable,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrLockOwner, core.TypeString, protected, opv(OPVIgnore)),
				prop(core.JcrLockIsDeep, core.TypeBoolean, protected, opv(OPVIgnore)),
			},
		},
		{
			Name:  core.MixSimpleVersionable,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrIsCheckedOut, core.TypeBoolean, mandatory, autoCreated, protected, opv(OPVIgnore), defaults("true")),
			},
		},
		{
			Name:       core.MixVersionable,
			Mixin:      true,
			Supertypes: []string{core.MixSimpleVersionable, core.MixReferenceable},
			Properties: []PropertyDefinition{
				prop(core.JcrVersionHistory, core.TypeReference, mandatory, protected, opv(OPVIgnore)),
				prop(core.JcrBaseVersion, core.TypeReference, mandatory, protected, opv(OPVIgnore)),
				prop(core.JcrPredecessors, core.TypeReference, mandatory, protected, multiple, opv(OPVIgnore)),
				prop(core.JcrMergeFailed, core.TypeReference, protected, multiple, opv(OPVAbort)),
				prop(core.JcrActivity, core.TypeReference, protected),
				prop(core.JcrConfiguration, core.TypeReference, protected, opv(OPVIgnore)),
			},
		},
		{
			Name:  core.MixCreated,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrCreated, core.TypeDate, autoCreated, protected, opv(OPVInitialize)),
				prop(core.JcrCreatedBy, core.TypeString, autoCreated, protected, opv(OPVInitialize)),
			},
		},
		{
			Name:  core.MixLastModified,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrLastModified, core.TypeDate, autoCreated),
				prop(core.JcrLastModifiedBy, core.TypeString, autoCreated),
			},
		},
		{
			Name:  core.MixTitle,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrTitle, core.TypeString),
				prop(core.JcrDescription, core.TypeString),
			},
		},
		{
			Name:  core.MixMimeType,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrMimeType, core.TypeString),
				prop(core.JcrEncoding, core.TypeString),
			},
		},
		{
			Name:  core.MixLanguage,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrLanguage, core.TypeString),
			},
		},
		{
			Name:  core.MixEtag,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(core.JcrEtag, core.TypeString, autoCreated, protected, opv(OPVCompute)),
			},
		},
		{
			Name:       core.RepRoot,
			Supertypes: []string{core.NTUnstructured, core.MixReferenceable},
			Orderable:  true,
		},
	}
}
