// Package nodetype holds node type definitions and the registry that resolves
// them into effective types for validation.
package nodetype

import (
	"github.com/systemshift/contentrepo/internal/content/core"
)

// Residual is the name of a definition that matches any item name.
const Residual = "*"

// OnParentVersion controls what happens to an item when its parent node is
// checked in or restored.
type OnParentVersion int

const (
	OPVCopy       OnParentVersion = 1
	OPVVersion    OnParentVersion = 2
	OPVInitialize OnParentVersion = 3
	OPVCompute    OnParentVersion = 4
	OPVIgnore     OnParentVersion = 5
	OPVAbort      OnParentVersion = 6
)

var opvNames = map[OnParentVersion]string{
	OPVCopy:       "COPY",
	OPVVersion:    "VERSION",
	OPVInitialize: "INITIALIZE",
	OPVCompute:    "COMPUTE",
	OPVIgnore:     "IGNORE",
	OPVAbort:      "ABORT",
}

// OPVNameFromValue returns the name of an OnParentVersion code.
func OPVNameFromValue(v int) (string, error) {
	name, ok := opvNames[OnParentVersion(v)]
	if !ok {
		return "", core.Errorf(core.ErrInvalidArgument, "nodetype.OPVNameFromValue", "", "unknown on-parent-version code %d", v)
	}
	return name, nil
}

// OPVValueFromName returns the OnParentVersion code for name.
func OPVValueFromName(name string) (OnParentVersion, error) {
	for v, n := range opvNames {
		if n == name {
			return v, nil
		}
	}
	return 0, core.Errorf(core.ErrInvalidArgument, "nodetype.OPVValueFromName", "", "unknown on-parent-version name %q", name)
}

func (o OnParentVersion) String() string {
	if n, ok := opvNames[o]; ok {
		return n
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (o OnParentVersion) MarshalText() ([]byte, error) {
	n, err := OPVNameFromValue(int(o))
	if err != nil {
		return nil, err
	}
	return []byte(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OnParentVersion) UnmarshalText(b []byte) error {
	v, err := OPVValueFromName(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// PropertyDefinition constrains properties of a node type.
type PropertyDefinition struct {
	Name             string            `yaml:"name"`
	RequiredType     core.PropertyType `yaml:"type"`
	Multiple         bool              `yaml:"multiple,omitempty"`
	Mandatory        bool              `yaml:"mandatory,omitempty"`
	AutoCreated      bool              `yaml:"autoCreated,omitempty"`
	Protected        bool              `yaml:"protected,omitempty"`
	OnParentVersion  OnParentVersion   `yaml:"onParentVersion,omitempty"`
	DefaultValues    []string          `yaml:"defaultValues,omitempty"`
	ValueConstraints []string          `yaml:"valueConstraints,omitempty"`
	FullTextSearch   *bool             `yaml:"fullTextSearchable,omitempty"`

	// DeclaringType is filled in by the registry.
	DeclaringType string `yaml:"-"`
}

// IsResidual reports whether the definition matches any name.
func (d PropertyDefinition) IsResidual() bool { return d.Name == Residual }

// FullTextSearchable defaults to true.
func (d PropertyDefinition) FullTextSearchable() bool {
	return d.FullTextSearch == nil || *d.FullTextSearch
}

// NodeDefinition constrains child nodes of a node type.
type NodeDefinition struct {
	Name                 string          `yaml:"name"`
	RequiredPrimaryTypes []string        `yaml:"requiredPrimaryTypes,omitempty"`
	DefaultPrimaryType   string          `yaml:"defaultPrimaryType,omitempty"`
	Mandatory            bool            `yaml:"mandatory,omitempty"`
	AutoCreated          bool            `yaml:"autoCreated,omitempty"`
	Protected            bool            `yaml:"protected,omitempty"`
	SameNameSiblings     bool            `yaml:"sameNameSiblings,omitempty"`
	OnParentVersion      OnParentVersion `yaml:"onParentVersion,omitempty"`

	DeclaringType string `yaml:"-"`
}

// IsResidual reports whether the definition matches any name.
func (d NodeDefinition) IsResidual() bool { return d.Name == Residual }

// Definition is a node type as registered.
type Definition struct {
	Name            string               `yaml:"name"`
	Supertypes      []string             `yaml:"supertypes,omitempty"`
	Mixin           bool                 `yaml:"mixin,omitempty"`
	Abstract        bool                 `yaml:"abstract,omitempty"`
	Orderable       bool                 `yaml:"orderable,omitempty"`
	NotQueryable    bool                 `yaml:"notQueryable,omitempty"`
	PrimaryItemName string               `yaml:"primaryItem,omitempty"`
	Properties      []PropertyDefinition `yaml:"properties,omitempty"`
	Children        []NodeDefinition     `yaml:"children,omitempty"`
}

// unset codes default to COPY
func normalizeOPV(o OnParentVersion) OnParentVersion {
	if o == 0 {
		return OPVCopy
	}
	return o
}

// NodeType is a registered, resolved node type. It is immutable.
type NodeType struct {
	def        Definition
	supertypes []string // transitive, without the type itself
	props      []PropertyDefinition
	children   []NodeDefinition
	orderable  bool
	primary    string
}

func (t *NodeType) Name() string { return t.def.Name }

func (t *NodeType) IsMixin() bool { return t.def.Mixin }

func (t *NodeType) IsAbstract() bool { return t.def.Abstract }

func (t *NodeType) IsQueryable() bool { return !t.def.NotQueryable }

// HasOrderableChildNodes includes inherited orderability.
func (t *NodeType) HasOrderableChildNodes() bool { return t.orderable }

// PrimaryItemName includes an inherited primary item.
func (t *NodeType) PrimaryItemName() string { return t.primary }

// Definition returns the type as it was registered.
func (t *NodeType) Definition() Definition { return t.def }

// DeclaredSupertypes lists the directly declared supertypes.
func (t *NodeType) DeclaredSupertypes() []string {
	return append([]string(nil), t.def.Supertypes...)
}

// Supertypes lists all supertypes transitively.
func (t *NodeType) Supertypes() []string {
	return append([]string(nil), t.supertypes...)
}

// IsNodeType reports whether t is name or inherits from it.
func (t *NodeType) IsNodeType(name string) bool {
	if t.def.Name == name {
		return true
	}
	for _, s := range t.supertypes {
		if s == name {
			return true
		}
	}
	return false
}

// PropertyDefinitions returns declared and inherited property definitions.
func (t *NodeType) PropertyDefinitions() []PropertyDefinition {
	return append([]PropertyDefinition(nil), t.props...)
}

// ChildNodeDefinitions returns declared and inherited child definitions.
func (t *NodeType) ChildNodeDefinitions() []NodeDefinition {
	return append([]NodeDefinition(nil), t.children...)
}

// DeclaredPropertyDefinitions returns only the type's own definitions.
func (t *NodeType) DeclaredPropertyDefinitions() []PropertyDefinition {
	var out []PropertyDefinition
	for _, p := range t.props {
		if p.DeclaringType == t.def.Name {
			out = append(out, p)
		}
	}
	return out
}

// DeclaredChildNodeDefinitions returns only the type's own definitions.
func (t *NodeType) DeclaredChildNodeDefinitions() []NodeDefinition {
	var out []NodeDefinition
	for _, c := range t.children {
		if c.DeclaringType == t.def.Name {
			out = append(out, c)
		}
	}
	return out
}
