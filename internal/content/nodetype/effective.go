package nodetype

import (
	"slices"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// Effective is the combination of a node's primary type and its mixins.
// Named definitions take precedence over residual ones.
type Effective struct {
	Primary *NodeType
	Mixins  []*NodeType
}

// Effective resolves the effective type of a node.
func (r *Registry) Effective(primary string, mixins []string) (*Effective, error) {
	const op = "nodetype.Effective"
	pt, err := r.Get(primary)
	if err != nil {
		return nil, err
	}
	if pt.IsMixin() {
		return nil, core.Errorf(core.ErrConstraintViolation, op, primary, "mixin used as primary type")
	}
	e := &Effective{Primary: pt}
	for _, m := range mixins {
		mt, err := r.Get(m)
		if err != nil {
			return nil, err
		}
		if !mt.IsMixin() {
			return nil, core.Errorf(core.ErrConstraintViolation, op, m, "primary type used as mixin")
		}
		e.Mixins = append(e.Mixins, mt)
	}
	return e, nil
}

func (e *Effective) all() []*NodeType {
	return append([]*NodeType{e.Primary}, e.Mixins...)
}

// IsNodeType reports whether the node is of type name, directly, through a
// mixin, or through inheritance.
func (e *Effective) IsNodeType(name string) bool {
	for _, t := range e.all() {
		if t.IsNodeType(name) {
			return true
		}
	}
	return false
}

// Names lists every type name the node is an instance of.
func (e *Effective) Names() []string {
	var out []string
	for _, t := range e.all() {
		for _, n := range append([]string{t.Name()}, t.supertypes...) {
			if !slices.Contains(out, n) {
				out = append(out, n)
			}
		}
	}
	return out
}

// Orderable reports whether child order is significant.
func (e *Effective) Orderable() bool { return e.Primary.HasOrderableChildNodes() }

// PropertyDefinitions lists every definition of the effective type.
func (e *Effective) PropertyDefinitions() []PropertyDefinition {
	var out []PropertyDefinition
	for _, t := range e.all() {
		out = append(out, t.props...)
	}
	return out
}

// ChildNodeDefinitions lists every child definition of the effective type.
func (e *Effective) ChildNodeDefinitions() []NodeDefinition {
	var out []NodeDefinition
	for _, t := range e.all() {
		out = append(out, t.children...)
	}
	return out
}

// NamedPropertyDefinitions returns the non-residual definitions for name.
func (e *Effective) NamedPropertyDefinitions(name string) []PropertyDefinition {
	var out []PropertyDefinition
	for _, p := range e.PropertyDefinitions() {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// PropertyDefinition finds the definition that applies to a property called
// name holding values of type typ (TypeUndefined when unknown). An exact type
// match is preferred, then an UNDEFINED definition, then any definition the
// value may be converted to.
func (e *Effective) PropertyDefinition(name string, typ core.PropertyType, multi bool) (PropertyDefinition, error) {
	cands := e.NamedPropertyDefinitions(name)
	if len(cands) == 0 {
		cands = e.NamedPropertyDefinitions(Residual)
	}
	var undefined, other *PropertyDefinition
	for i := range cands {
		p := &cands[i]
		if p.Multiple != multi {
			continue
		}
		switch {
		case p.RequiredType == typ:
			return *p, nil
		case p.RequiredType == core.TypeUndefined:
			if undefined == nil {
				undefined = p
			}
		default:
			if other == nil {
				other = p
			}
		}
	}
	if undefined != nil {
		return *undefined, nil
	}
	if other != nil {
		return *other, nil
	}
	return PropertyDefinition{}, core.Errorf(core.ErrConstraintViolation, "nodetype.PropertyDefinition", name,
		"no %s property definition in %s", multiplicity(multi), e.Primary.Name())
}

func multiplicity(multi bool) string {
	if multi {
		return "multi-valued"
	}
	return "single-valued"
}

// ChildDefinition finds the definition that allows a child called name of
// type child. A nil child asks for a definition with a default type.
func (e *Effective) ChildDefinition(name string, child *NodeType) (NodeDefinition, error) {
	var named, residual []NodeDefinition
	for _, c := range e.ChildNodeDefinitions() {
		switch c.Name {
		case name:
			named = append(named, c)
		case Residual:
			residual = append(residual, c)
		}
	}
	cands := named
	if len(cands) == 0 {
		cands = residual
	}
	for _, c := range cands {
		if child == nil {
			if c.DefaultPrimaryType != "" {
				return c, nil
			}
			continue
		}
		ok := true
		for _, req := range c.RequiredPrimaryTypes {
			if !child.IsNodeType(req) {
				ok = false
				break
			}
		}
		if ok {
			return c, nil
		}
	}
	typeName := "<default>"
	if child != nil {
		typeName = child.Name()
	}
	return NodeDefinition{}, core.Errorf(core.ErrConstraintViolation, "nodetype.ChildDefinition", name,
		"%s does not allow a child of type %s", e.Primary.Name(), typeName)
}

// DefaultChildType returns the type a child called name gets when none is
// given.
func (e *Effective) DefaultChildType(name string) (string, error) {
	d, err := e.ChildDefinition(name, nil)
	if err != nil {
		return "", core.Errorf(core.ErrConstraintViolation, "nodetype.DefaultChildType", name,
			"no default primary type for child of %s", e.Primary.Name())
	}
	return d.DefaultPrimaryType, nil
}

// AutoCreatedProperties lists the named autocreated property definitions.
func (e *Effective) AutoCreatedProperties() []PropertyDefinition {
	var out []PropertyDefinition
	for _, p := range e.PropertyDefinitions() {
		if p.AutoCreated && !p.IsResidual() {
			out = append(out, p)
		}
	}
	return out
}

// AutoCreatedChildren lists the named autocreated child definitions.
func (e *Effective) AutoCreatedChildren() []NodeDefinition {
	var out []NodeDefinition
	for _, c := range e.ChildNodeDefinitions() {
		if c.AutoCreated && !c.IsResidual() {
			out = append(out, c)
		}
	}
	return out
}

// MandatoryProperties lists the names of mandatory properties.
func (e *Effective) MandatoryProperties() []string {
	var out []string
	for _, p := range e.PropertyDefinitions() {
		if p.Mandatory && !p.IsResidual() && !slices.Contains(out, p.Name) {
			out = append(out, p.Name)
		}
	}
	return out
}

// MandatoryChildren lists the names of mandatory child nodes.
func (e *Effective) MandatoryChildren() []string {
	var out []string
	for _, c := range e.ChildNodeDefinitions() {
		if c.Mandatory && !c.IsResidual() && !slices.Contains(out, c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

// IsProtectedProperty reports whether the named definition of name is
// protected.
func (e *Effective) IsProtectedProperty(name string) bool {
	for _, p := range e.NamedPropertyDefinitions(name) {
		if p.Protected {
			return true
		}
	}
	return false
}

// CanAddMixin reports whether mixin may be added to a node of effective type
// e. It returns false instead of failing for unknown or conflicting types.
func (r *Registry) CanAddMixin(e *Effective, mixin string) bool {
	mt, err := r.Get(mixin)
	if err != nil || !mt.IsMixin() || mt.IsAbstract() {
		return false
	}
	if e.IsNodeType(mixin) {
		return true
	}
	existing := e.PropertyDefinitions()
	for _, p := range mt.props {
		if p.IsResidual() {
			continue
		}
		for _, q := range existing {
			if q.Name == p.Name && q.Multiple == p.Multiple && q.RequiredType != p.RequiredType && q.DeclaringType != p.DeclaringType {
				return false
			}
		}
	}
	existingChildren := e.ChildNodeDefinitions()
	for _, c := range mt.children {
		if c.IsResidual() {
			continue
		}
		for _, o := range existingChildren {
			if o.Name == c.Name && o.DeclaringType != c.DeclaringType && !slices.Equal(o.RequiredPrimaryTypes, c.RequiredPrimaryTypes) {
				return false
			}
		}
	}
	return true
}
