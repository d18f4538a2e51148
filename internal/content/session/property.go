package session

import (
	"io"
	"math/big"
	"time"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Property is a handle on a property of a node. Every call to Value or
// Values returns fresh, unread Value objects.
type Property struct {
	node *Node
	name string
}

func (p *Property) record() (store.PropertyRecord, error) {
	rec, err := p.node.rec()
	if err != nil {
		return store.PropertyRecord{}, err
	}
	pr, ok := rec.Property(p.name)
	if !ok {
		return store.PropertyRecord{}, core.Errorf(core.ErrInvalidItemState, "session.Property", p.name, "property has been removed")
	}
	return pr, nil
}

func (p *Property) Name() string { return p.name }

// Path returns the absolute path of the property.
func (p *Property) Path() string {
	np, err := p.node.path()
	if err != nil {
		return ""
	}
	return np.Child(p.name, 0).String()
}

func (p *Property) Depth() int { return p.node.Depth() + 1 }

// Parent returns the owning node.
func (p *Property) Parent() (*Node, error) {
	if _, err := p.node.rec(); err != nil {
		return nil, err
	}
	return p.node, nil
}

func (p *Property) Ancestor(depth int) (Item, error) {
	np, err := p.node.path()
	if err != nil {
		return nil, err
	}
	return ancestorOf(p.node.s, np.Child(p.name, 0), depth)
}

func (p *Property) IsNode() bool { return false }

// IsNew reports whether the property was added in this session.
func (p *Property) IsNew() bool {
	if _, err := p.record(); err != nil {
		return false
	}
	s := p.node.s
	if !s.overlay.IsStaged(s.ws, p.node.id) {
		return false
	}
	orig, existed := s.overlay.Original(s.ws, p.node.id)
	if !existed {
		return true
	}
	_, had := orig.Property(p.name)
	return !had
}

// IsModified reports whether a saved property has an unsaved value.
func (p *Property) IsModified() bool {
	cur, err := p.record()
	if err != nil {
		return false
	}
	s := p.node.s
	orig, existed := s.overlay.Original(s.ws, p.node.id)
	if !existed {
		return false
	}
	was, had := orig.Property(p.name)
	return had && !was.Equal(cur)
}

// IsSame reports whether other is the same property.
func (p *Property) IsSame(other Item) bool {
	o, ok := other.(*Property)
	return ok && o.name == p.name && p.node.IsSame(o.node)
}

func (p *Property) Accept(v ItemVisitor) error { return v.VisitProperty(p) }

func (p *Property) Session() *Session { return p.node.s }

// Remove removes the property. The removal is transient.
func (p *Property) Remove() error {
	const op = "session.RemoveProperty"
	s := p.node.s
	if err := s.checkLive(op); err != nil {
		return err
	}
	rec, err := p.node.rec()
	if err != nil {
		return err
	}
	if _, ok := rec.Property(p.name); !ok {
		return core.Errorf(core.ErrInvalidItemState, op, p.name, "property has been removed")
	}
	eff, err := s.effective(rec)
	if err != nil {
		return err
	}
	if eff.IsProtectedProperty(p.name) {
		return core.Errorf(core.ErrConstraintViolation, op, p.name, "property is protected")
	}
	if err := s.requirePermission(op, p.Path(), auth.ActionRemove); err != nil {
		return err
	}
	m, err := s.overlay.Mutable(s.ws, p.node.id)
	if err != nil {
		return err
	}
	m.RemoveProperty(p.name)
	return nil
}

// SetValue replaces the value, keeping the property's type. A nil value
// removes the property.
func (p *Property) SetValue(value any) error {
	pr, err := p.record()
	if err != nil {
		return err
	}
	_, err = p.node.setProperty(p.name, value, pr.Type)
	return err
}

// Type returns the property type, or TypeUndefined when the property is
// gone.
func (p *Property) Type() core.PropertyType {
	pr, err := p.record()
	if err != nil {
		return core.TypeUndefined
	}
	return pr.Type
}

// IsMultiple reports whether the property is multi-valued.
func (p *Property) IsMultiple() bool {
	pr, err := p.record()
	return err == nil && pr.Multiple
}

// Definition returns the definition that applies to the property.
func (p *Property) Definition() (nodetype.PropertyDefinition, error) {
	pr, err := p.record()
	if err != nil {
		return nodetype.PropertyDefinition{}, err
	}
	rec, err := p.node.rec()
	if err != nil {
		return nodetype.PropertyDefinition{}, err
	}
	eff, err := p.node.s.effective(rec)
	if err != nil {
		return nodetype.PropertyDefinition{}, err
	}
	return eff.PropertyDefinition(p.name, pr.Type, pr.Multiple)
}

// Value returns the value of a single-valued property.
func (p *Property) Value() (*core.Value, error) {
	pr, err := p.record()
	if err != nil {
		return nil, err
	}
	if pr.Multiple || len(pr.Values) == 0 {
		return nil, core.Errorf(core.ErrValueFormat, "session.Value", p.name, "property is multi-valued")
	}
	return core.NewValue(pr.Values[0]), nil
}

// Values returns the values of a multi-valued property.
func (p *Property) Values() ([]*core.Value, error) {
	pr, err := p.record()
	if err != nil {
		return nil, err
	}
	if !pr.Multiple {
		return nil, core.Errorf(core.ErrValueFormat, "session.Values", p.name, "property is single-valued")
	}
	out := make([]*core.Value, len(pr.Values))
	for i, d := range pr.Values {
		out[i] = core.NewValue(d)
	}
	return out, nil
}

func (p *Property) GetString() (string, error) {
	v, err := p.Value()
	if err != nil {
		return "", err
	}
	return v.GetString()
}

func (p *Property) GetLong() (int64, error) {
	v, err := p.Value()
	if err != nil {
		return 0, err
	}
	return v.GetLong()
}

func (p *Property) GetDouble() (float64, error) {
	v, err := p.Value()
	if err != nil {
		return 0, err
	}
	return v.GetDouble()
}

func (p *Property) GetDecimal() (*big.Rat, error) {
	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	return v.GetDecimal()
}

func (p *Property) GetDate() (time.Time, error) {
	v, err := p.Value()
	if err != nil {
		return time.Time{}, err
	}
	return v.GetDate()
}

func (p *Property) GetBoolean() (bool, error) {
	v, err := p.Value()
	if err != nil {
		return false, err
	}
	return v.GetBoolean()
}

// GetBinary returns a stream over the value.
func (p *Property) GetBinary() (io.Reader, error) {
	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	return v.GetStream()
}

// Length returns the length of a single value: bytes for BINARY, otherwise
// the length of its string form.
func (p *Property) Length() (int64, error) {
	pr, err := p.record()
	if err != nil {
		return 0, err
	}
	if pr.Multiple || len(pr.Values) == 0 {
		return 0, core.Errorf(core.ErrValueFormat, "session.Length", p.name, "property is multi-valued")
	}
	return pr.Values[0].Length(), nil
}

// Lengths returns the lengths of the values of a multi-valued property.
func (p *Property) Lengths() ([]int64, error) {
	pr, err := p.record()
	if err != nil {
		return nil, err
	}
	if !pr.Multiple {
		return nil, core.Errorf(core.ErrValueFormat, "session.Lengths", p.name, "property is single-valued")
	}
	out := make([]int64, len(pr.Values))
	for i, d := range pr.Values {
		out[i] = d.Length()
	}
	return out, nil
}

// Node dereferences a REFERENCE, WEAKREFERENCE or PATH value. STRING and
// NAME values are tried as an identifier and then as a path.
func (p *Property) Node() (*Node, error) {
	const op = "session.Property.Node"
	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	d := v.Data()
	s := p.node.s
	switch d.Type {
	case core.TypeReference, core.TypeWeakReference:
		n, err := s.GetNodeByIdentifier(d.Str)
		if err != nil {
			return nil, core.Errorf(core.ErrItemNotFound, op, d.Str, "reference target does not exist")
		}
		return n, nil
	case core.TypePath, core.TypeString, core.TypeName:
		if d.Type != core.TypePath && core.IsIdentifier(d.Str) {
			if n, err := s.GetNodeByIdentifier(d.Str); err == nil {
				return n, nil
			}
		}
		target, err := core.ResolvePath(p.node.Path(), d.Str)
		if err != nil {
			return nil, core.Wrap(core.ErrValueFormat, op, d.Str, err)
		}
		n, err := s.GetNode(target.String())
		if err != nil {
			return nil, core.Errorf(core.ErrItemNotFound, op, d.Str, "no node at %s", target)
		}
		return n, nil
	}
	return nil, core.Errorf(core.ErrValueFormat, op, p.name, "a %s value does not point at a node", d.Type)
}

// TargetProperty dereferences a PATH value to a property.
func (p *Property) TargetProperty() (*Property, error) {
	const op = "session.Property.Property"
	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	d := v.Data()
	if d.Type != core.TypePath && d.Type != core.TypeString && d.Type != core.TypeName {
		return nil, core.Errorf(core.ErrValueFormat, op, p.name, "a %s value does not point at a property", d.Type)
	}
	target, err := core.ResolvePath(p.node.Path(), d.Str)
	if err != nil {
		return nil, core.Wrap(core.ErrValueFormat, op, d.Str, err)
	}
	prop, err := p.node.s.GetProperty(target.String())
	if err != nil {
		return nil, core.Errorf(core.ErrItemNotFound, op, d.Str, "no property at %s", target)
	}
	return prop, nil
}
