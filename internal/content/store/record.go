// Package store is the committed node tree. Every workspace's nodes live in
// an immutable Snapshot; writers stage changes in a Txn that is applied to the
// backend and then published as a new snapshot in one step.
package store

import (
	"slices"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// PropertyRecord is the stored form of a property.
type PropertyRecord struct {
	Name     string            `json:"name" cbor:"1,keyasint" bson:"name"`
	Type     core.PropertyType `json:"type" cbor:"2,keyasint" bson:"type"`
	Multiple bool              `json:"multiple,omitempty" cbor:"3,keyasint,omitempty" bson:"multiple,omitempty"`
	Values   []core.ValueData  `json:"values" cbor:"4,keyasint" bson:"values"`
}

// Equal compares two properties by type, multiplicity and values.
func (p PropertyRecord) Equal(o PropertyRecord) bool {
	if p.Name != o.Name || p.Type != o.Type || p.Multiple != o.Multiple || len(p.Values) != len(o.Values) {
		return false
	}
	for i := range p.Values {
		if !p.Values[i].Equal(o.Values[i]) {
			return false
		}
	}
	return true
}

// Clone copies the value slice. Value bytes are shared; they are never
// mutated in place.
func (p PropertyRecord) Clone() PropertyRecord {
	p.Values = append([]core.ValueData(nil), p.Values...)
	return p
}

// NodeRecord is the stored form of a node. Children holds child identifiers
// in order; same-name-sibling indices derive from that order.
type NodeRecord struct {
	ID          string                    `json:"id" cbor:"1,keyasint" bson:"id"`
	ParentID    string                    `json:"parentId,omitempty" cbor:"2,keyasint,omitempty" bson:"parentId,omitempty"`
	Name        string                    `json:"name,omitempty" cbor:"3,keyasint,omitempty" bson:"name,omitempty"`
	PrimaryType string                    `json:"primaryType" cbor:"4,keyasint" bson:"primaryType"`
	Mixins      []string                  `json:"mixins,omitempty" cbor:"5,keyasint,omitempty" bson:"mixins,omitempty"`
	Children    []string                  `json:"children,omitempty" cbor:"6,keyasint,omitempty" bson:"children,omitempty"`
	Properties  map[string]PropertyRecord `json:"properties,omitempty" cbor:"7,keyasint,omitempty" bson:"properties,omitempty"`
	// Revision changes whenever the node's own content (properties, types or
	// child list) changes. Moving the node does not change it.
	Revision uint64 `json:"revision" cbor:"8,keyasint" bson:"revision"`
}

// NewNodeRecord returns a record with its type properties filled in.
func NewNodeRecord(id, parentID, name, primaryType string) *NodeRecord {
	n := &NodeRecord{
		ID:          id,
		ParentID:    parentID,
		Name:        name,
		PrimaryType: primaryType,
		Properties:  make(map[string]PropertyRecord),
	}
	n.SyncTypeProperties()
	return n
}

// IsRoot reports whether the record is a workspace root.
func (n *NodeRecord) IsRoot() bool { return n.ParentID == "" }

// Clone returns a deep copy.
func (n *NodeRecord) Clone() *NodeRecord {
	c := *n
	c.Mixins = slices.Clone(n.Mixins)
	c.Children = slices.Clone(n.Children)
	c.Properties = make(map[string]PropertyRecord, len(n.Properties))
	for k, p := range n.Properties {
		c.Properties[k] = p.Clone()
	}
	return &c
}

// ContentEqual compares everything that contributes to the revision.
func (n *NodeRecord) ContentEqual(o *NodeRecord) bool {
	if n.PrimaryType != o.PrimaryType || !slices.Equal(n.Mixins, o.Mixins) ||
		!slices.Equal(n.Children, o.Children) || len(n.Properties) != len(o.Properties) {
		return false
	}
	for k, p := range n.Properties {
		q, ok := o.Properties[k]
		if !ok || !p.Equal(q) {
			return false
		}
	}
	return true
}

// Property returns the named property.
func (n *NodeRecord) Property(name string) (PropertyRecord, bool) {
	p, ok := n.Properties[name]
	return p, ok
}

// SetProperty stores p under its name.
func (n *NodeRecord) SetProperty(p PropertyRecord) {
	if n.Properties == nil {
		n.Properties = make(map[string]PropertyRecord)
	}
	n.Properties[p.Name] = p
}

// RemoveProperty deletes the named property.
func (n *NodeRecord) RemoveProperty(name string) {
	delete(n.Properties, name)
}

// StringValue returns the first value of a single-valued property as text.
func (n *NodeRecord) StringValue(name string) string {
	p, ok := n.Properties[name]
	if !ok || len(p.Values) == 0 {
		return ""
	}
	return p.Values[0].Text()
}

// HasMixin reports whether the mixin is directly assigned.
func (n *NodeRecord) HasMixin(name string) bool {
	return slices.Contains(n.Mixins, name)
}

// ChildIndex returns the position of id in the child list, or -1.
func (n *NodeRecord) ChildIndex(id string) int {
	return slices.Index(n.Children, id)
}

// RemoveChild drops id from the child list.
func (n *NodeRecord) RemoveChild(id string) {
	if i := n.ChildIndex(id); i >= 0 {
		n.Children = slices.Delete(n.Children, i, i+1)
	}
}

// InsertChild places id before beforeID, or at the end when beforeID is
// empty or absent.
func (n *NodeRecord) InsertChild(id, beforeID string) {
	n.RemoveChild(id)
	if beforeID != "" {
		if i := n.ChildIndex(beforeID); i >= 0 {
			n.Children = slices.Insert(n.Children, i, id)
			return
		}
	}
	n.Children = append(n.Children, id)
}

// SyncTypeProperties writes jcr:primaryType and jcr:mixinTypes from the
// record's type fields.
func (n *NodeRecord) SyncTypeProperties() {
	n.SetProperty(PropertyRecord{
		Name:   core.JcrPrimaryType,
		Type:   core.TypeName,
		Values: []core.ValueData{{Type: core.TypeName, Str: n.PrimaryType}},
	})
	if len(n.Mixins) == 0 {
		n.RemoveProperty(core.JcrMixinTypes)
		return
	}
	vals := make([]core.ValueData, len(n.Mixins))
	for i, m := range n.Mixins {
		vals[i] = core.ValueData{Type: core.TypeName, Str: m}
	}
	n.SetProperty(PropertyRecord{Name: core.JcrMixinTypes, Type: core.TypeName, Multiple: true, Values: vals})
}

// ReferenceTargets lists the identifiers referenced by REFERENCE (strong
// only when weak is false) properties of the record.
func (n *NodeRecord) ReferenceTargets(weak bool) map[string][]string {
	out := make(map[string][]string)
	for name, p := range n.Properties {
		if p.Type != core.TypeReference && !(weak && p.Type == core.TypeWeakReference) {
			continue
		}
		for _, v := range p.Values {
			out[v.Str] = append(out[v.Str], name)
		}
	}
	return out
}
