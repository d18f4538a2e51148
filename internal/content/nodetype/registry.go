package nodetype

import (
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// Registry holds the registered node types. Registration is copy-on-write:
// a failed batch leaves the previous set untouched.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	types    map[string]*NodeType
	builtin  map[string]bool
	ns       *core.NamespaceRegistry
	inUse    func(name string) bool
	onChange func(user []Definition) error
	log      *zap.SugaredLogger
}

// NewRegistry returns a registry holding the builtin types. ns may be nil,
// in which case names are only checked lexically.
func NewRegistry(ns *core.NamespaceRegistry, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{
		defs:    make(map[string]Definition),
		types:   make(map[string]*NodeType),
		builtin: make(map[string]bool),
		ns:      ns,
		log:     log,
	}
	for _, d := range Builtins() {
		r.defs[d.Name] = d
		r.builtin[d.Name] = true
	}
	types, err := resolveAll(r.defs)
	if err != nil {
		panic("nodetype: builtin definitions do not resolve: " + err.Error())
	}
	r.types = types
	return r
}

// SetUsageCheck installs the function used to decide whether a type is
// still used by stored nodes. Without one, no type is considered in use.
func (r *Registry) SetUsageCheck(fn func(name string) bool) {
	r.mu.Lock()
	r.inUse = fn
	r.mu.Unlock()
}

// OnChange installs a hook called with all user definitions after each
// successful registration or removal. An error from the hook aborts the
// change.
func (r *Registry) OnChange(fn func(user []Definition) error) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Get returns the type called name.
func (r *Registry) Get(name string) (*NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, core.Errorf(core.ErrNoSuchNodeType, "nodetype.Get", name, "node type not registered")
	}
	return t, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// All lists every registered type sorted by name.
func (r *Registry) All() []*NodeType {
	return r.filter(func(*NodeType) bool { return true })
}

// PrimaryTypes lists the registered primary types.
func (r *Registry) PrimaryTypes() []*NodeType {
	return r.filter(func(t *NodeType) bool { return !t.IsMixin() })
}

// MixinTypes lists the registered mixin types.
func (r *Registry) MixinTypes() []*NodeType {
	return r.filter(func(t *NodeType) bool { return t.IsMixin() })
}

func (r *Registry) filter(keep func(*NodeType) bool) []*NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeType, 0, len(r.types))
	for _, t := range r.types {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// IsBuiltin reports whether name is one of the builtin types.
func (r *Registry) IsBuiltin(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builtin[name]
}

// UserDefinitions returns the definitions registered after construction.
func (r *Registry) UserDefinitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userDefsLocked()
}

func (r *Registry) userDefsLocked() []Definition {
	var out []Definition
	for name, d := range r.defs {
		if !r.builtin[name] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register registers a single definition.
func (r *Registry) Register(def Definition, allowUpdate bool) (*NodeType, error) {
	types, err := r.RegisterAll([]Definition{def}, allowUpdate)
	if err != nil {
		return nil, err
	}
	return types[0], nil
}

// RegisterAll registers a batch of definitions atomically. Definitions in
// the batch may refer to each other.
func (r *Registry) RegisterAll(defs []Definition, allowUpdate bool) ([]*NodeType, error) {
	const op = "nodetype.Register"
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Definition, len(r.defs)+len(defs))
	for k, v := range r.defs {
		next[k] = v
	}
	seen := make(map[string]bool)
	for _, d := range defs {
		if err := r.checkName(d.Name); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, core.Errorf(core.ErrConstraintViolation, op, d.Name, "defined twice in one batch")
		}
		seen[d.Name] = true
		if _, exists := r.defs[d.Name]; exists {
			switch {
			case r.builtin[d.Name]:
				return nil, core.Errorf(core.ErrConstraintViolation, op, d.Name, "builtin node types cannot be changed")
			case !allowUpdate:
				return nil, core.Errorf(core.ErrItemExists, op, d.Name, "node type already registered")
			case r.inUse != nil && r.inUse(d.Name):
				return nil, core.Errorf(core.ErrUnsupportedOperation, op, d.Name, "updating a node type in use is not supported")
			}
		}
		if err := r.checkItemNames(d); err != nil {
			return nil, err
		}
		next[d.Name] = d
	}

	types, err := resolveAll(next)
	if err != nil {
		return nil, err
	}
	if err := r.commitLocked(next, types); err != nil {
		return nil, err
	}

	out := make([]*NodeType, len(defs))
	for i, d := range defs {
		out[i] = types[d.Name]
		r.log.Infow("node type registered", "name", d.Name, "mixin", d.Mixin)
	}
	return out, nil
}

// Unregister removes user types. A type still referenced by another type or
// used by stored nodes cannot be removed.
func (r *Registry) Unregister(names ...string) error {
	const op = "nodetype.Unregister"
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Definition, len(r.defs))
	for k, v := range r.defs {
		next[k] = v
	}
	for _, name := range names {
		if _, ok := r.defs[name]; !ok {
			return core.Errorf(core.ErrNoSuchNodeType, op, name, "node type not registered")
		}
		if r.builtin[name] {
			return core.Errorf(core.ErrConstraintViolation, op, name, "builtin node types cannot be removed")
		}
		if r.inUse != nil && r.inUse(name) {
			return core.Errorf(core.ErrConstraintViolation, op, name, "node type is in use")
		}
		delete(next, name)
	}
	for _, d := range next {
		for _, dep := range dependencies(d) {
			if slices.Contains(names, dep) {
				return core.Errorf(core.ErrConstraintViolation, op, dep, "node type is referenced by %s", d.Name)
			}
		}
	}
	types, err := resolveAll(next)
	if err != nil {
		return err
	}
	if err := r.commitLocked(next, types); err != nil {
		return err
	}
	r.log.Infow("node types unregistered", "names", names)
	return nil
}

func (r *Registry) commitLocked(defs map[string]Definition, types map[string]*NodeType) error {
	old := r.defs
	r.defs = defs
	if r.onChange != nil {
		if err := r.onChange(r.userDefsLocked()); err != nil {
			r.defs = old
			return err
		}
	}
	r.types = types
	return nil
}

func (r *Registry) checkName(name string) error {
	if r.ns != nil {
		return r.ns.CheckName(name)
	}
	return core.ValidateName(name)
}

func (r *Registry) checkItemNames(d Definition) error {
	for _, p := range d.Properties {
		if p.Name == Residual {
			continue
		}
		if err := r.checkName(p.Name); err != nil {
			return err
		}
		if !p.RequiredType.Valid() {
			return core.Errorf(core.ErrConstraintViolation, "nodetype.Register", d.Name, "property %s has an invalid type", p.Name)
		}
	}
	for _, c := range d.Children {
		if c.Name == Residual {
			continue
		}
		if err := r.checkName(c.Name); err != nil {
			return err
		}
	}
	return nil
}

func dependencies(d Definition) []string {
	deps := append([]string(nil), d.Supertypes...)
	for _, c := range d.Children {
		deps = append(deps, c.RequiredPrimaryTypes...)
		if c.DefaultPrimaryType != "" {
			deps = append(deps, c.DefaultPrimaryType)
		}
	}
	return deps
}

// resolveAll builds NodeTypes for every definition in defs.
func resolveAll(defs map[string]Definition) (map[string]*NodeType, error) {
	out := make(map[string]*NodeType, len(defs))
	visiting := make(map[string]bool)
	var resolve func(name, from string) (*NodeType, error)
	resolve = func(name, from string) (*NodeType, error) {
		if t, ok := out[name]; ok {
			return t, nil
		}
		d, ok := defs[name]
		if !ok {
			return nil, core.Errorf(core.ErrNoSuchNodeType, "nodetype.Register", name, "referenced by %s", from)
		}
		if visiting[name] {
			return nil, core.Errorf(core.ErrConstraintViolation, "nodetype.Register", name, "circular supertype chain")
		}
		visiting[name] = true
		defer delete(visiting, name)

		supers := append([]string(nil), d.Supertypes...)
		if !d.Mixin && name != core.NTBase {
			hasPrimary := false
			for _, s := range supers {
				if sd, ok := defs[s]; ok && !sd.Mixin {
					hasPrimary = true
				}
			}
			if !hasPrimary {
				supers = append(supers, core.NTBase)
			}
		}

		t := &NodeType{def: d, orderable: d.Orderable, primary: d.PrimaryItemName}
		var inheritedProps []PropertyDefinition
		var inheritedChildren []NodeDefinition
		for _, s := range supers {
			st, err := resolve(s, name)
			if err != nil {
				return nil, err
			}
			if d.Mixin && !st.IsMixin() {
				return nil, core.Errorf(core.ErrConstraintViolation, "nodetype.Register", name, "mixin cannot extend primary type %s", s)
			}
			for _, n := range append([]string{s}, st.supertypes...) {
				if !slices.Contains(t.supertypes, n) {
					t.supertypes = append(t.supertypes, n)
				}
			}
			if st.orderable && !st.IsMixin() {
				t.orderable = true
			}
			if t.primary == "" {
				t.primary = st.primary
			}
			inheritedProps = append(inheritedProps, st.props...)
			inheritedChildren = append(inheritedChildren, st.children...)
		}

		for _, p := range d.Properties {
			p.DeclaringType = name
			p.OnParentVersion = normalizeOPV(p.OnParentVersion)
			t.props = append(t.props, p)
		}
		for _, c := range d.Children {
			c.DeclaringType = name
			c.OnParentVersion = normalizeOPV(c.OnParentVersion)
			if len(c.RequiredPrimaryTypes) == 0 {
				c.RequiredPrimaryTypes = []string{core.NTBase}
			}
			t.children = append(t.children, c)
		}

		var err error
		if t.props, err = mergeProps(name, t.props, inheritedProps); err != nil {
			return nil, err
		}
		if t.children, err = mergeChildren(name, t.children, inheritedChildren); err != nil {
			return nil, err
		}
		out[name] = t
		return t, nil
	}

	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := resolve(n, n); err != nil {
			return nil, err
		}
	}

	// child definitions must name registered types, and a default type must
	// satisfy the required ones
	for _, t := range out {
		for _, c := range t.children {
			for _, req := range c.RequiredPrimaryTypes {
				if _, ok := out[req]; !ok {
					return nil, core.Errorf(core.ErrNoSuchNodeType, "nodetype.Register", req, "required by %s/%s", t.Name(), c.Name)
				}
			}
			if c.DefaultPrimaryType == "" {
				continue
			}
			dt, ok := out[c.DefaultPrimaryType]
			if !ok {
				return nil, core.Errorf(core.ErrNoSuchNodeType, "nodetype.Register", c.DefaultPrimaryType, "default type of %s/%s", t.Name(), c.Name)
			}
			for _, req := range c.RequiredPrimaryTypes {
				if !dt.IsNodeType(req) {
					return nil, core.Errorf(core.ErrConstraintViolation, "nodetype.Register", t.Name(), "default type %s of %s is not a %s", dt.Name(), c.Name, req)
				}
			}
		}
	}
	return out, nil
}

// mergeProps appends inherited definitions not overridden by own ones.
// Two different supertypes declaring the same named property conflict.
func mergeProps(typeName string, own, inherited []PropertyDefinition) ([]PropertyDefinition, error) {
	out := own
	for _, p := range inherited {
		skip := false
		for _, q := range out {
			if q.Name != p.Name || q.Multiple != p.Multiple {
				continue
			}
			if q.DeclaringType == p.DeclaringType || q.DeclaringType == typeName || q.RequiredType == p.RequiredType {
				skip = true
				break
			}
			if !p.IsResidual() {
				return nil, core.Errorf(core.ErrConstraintViolation, "nodetype.Register", typeName,
					"property %s is defined by both %s and %s", p.Name, q.DeclaringType, p.DeclaringType)
			}
		}
		if !skip {
			out = append(out, p)
		}
	}
	return out, nil
}

func mergeChildren(typeName string, own, inherited []NodeDefinition) ([]NodeDefinition, error) {
	out := own
	for _, c := range inherited {
		skip := false
		for _, o := range out {
			if o.Name != c.Name {
				continue
			}
			if o.DeclaringType == c.DeclaringType || o.DeclaringType == typeName ||
				slices.Equal(o.RequiredPrimaryTypes, c.RequiredPrimaryTypes) {
				skip = true
				break
			}
			if !c.IsResidual() {
				return nil, core.Errorf(core.ErrConstraintViolation, "nodetype.Register", typeName,
					"child %s is defined by both %s and %s", c.Name, o.DeclaringType, c.DeclaringType)
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out, nil
}
