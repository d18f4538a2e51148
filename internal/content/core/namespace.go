package core

import (
	"sort"
	"strings"
	"sync"
)

// Builtin namespace URIs.
const (
	NamespaceJCR = "http://www.jcp.org/jcr/1.0"
	NamespaceNT  = "http://www.jcp.org/jcr/nt/1.0"
	NamespaceMix = "http://www.jcp.org/jcr/mix/1.0"
	NamespaceSV  = "http://www.jcp.org/jcr/sv/1.0"
	NamespaceXML = "http://www.w3.org/XML/1998/namespace"
	NamespaceRep = "internal"
)

var builtinNamespaces = map[string]string{
	"":    "",
	"jcr": NamespaceJCR,
	"nt":  NamespaceNT,
	"mix": NamespaceMix,
	"sv":  NamespaceSV,
	"xml": NamespaceXML,
	"rep": NamespaceRep,
}

const illegalNameChars = "/:[]|*"

// ValidateName checks the lexical form of a qualified name ("prefix:local"
// or "local"). It does not check that the prefix is registered.
func ValidateName(name string) error {
	const op = "core.ValidateName"
	if name == "" {
		return Errorf(ErrInvalidArgument, op, name, "empty name")
	}
	prefix, local := SplitName(name)
	if local == "" || local == "." || local == ".." {
		return Errorf(ErrInvalidArgument, op, name, "invalid local name")
	}
	if strings.ContainsAny(local, illegalNameChars) {
		return Errorf(ErrInvalidArgument, op, name, "illegal character in local name")
	}
	if strings.TrimSpace(local) != local {
		return Errorf(ErrInvalidArgument, op, name, "leading or trailing whitespace")
	}
	if strings.ContainsAny(prefix, illegalNameChars+" ") {
		return Errorf(ErrInvalidArgument, op, name, "illegal character in prefix")
	}
	return nil
}

// SplitName returns the prefix and local part of a qualified name.
func SplitName(name string) (prefix, local string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// LocalName returns the part of name after the prefix.
func LocalName(name string) string {
	_, l := SplitName(name)
	return l
}

// NamespaceRegistry maps prefixes to URIs. The builtin prefixes are fixed.
type NamespaceRegistry struct {
	mu          sync.RWMutex
	prefixToURI map[string]string
	uriToPrefix map[string]string
}

// NewNamespaceRegistry returns a registry holding the builtin namespaces.
func NewNamespaceRegistry() *NamespaceRegistry {
	r := &NamespaceRegistry{
		prefixToURI: make(map[string]string),
		uriToPrefix: make(map[string]string),
	}
	for p, u := range builtinNamespaces {
		r.prefixToURI[p] = u
		r.uriToPrefix[u] = p
	}
	return r
}

// IsBuiltinPrefix reports whether prefix is one of the fixed prefixes.
func IsBuiltinPrefix(prefix string) bool {
	_, ok := builtinNamespaces[prefix]
	return ok
}

// Register maps prefix to uri, replacing an earlier mapping of either side.
func (r *NamespaceRegistry) Register(prefix, uri string) error {
	const op = "NamespaceRegistry.Register"
	if IsBuiltinPrefix(prefix) {
		return Errorf(ErrInvalidArgument, op, prefix, "builtin prefix cannot be remapped")
	}
	if strings.HasPrefix(strings.ToLower(prefix), "xml") {
		return Errorf(ErrInvalidArgument, op, prefix, "prefixes starting with xml are reserved")
	}
	if _, ok := builtinURI(uri); ok {
		return Errorf(ErrInvalidArgument, op, uri, "builtin namespace cannot be remapped")
	}
	if uri == "" || strings.ContainsAny(prefix, illegalNameChars+" ") {
		return Errorf(ErrInvalidArgument, op, prefix, "invalid prefix or uri")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.prefixToURI[prefix]; ok {
		delete(r.uriToPrefix, old)
	}
	if old, ok := r.uriToPrefix[uri]; ok {
		delete(r.prefixToURI, old)
	}
	r.prefixToURI[prefix] = uri
	r.uriToPrefix[uri] = prefix
	return nil
}

func builtinURI(uri string) (string, bool) {
	for p, u := range builtinNamespaces {
		if u == uri {
			return p, true
		}
	}
	return "", false
}

// Unregister removes a user prefix.
func (r *NamespaceRegistry) Unregister(prefix string) error {
	const op = "NamespaceRegistry.Unregister"
	if IsBuiltinPrefix(prefix) {
		return Errorf(ErrInvalidArgument, op, prefix, "builtin prefix cannot be removed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	uri, ok := r.prefixToURI[prefix]
	if !ok {
		return Errorf(ErrInvalidArgument, op, prefix, "prefix not registered")
	}
	delete(r.prefixToURI, prefix)
	delete(r.uriToPrefix, uri)
	return nil
}

// URI returns the namespace URI of prefix.
func (r *NamespaceRegistry) URI(prefix string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uri, ok := r.prefixToURI[prefix]
	if !ok {
		return "", Errorf(ErrInvalidArgument, "NamespaceRegistry.URI", prefix, "prefix not registered")
	}
	return uri, nil
}

// Prefix returns the prefix mapped to uri.
func (r *NamespaceRegistry) Prefix(uri string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.uriToPrefix[uri]
	if !ok {
		return "", Errorf(ErrInvalidArgument, "NamespaceRegistry.Prefix", uri, "uri not registered")
	}
	return p, nil
}

// Prefixes lists all registered prefixes in sorted order.
func (r *NamespaceRegistry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.prefixToURI))
	for p := range r.prefixToURI {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// UserMappings returns the non-builtin mappings, for persistence.
func (r *NamespaceRegistry) UserMappings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for p, u := range r.prefixToURI {
		if !IsBuiltinPrefix(p) {
			out[p] = u
		}
	}
	return out
}

// CheckName validates name and requires its prefix to be registered.
func (r *NamespaceRegistry) CheckName(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	prefix, _ := SplitName(name)
	r.mu.RLock()
	_, ok := r.prefixToURI[prefix]
	r.mu.RUnlock()
	if !ok {
		return Errorf(ErrInvalidArgument, "NamespaceRegistry.CheckName", name, "unknown namespace prefix %q", prefix)
	}
	return nil
}
