package core

import (
	"strconv"
	"strings"
)

// Segment is one step of a path. Index is the 1-based same-name-sibling
// index; 0 means "not given" and resolves like 1.
type Segment struct {
	Name  string
	Index int
}

// Pos returns the effective index of the segment.
func (s Segment) Pos() int {
	if s.Index <= 0 {
		return 1
	}
	return s.Index
}

func (s Segment) String() string {
	if s.Index > 1 {
		return s.Name + "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Name
}

// Path is a parsed item path.
type Path struct {
	Absolute bool
	Segments []Segment
}

// RootPath is "/".
var RootPath = Path{Absolute: true}

// ParsePath parses an absolute ("/a/b[2]") or relative ("b/../c") path.
func ParsePath(s string) (Path, error) {
	const op = "core.ParsePath"
	if s == "" {
		return Path{}, Errorf(ErrInvalidArgument, op, s, "empty path")
	}
	p := Path{Absolute: strings.HasPrefix(s, "/")}
	body := strings.TrimPrefix(s, "/")
	if body == "" {
		if p.Absolute {
			return p, nil
		}
		return Path{}, Errorf(ErrInvalidArgument, op, s, "empty path")
	}
	body = strings.TrimSuffix(body, "/")
	for _, raw := range strings.Split(body, "/") {
		if raw == "" {
			return Path{}, Errorf(ErrInvalidArgument, op, s, "empty path segment")
		}
		seg, err := parseSegment(raw)
		if err != nil {
			return Path{}, Errorf(ErrInvalidArgument, op, s, "%v", err)
		}
		p.Segments = append(p.Segments, seg)
	}
	return p, nil
}

// MustParsePath panics on malformed input. Meant for constants.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(raw string) (Segment, error) {
	if raw == "." || raw == ".." {
		return Segment{Name: raw}, nil
	}
	name, idx := raw, 0
	if i := strings.IndexByte(raw, '['); i >= 0 {
		if !strings.HasSuffix(raw, "]") {
			return Segment{}, Errorf(ErrInvalidArgument, "", raw, "unterminated index")
		}
		n, err := strconv.Atoi(raw[i+1 : len(raw)-1])
		if err != nil || n < 1 {
			return Segment{}, Errorf(ErrInvalidArgument, "", raw, "index must be a positive integer")
		}
		name, idx = raw[:i], n
	}
	if err := ValidateName(name); err != nil {
		return Segment{}, err
	}
	return Segment{Name: name, Index: idx}, nil
}

func (p Path) String() string {
	parts := make([]string, len(p.Segments))
	for i, s := range p.Segments {
		parts[i] = s.String()
	}
	joined := strings.Join(parts, "/")
	if p.Absolute {
		return "/" + joined
	}
	return joined
}

// IsRoot reports whether p is the absolute root.
func (p Path) IsRoot() bool { return p.Absolute && len(p.Segments) == 0 }

// Depth is the number of segments of a normalized absolute path.
func (p Path) Depth() int { return len(p.Segments) }

// Name returns the last segment's name ("" for the root).
func (p Path) Name() string {
	if len(p.Segments) == 0 {
		return ""
	}
	return p.Segments[len(p.Segments)-1].Name
}

// Last returns the last segment.
func (p Path) Last() Segment {
	if len(p.Segments) == 0 {
		return Segment{}
	}
	return p.Segments[len(p.Segments)-1]
}

// Normalize resolves "." and ".." segments. Walking above the root of an
// absolute path is an error.
func (p Path) Normalize() (Path, error) {
	out := Path{Absolute: p.Absolute}
	for _, s := range p.Segments {
		switch s.Name {
		case ".":
			continue
		case "..":
			if len(out.Segments) == 0 || out.Segments[len(out.Segments)-1].Name == ".." {
				if p.Absolute {
					return Path{}, Errorf(ErrPathNotFound, "core.Normalize", p.String(), "path leaves the root")
				}
				out.Segments = append(out.Segments, s)
				continue
			}
			out.Segments = out.Segments[:len(out.Segments)-1]
		default:
			out.Segments = append(out.Segments, s)
		}
	}
	return out, nil
}

// Parent returns the path without its last segment.
func (p Path) Parent() (Path, error) {
	if len(p.Segments) == 0 {
		return Path{}, Errorf(ErrItemNotFound, "core.Parent", p.String(), "root has no parent")
	}
	return Path{Absolute: p.Absolute, Segments: append([]Segment(nil), p.Segments[:len(p.Segments)-1]...)}, nil
}

// Ancestor returns the ancestor at the given depth (0 is the root).
func (p Path) Ancestor(depth int) (Path, error) {
	if depth < 0 || depth > len(p.Segments) {
		return Path{}, Errorf(ErrItemNotFound, "core.Ancestor", p.String(), "no ancestor at depth %d", depth)
	}
	return Path{Absolute: p.Absolute, Segments: append([]Segment(nil), p.Segments[:depth]...)}, nil
}

// Join appends rel to p. An absolute rel replaces p.
func (p Path) Join(rel Path) Path {
	if rel.Absolute {
		return rel
	}
	segs := make([]Segment, 0, len(p.Segments)+len(rel.Segments))
	segs = append(segs, p.Segments...)
	segs = append(segs, rel.Segments...)
	return Path{Absolute: p.Absolute, Segments: segs}
}

// Child returns p extended by one segment.
func (p Path) Child(name string, index int) Path {
	return p.Join(Path{Segments: []Segment{{Name: name, Index: index}}})
}

// Equal compares normalized segment lists, treating index 0 and 1 alike.
func (p Path) Equal(o Path) bool {
	if p.Absolute != o.Absolute || len(p.Segments) != len(o.Segments) {
		return false
	}
	for i := range p.Segments {
		if p.Segments[i].Name != o.Segments[i].Name || p.Segments[i].Pos() != o.Segments[i].Pos() {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether p lies strictly below anc.
func (p Path) IsDescendantOf(anc Path) bool {
	if len(p.Segments) <= len(anc.Segments) {
		return false
	}
	prefix := Path{Absolute: p.Absolute, Segments: p.Segments[:len(anc.Segments)]}
	return prefix.Equal(anc)
}

// ResolvePath parses rel relative to base (an absolute path string) and
// normalizes the result.
func ResolvePath(base, rel string) (Path, error) {
	r, err := ParsePath(rel)
	if err != nil {
		return Path{}, err
	}
	if !r.Absolute {
		b, err := ParsePath(base)
		if err != nil {
			return Path{}, err
		}
		r = b.Join(r)
	}
	return r.Normalize()
}

// ParseAbsPath parses and normalizes an absolute path.
func ParseAbsPath(s string) (Path, error) {
	p, err := ParsePath(s)
	if err != nil {
		return Path{}, err
	}
	if !p.Absolute {
		return Path{}, Errorf(ErrInvalidArgument, "core.ParseAbsPath", s, "path is not absolute")
	}
	return p.Normalize()
}
