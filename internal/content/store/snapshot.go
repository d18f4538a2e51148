package store

import (
	"maps"
	"sort"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// View is read access to one consistent state of the store. Records
// returned by a View are shared and must not be modified.
type View interface {
	Node(ws, id string) (*NodeRecord, bool)
	HasWorkspace(ws string) bool
	Blob(kind, id string) ([]byte, bool)
}

// BlobKey addresses a blob record.
type BlobKey struct {
	Kind string
	ID   string
}

// Snapshot is an immutable committed state.
type Snapshot struct {
	seq        uint64
	workspaces map[string]map[string]*NodeRecord
	blobs      map[BlobKey][]byte
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		workspaces: make(map[string]map[string]*NodeRecord),
		blobs:      make(map[BlobKey][]byte),
	}
}

// Seq is the commit sequence number; it grows with every commit.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Node returns the record with the given identifier.
func (s *Snapshot) Node(ws, id string) (*NodeRecord, bool) {
	n, ok := s.workspaces[ws][id]
	return n, ok
}

// HasWorkspace reports whether ws exists.
func (s *Snapshot) HasWorkspace(ws string) bool {
	_, ok := s.workspaces[ws]
	return ok
}

// Workspaces lists workspace names in sorted order.
func (s *Snapshot) Workspaces() []string {
	out := make([]string, 0, len(s.workspaces))
	for ws := range s.workspaces {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

// Blob returns a blob record.
func (s *Snapshot) Blob(kind, id string) ([]byte, bool) {
	b, ok := s.blobs[BlobKey{kind, id}]
	return b, ok
}

// BlobIDs lists the identifiers of all blobs of a kind.
func (s *Snapshot) BlobIDs(kind string) []string {
	var out []string
	for k := range s.blobs {
		if k.Kind == kind {
			out = append(out, k.ID)
		}
	}
	sort.Strings(out)
	return out
}

// NodeCount returns the number of nodes in ws.
func (s *Snapshot) NodeCount(ws string) int { return len(s.workspaces[ws]) }

// Nodes calls fn for every node of ws in no particular order until fn
// returns false.
func (s *Snapshot) Nodes(ws string, fn func(*NodeRecord) bool) {
	for _, n := range s.workspaces[ws] {
		if !fn(n) {
			return
		}
	}
}

// GetNodeByIdentifier looks a node up by identifier.
func (s *Snapshot) GetNodeByIdentifier(ws, id string) (*NodeRecord, error) {
	return GetNodeByIdentifier(s, ws, id)
}

// GetNodeByPath resolves an absolute path.
func (s *Snapshot) GetNodeByPath(ws, path string) (*NodeRecord, error) {
	p, err := core.ParseAbsPath(path)
	if err != nil {
		return nil, err
	}
	return ResolvePath(s, ws, p)
}

// apply returns the snapshot that results from cs. Untouched workspaces and
// records are shared with s.
func (s *Snapshot) apply(cs *ChangeSet) *Snapshot {
	next := &Snapshot{
		seq:        cs.Seq,
		workspaces: maps.Clone(s.workspaces),
		blobs:      s.blobs,
	}
	cloned := make(map[string]bool)
	for _, c := range cs.Nodes {
		if !cloned[c.Workspace] {
			if cur, ok := next.workspaces[c.Workspace]; ok {
				next.workspaces[c.Workspace] = maps.Clone(cur)
			} else {
				next.workspaces[c.Workspace] = make(map[string]*NodeRecord)
			}
			cloned[c.Workspace] = true
		}
		if c.Record == nil {
			delete(next.workspaces[c.Workspace], c.ID)
		} else {
			next.workspaces[c.Workspace][c.ID] = c.Record
		}
	}
	for ws := range cloned {
		if _, ok := next.workspaces[ws][core.RootID]; !ok {
			delete(next.workspaces, ws)
		}
	}
	if len(cs.Blobs) > 0 {
		next.blobs = maps.Clone(s.blobs)
		for _, b := range cs.Blobs {
			if b.Data == nil {
				delete(next.blobs, BlobKey{b.Kind, b.ID})
			} else {
				next.blobs[BlobKey{b.Kind, b.ID}] = b.Data
			}
		}
	}
	return next
}

// fromImage builds a snapshot from a loaded backend image.
func fromImage(img *Image) *Snapshot {
	s := emptySnapshot()
	s.seq = img.Seq
	for ws, nodes := range img.Workspaces {
		if _, ok := nodes[core.RootID]; ok {
			s.workspaces[ws] = nodes
		}
	}
	for k, v := range img.Blobs {
		s.blobs[k] = v
	}
	return s
}
