// Package version keeps the version histories of versionable nodes.
//
// A history is a DAG of versions rooted at jcr:rootVersion. Histories are
// stored as CBOR blobs in the node store and change in the same commit as the
// versionable node they belong to. Histories are shared by all workspaces; the
// per-workspace state of the versionable node (base version, pending
// predecessors, failed merges) is kept in the history as well and mirrored
// into the jcr: properties of mix:versionable nodes.
package version

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/systemshift/contentrepo/internal/content/codec"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// RootVersionName is the name of the first version of every history.
const RootVersionName = "jcr:rootVersion"

// Blob kinds used in the node store.
const (
	kindHistory = "version.history" // history id -> History
	kindNode    = "version.node"    // versionable id -> history id
	kindVersion = "version.id"      // version id -> history id
)

// FrozenNode is the captured state of a node inside a version.
type FrozenNode struct {
	// ID is the identifier of the node the state was taken from.
	ID          string                          `cbor:"1,keyasint"`
	Name        string                          `cbor:"2,keyasint,omitempty"`
	PrimaryType string                          `cbor:"3,keyasint"`
	Mixins      []string                        `cbor:"4,keyasint,omitempty"`
	Properties  map[string]store.PropertyRecord `cbor:"5,keyasint,omitempty"`
	Children    []*FrozenNode                   `cbor:"6,keyasint,omitempty"`
	// ChildHistory is set for a versioned child: a versionable child whose
	// own history is referenced instead of copying its state.
	ChildHistory string `cbor:"7,keyasint,omitempty"`
}

// Child returns the first frozen child called name.
func (f *FrozenNode) Child(name string) (*FrozenNode, bool) {
	for _, c := range f.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Version is one node of a history.
type Version struct {
	ID           string      `cbor:"1,keyasint"`
	Name         string      `cbor:"2,keyasint"`
	Created      time.Time   `cbor:"3,keyasint"`
	Seq          int         `cbor:"4,keyasint"`
	Predecessors []string    `cbor:"5,keyasint,omitempty"`
	Successors   []string    `cbor:"6,keyasint,omitempty"`
	Frozen       *FrozenNode `cbor:"7,keyasint"`
}

// NodeState is the versioning state of the versionable node in one
// workspace.
type NodeState struct {
	Base         string   `cbor:"1,keyasint"`
	Predecessors []string `cbor:"2,keyasint,omitempty"`
	MergeFailed  []string `cbor:"3,keyasint,omitempty"`
}

func (s *NodeState) clone() *NodeState {
	return &NodeState{
		Base:         s.Base,
		Predecessors: slices.Clone(s.Predecessors),
		MergeFailed:  slices.Clone(s.MergeFailed),
	}
}

// History is the version graph of one versionable node.
type History struct {
	ID            string                `cbor:"1,keyasint"`
	VersionableID string                `cbor:"2,keyasint"`
	RootVersion   string                `cbor:"3,keyasint"`
	Versions      map[string]*Version   `cbor:"4,keyasint"`
	Labels        map[string]string     `cbor:"5,keyasint,omitempty"`
	State         map[string]*NodeState `cbor:"6,keyasint,omitempty"`
	NextSeq       int                   `cbor:"7,keyasint"`
}

// Root returns the root version.
func (h *History) Root() *Version { return h.Versions[h.RootVersion] }

// Version returns the version called name.
func (h *History) Version(name string) (*Version, error) {
	for _, v := range h.Versions {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, core.Errorf(core.ErrVersion, "version.History.Version", name, "no such version in history %s", h.ID)
}

// VersionByLabel returns the version carrying label.
func (h *History) VersionByLabel(label string) (*Version, error) {
	id, ok := h.Labels[label]
	if !ok {
		return nil, core.Errorf(core.ErrVersion, "version.History.VersionByLabel", label, "no such label in history %s", h.ID)
	}
	return h.Versions[id], nil
}

// HasLabel reports whether label names a version of the history.
func (h *History) HasLabel(label string) bool {
	_, ok := h.Labels[label]
	return ok
}

// LabelsOf lists the labels of the version with the given id, sorted.
func (h *History) LabelsOf(id string) []string {
	var out []string
	for l, v := range h.Labels {
		if v == id {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return out
}

// All returns every version in creation order.
func (h *History) All() []*Version {
	out := make([]*Version, 0, len(h.Versions))
	for _, v := range h.Versions {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *Version) int { return a.Seq - b.Seq })
	return out
}

// Linear returns the versions from the root to base following the first
// predecessor of each version.
func (h *History) Linear(base string) []*Version {
	var out []*Version
	for cur := h.Versions[base]; cur != nil; {
		out = append(out, cur)
		if len(cur.Predecessors) == 0 {
			break
		}
		cur = h.Versions[cur.Predecessors[0]]
	}
	slices.Reverse(out)
	return out
}

// IsEventualSuccessor reports whether b is reachable from a through
// successor edges. A version is not its own successor.
func (h *History) IsEventualSuccessor(a, b string) bool {
	start := h.Versions[a]
	if start == nil {
		return false
	}
	seen := map[string]bool{}
	queue := slices.Clone(start.Successors)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == b {
			return true
		}
		if seen[id] || h.Versions[id] == nil {
			continue
		}
		seen[id] = true
		queue = append(queue, h.Versions[id].Successors...)
	}
	return false
}

// nextName picks the name of a new successor of pred: 1.0 after the root,
// otherwise the last number is incremented, branching with a ".0" suffix
// when that name is taken.
func (h *History) nextName(pred *Version) string {
	taken := func(name string) bool {
		_, err := h.Version(name)
		return err == nil
	}
	if pred.ID == h.RootVersion {
		name := "1.0"
		for taken(name) {
			name = incLast(name)
		}
		return name
	}
	name := incLast(pred.Name)
	if !taken(name) {
		return name
	}
	name = pred.Name + ".0"
	for taken(name) {
		name = incLast(name)
	}
	return name
}

func incLast(name string) string {
	i := strings.LastIndexByte(name, '.')
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return name + ".1"
	}
	return name[:i+1] + strconv.Itoa(n+1)
}

func (h *History) add(name string, preds []string, frozen *FrozenNode, now time.Time) *Version {
	v := &Version{
		ID:           core.NewIdentifier(),
		Name:         name,
		Created:      now.UTC(),
		Seq:          h.NextSeq,
		Predecessors: slices.Clone(preds),
		Frozen:       frozen,
	}
	h.NextSeq++
	for _, p := range preds {
		if pv := h.Versions[p]; pv != nil {
			pv.Successors = append(pv.Successors, v.ID)
		}
	}
	h.Versions[v.ID] = v
	return v
}

// newHistory creates a history with its root version for the node rec.
func newHistory(rec *store.NodeRecord, now time.Time) *History {
	h := &History{
		ID:            core.NewIdentifier(),
		VersionableID: rec.ID,
		Versions:      make(map[string]*Version),
		Labels:        make(map[string]string),
		State:         make(map[string]*NodeState),
	}
	root := h.add(RootVersionName, nil, &FrozenNode{
		ID:          rec.ID,
		PrimaryType: rec.PrimaryType,
		Mixins:      slices.Clone(rec.Mixins),
	}, now)
	h.RootVersion = root.ID
	return h
}

func decodeHistory(data []byte) (*History, error) {
	var h History
	if err := codec.Unmarshal(data, &h); err != nil {
		return nil, core.Wrap(core.ErrRepository, "version.decodeHistory", "", err)
	}
	if h.Labels == nil {
		h.Labels = make(map[string]string)
	}
	if h.State == nil {
		h.State = make(map[string]*NodeState)
	}
	return &h, nil
}

// blobReader is satisfied by store.Txn and store.Snapshot.
type blobReader interface {
	Blob(kind, id string) ([]byte, bool)
}

func loadHistory(r blobReader, historyID string) (*History, error) {
	data, ok := r.Blob(kindHistory, historyID)
	if !ok {
		return nil, core.Errorf(core.ErrItemNotFound, "version.loadHistory", historyID, "no such version history")
	}
	return decodeHistory(data)
}

func historyIDFor(r blobReader, versionableID string) (string, bool) {
	b, ok := r.Blob(kindNode, versionableID)
	return string(b), ok
}

func saveHistory(t *store.Txn, h *History) error {
	data, err := codec.Marshal(h)
	if err != nil {
		return core.Wrap(core.ErrRepository, "version.saveHistory", h.ID, err)
	}
	t.PutBlob(kindHistory, h.ID, data)
	t.PutBlob(kindNode, h.VersionableID, []byte(h.ID))
	for id := range h.Versions {
		if _, ok := t.Blob(kindVersion, id); !ok {
			t.PutBlob(kindVersion, id, []byte(h.ID))
		}
	}
	return nil
}
