package auth

import "strings"

// Action is a permission checked against an item path.
type Action string

const (
	ActionRead        Action = "read"
	ActionAddNode     Action = "add_node"
	ActionSetProperty Action = "set_property"
	ActionRemove      Action = "remove"
)

// ParseActions splits a comma separated action list such as
// "read,set_property".
func ParseActions(s string) []Action {
	var out []Action
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, Action(a))
		}
	}
	return out
}

// AccessManager decides whether a user may perform an action on the item
// at path in workspace ws.
type AccessManager interface {
	Permits(ws, path string, action Action) bool
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Permits(string, string, Action) bool { return true }

// ReadOnly permits reading only.
type ReadOnly struct{}

func (ReadOnly) Permits(_, _ string, action Action) bool { return action == ActionRead }
