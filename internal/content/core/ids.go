package core

import "github.com/google/uuid"

// RootID is the identifier of every workspace's root node.
const RootID = "cafebabe-cafe-babe-cafe-babecafebabe"

// NewIdentifier returns a fresh node identifier.
func NewIdentifier() string {
	return uuid.New().String()
}

// IsIdentifier reports whether s has the form of an identifier.
func IsIdentifier(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
