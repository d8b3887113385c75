package xid

import "github.com/google/uuid"

// New returns a random identifier. Identifiers are never reused, so a
// deleted record's id cannot be handed to a new one.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns an identifier namespaced by prefix, e.g. "op-<uuid>".
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + uuid.NewString()
}
