package ratelimit

import "fmt"

// Kind is a rate-limit counting dimension.
type Kind int

// Kinds in check priority order.
const (
	KindUser Kind = iota
	KindGroup
	KindGlobal
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindGlobal:
		return "global"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ScopeKey names one counter, e.g. user:42 or global.
type ScopeKey struct {
	Kind Kind
	ID   string
}

// User returns the scope key for a canonical user id.
func User(id string) ScopeKey { return ScopeKey{Kind: KindUser, ID: id} }

// Group returns the scope key for a group id.
func Group(id string) ScopeKey { return ScopeKey{Kind: KindGroup, ID: id} }

// Global returns the single process-wide scope key.
func Global() ScopeKey { return ScopeKey{Kind: KindGlobal} }

// String renders the key the way the store persists it.
func (k ScopeKey) String() string {
	if k.Kind == KindGlobal {
		return "global"
	}
	return k.Kind.String() + ":" + k.ID
}
