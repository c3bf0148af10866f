// Package envelope defines the canonical event shipped to the collection
// endpoint and the builder that enriches a raw call into one.
package envelope

import (
	"strings"

	"github.com/illmade-knight/go-analytics/pkg/identity"
)

// Type is the call type of an event.
type Type string

const (
	TypePage     Type = "page"
	TypeTrack    Type = "track"
	TypeIdentify Type = "identify"
	TypeGroup    Type = "group"
)

// Valid reports whether t is one of the four call types.
func (t Type) Valid() bool {
	switch t {
	case TypePage, TypeTrack, TypeIdentify, TypeGroup:
		return true
	}
	return false
}

// Default library identification carried in context.library.
const (
	LibraryName    = "go-analytics"
	LibraryVersion = "0.4.0"
)

// Envelope is the unit shipped to the collection endpoint.
type Envelope struct {
	Type        Type           `json:"type"`
	Event       string         `json:"event,omitempty"`
	Name        string         `json:"name,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Traits      map[string]any `json:"traits,omitempty"`
	GroupID     string         `json:"groupId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	AnonymousID string         `json:"anonymousId,omitempty"`
	Context     map[string]any `json:"context"`
	Timestamp   string         `json:"timestamp"`
	SentAt      string         `json:"sentAt"`
	MessageID   string         `json:"messageId"`
	WriteKey    string         `json:"writeKey,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Properties = identity.CloneTraits(e.Properties)
	c.Traits = identity.CloneTraits(e.Traits)
	c.Context = identity.CloneTraits(e.Context)
	return &c
}

// Lookup walks a dotted path ("page.host") through the context.
func (e *Envelope) Lookup(path string) (any, bool) {
	var current any = e.Context
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString is Lookup for string leaves.
func (e *Envelope) LookupString(path string) string {
	v, _ := e.Lookup(path)
	s, _ := v.(string)
	return s
}

// PageHost is context.page.host.
func (e *Envelope) PageHost() string {
	return e.LookupString("page.host")
}

// ContextTraits is context.traits, or nil.
func (e *Envelope) ContextTraits() map[string]any {
	v, _ := e.Lookup("traits")
	traits, _ := v.(map[string]any)
	return traits
}

// MaskWriteKey hides the secret half of an "id:secret" write key.
func MaskWriteKey(writeKey string) string {
	if writeKey == "" {
		return ""
	}
	id, _, found := strings.Cut(writeKey, ":")
	if !found {
		return "***"
	}
	return id + ":***"
}

// DeepMerge copies src into dst, recursing where both sides hold maps; src
// wins on leaf conflicts. dst is modified and returned.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = DeepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			dst[k] = DeepMerge(nil, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}
