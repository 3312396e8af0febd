package datastore

import (
	"fmt"
	"strconv"
	"strings"
)

// PathElement is one kind/identifier pair of a key path. Exactly one of
// ID and Name is set, except for the last element of an incomplete key.
type PathElement struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Key identifies an entity. The first path element is the root of the
// entity group.
type Key struct {
	Namespace string        `json:"namespace,omitempty"`
	Path      []PathElement `json:"path"`
}

// Entity is a key with its properties. A property value is a JSON scalar
// or a list of scalars.
type Entity struct {
	Key        Key            `json:"key"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Kind returns the kind of the last path element.
func (k Key) Kind() string {
	if len(k.Path) == 0 {
		return ""
	}
	return k.Path[len(k.Path)-1].Kind
}

// Incomplete reports whether the last path element has no identifier.
func (k Key) Incomplete() bool {
	if len(k.Path) == 0 {
		return true
	}
	last := k.Path[len(k.Path)-1]
	return last.ID == 0 && last.Name == ""
}

// Root returns the entity group root of k.
func (k Key) Root() Key {
	return Key{Namespace: k.Namespace, Path: k.Path[:1]}
}

func (k Key) String() string {
	var b strings.Builder
	if k.Namespace != "" {
		b.WriteString(k.Namespace)
		b.WriteByte(':')
	}
	for i, e := range k.Path {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(e.Kind)
		b.WriteByte(',')
		if e.Name != "" {
			b.WriteString(strconv.Quote(e.Name))
		} else {
			b.WriteString(strconv.FormatInt(e.ID, 10))
		}
	}
	return b.String()
}

// validate checks the key shape. Incomplete keys are accepted only when
// allowIncomplete is set.
func (k Key) validate(allowIncomplete bool) error {
	if len(k.Path) == 0 {
		return fmt.Errorf("key has an empty path")
	}
	if strings.ContainsAny(k.Namespace, "\x00\x01") {
		return fmt.Errorf("namespace %q contains a control character", k.Namespace)
	}
	for i, e := range k.Path {
		if e.Kind == "" {
			return fmt.Errorf("key %s: element %d has no kind", k, i)
		}
		if strings.ContainsAny(e.Kind, "\x00\x01") || strings.ContainsAny(e.Name, "\x00\x01") {
			return fmt.Errorf("key %s: element %d contains a control character", k, i)
		}
		if e.ID < 0 {
			return fmt.Errorf("key %s: element %d has negative id", k, i)
		}
		if e.ID != 0 && e.Name != "" {
			return fmt.Errorf("key %s: element %d has both id and name", k, i)
		}
		last := i == len(k.Path)-1
		if e.ID == 0 && e.Name == "" && (!last || !allowIncomplete) {
			return fmt.Errorf("key %s: element %d is incomplete", k, i)
		}
	}
	return nil
}

// encode returns the storage form of k. The encoding of an ancestor is a
// prefix of the encoding of each of its descendants.
func (k Key) encode() string {
	var b strings.Builder
	b.WriteString(k.Namespace)
	b.WriteByte(0)
	for _, e := range k.Path {
		b.WriteString(e.Kind)
		b.WriteByte(1)
		if e.Name != "" {
			b.WriteByte('n')
			b.WriteString(e.Name)
		} else {
			// Zero padded so that numeric ids sort in order.
			fmt.Fprintf(&b, "i%020d", e.ID)
		}
		b.WriteByte(0)
	}
	return b.String()
}
