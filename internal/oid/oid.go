// Package oid implements object identities.
//
// An identity is either temporary or permanent. Temporary identities are
// minted by a context on insert and are only meaningful inside that context.
// Permanent identities are issued by a backing store and carry the store
// identifier, so any context attached to the same coordinator can resolve them.
//
// String forms:
//
//	x-datakit-tmp://Employee/0f9c...        temporary
//	x-datakit://<store-id>/Employee/0190... permanent
package oid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	permanentScheme = "x-datakit://"
	temporaryScheme = "x-datakit-tmp://"
)

// ID identifies an object. The zero value is invalid.
// IDs are comparable and safe to use as map keys.
type ID struct {
	store     string
	kind      string
	key       string
	temporary bool
}

// NewTemporary mints a temporary identity for a freshly inserted object.
func NewTemporary(kind string) ID {
	return ID{kind: kind, key: uuid.NewString(), temporary: true}
}

// NewPermanent mints a permanent identity in the given store.
//
// Keys are UUIDv7, so identities issued by one store sort by creation time.
func NewPermanent(store, kind string) ID {
	return ID{store: store, kind: kind, key: uuid.Must(uuid.NewV7()).String()}
}

// Permanent builds a permanent identity from its parts.
func Permanent(store, kind, key string) ID {
	return ID{store: store, kind: kind, key: key}
}

// Parse parses the string form of an identity.
func Parse(s string) (ID, error) {
	switch {
	case strings.HasPrefix(s, temporaryScheme):
		parts := strings.Split(strings.TrimPrefix(s, temporaryScheme), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ID{}, fmt.Errorf("parse id %q: want %sKind/key", s, temporaryScheme)
		}
		return ID{kind: parts[0], key: parts[1], temporary: true}, nil
	case strings.HasPrefix(s, permanentScheme):
		parts := strings.Split(strings.TrimPrefix(s, permanentScheme), "/")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return ID{}, fmt.Errorf("parse id %q: want %sstore/Kind/key", s, permanentScheme)
		}
		return ID{store: parts[0], kind: parts[1], key: parts[2]}, nil
	default:
		return ID{}, fmt.Errorf("parse id %q: unknown scheme", s)
	}
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the identity is unset.
func (id ID) IsZero() bool { return id == ID{} }

// IsTemporary reports whether the identity still needs a permanent replacement.
func (id ID) IsTemporary() bool { return id.temporary }

// Store returns the identifier of the issuing store; empty for temporary identities.
func (id ID) Store() string { return id.store }

// Kind returns the entity kind.
func (id ID) Kind() string { return id.kind }

// Key returns the store-unique key.
func (id ID) Key() string { return id.key }

// String returns the URI form of the identity.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	if id.temporary {
		return temporaryScheme + id.kind + "/" + id.key
	}
	return permanentScheme + id.store + "/" + id.kind + "/" + id.key
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewStoreIdentifier returns a fresh identifier for a newly created backing store.
func NewStoreIdentifier() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}
