package credential

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidIdentity is returned for malformed managed identity settings.
var ErrInvalidIdentity = errors.New("invalid managed identity")

// IdentityKind names how a user-assigned identity is addressed.
type IdentityKind string

const (
	ObjectID   IdentityKind = "object_id"
	ClientID   IdentityKind = "client_id"
	MIResID    IdentityKind = "mi_res_id"
	noIdentity IdentityKind = ""
)

// Identity selects which managed identity tokens are issued for. The zero
// value defers to the issuing service's default identity.
type Identity struct {
	Kind  IdentityKind `json:"kind,omitempty"`
	Value string       `json:"value,omitempty"`
}

func (i Identity) IsDefault() bool { return i.Kind == noIdentity }

func (i Identity) String() string {
	if i.IsDefault() {
		return "default"
	}
	return string(i.Kind) + "=" + i.Value
}

// ParseIdentity validates identifier settings once at start-up.
// Both empty selects the default identity.
func ParseIdentity(name, value string) (Identity, error) {
	if name == "" && value == "" {
		return Identity{}, nil
	}
	if name == "" {
		return Identity{}, fmt.Errorf(`%w: "identifier-name" and "identifier-value" are both required`, ErrInvalidIdentity)
	}
	if !isKnownKind(name) {
		return Identity{}, fmt.Errorf(`%w: identifier-name %q must be "object_id", "client_id", or "mi_res_id"`, ErrInvalidIdentity, name)
	}
	if value == "" {
		return Identity{}, fmt.Errorf("%w: identifier-value cannot be empty", ErrInvalidIdentity)
	}
	kind := IdentityKind(name)
	if kind == ObjectID || kind == ClientID {
		if err := uuid.Validate(value); err != nil {
			return Identity{}, fmt.Errorf("%w: identifier-value for %s must be a GUID", ErrInvalidIdentity, kind)
		}
	}
	return Identity{Kind: kind, Value: value}, nil
}

func isKnownKind(name string) bool {
	switch IdentityKind(name) {
	case ObjectID, ClientID, MIResID:
		return true
	}
	return false
}
