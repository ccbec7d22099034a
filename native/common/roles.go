package common

import (
	"errors"

	"tranchex/crypto"
)

// ErrNotAuthorized is returned when a caller lacks the role a mutating
// operation requires. The failing call has no partial effect.
var ErrNotAuthorized = errors.New("caller not authorized")

// Role names a capability granted to an address.
type Role string

const (
	// RoleAdmin may change coordinator and assessor configuration.
	RoleAdmin Role = "admin"
)

// Roles is an explicit capability table mapping addresses to granted roles.
// It replaces ambient authorization flags: every mutating call receives the
// caller address and is checked against this table.
type Roles struct {
	grants map[string]map[Role]struct{}
}

func NewRoles() *Roles {
	return &Roles{grants: make(map[string]map[Role]struct{})}
}

func (r *Roles) Grant(addr crypto.Address, role Role) {
	key := addr.Key()
	if r.grants[key] == nil {
		r.grants[key] = make(map[Role]struct{})
	}
	r.grants[key][role] = struct{}{}
}

func (r *Roles) Revoke(addr crypto.Address, role Role) {
	if set, ok := r.grants[addr.Key()]; ok {
		delete(set, role)
	}
}

func (r *Roles) Has(addr crypto.Address, role Role) bool {
	if r == nil {
		return false
	}
	set, ok := r.grants[addr.Key()]
	if !ok {
		return false
	}
	_, ok = set[role]
	return ok
}

// RequireAdmin guards an administrative mutation.
func RequireAdmin(r *Roles, caller crypto.Address) error {
	if !r.Has(caller, RoleAdmin) {
		return ErrNotAuthorized
	}
	return nil
}
