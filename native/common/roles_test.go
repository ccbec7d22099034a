package common

import (
	"errors"
	"testing"

	"tranchex/crypto"
)

func TestRolesGrantRevoke(t *testing.T) {
	admin := crypto.SystemAddress("ops/admin")
	other := crypto.SystemAddress("ops/other")

	roles := NewRoles()
	if err := RequireAdmin(roles, admin); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("ungranted admin: %v", err)
	}
	roles.Grant(admin, RoleAdmin)
	if err := RequireAdmin(roles, admin); err != nil {
		t.Fatalf("granted admin: %v", err)
	}
	if err := RequireAdmin(roles, other); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("other caller: %v", err)
	}
	roles.Revoke(admin, RoleAdmin)
	if err := RequireAdmin(roles, admin); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("revoked admin: %v", err)
	}
}

func TestRequireAdminNilRoles(t *testing.T) {
	if err := RequireAdmin(nil, crypto.SystemAddress("ops/admin")); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("nil roles: %v", err)
	}
}

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	pauses := pauseMap{"coordinator": true}
	if err := Guard(pauses, "coordinator"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("paused module: %v", err)
	}
	if err := Guard(pauses, "tranche"); err != nil {
		t.Fatalf("running module: %v", err)
	}
	if err := Guard(nil, "coordinator"); err != nil {
		t.Fatalf("nil view: %v", err)
	}
}
