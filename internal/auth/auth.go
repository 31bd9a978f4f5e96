package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// Role is a capability beyond plain trading
type Role uint8

const (
	RoleTrader Role = iota
	RoleLiquidator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleTrader:
		return "trader"
	case RoleLiquidator:
		return "liquidator"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// RoleSet is a bitmask of roles
type RoleSet uint8

func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= 1 << r
	}
	return s
}

// Has reports whether the set grants r. Every caller is a trader.
func (s RoleSet) Has(r Role) bool {
	return r == RoleTrader || s&(1<<r) != 0
}

// Context identifies the caller of an engine operation
type Context struct {
	Caller uuid.UUID
	Roles  RoleSet
}

// Require fails with ErrUnauthorized unless the caller holds r
func (c Context) Require(r Role) error {
	if c.Caller == uuid.Nil {
		return fmt.Errorf("%w: anonymous caller", ErrUnauthorized)
	}
	if !c.Roles.Has(r) {
		return fmt.Errorf("%w: %s lacks %s role", ErrUnauthorized, c.Caller, r)
	}
	return nil
}

// Directory maps callers to their configured roles
type Directory struct {
	mu    sync.RWMutex
	roles map[uuid.UUID]RoleSet
}

func NewDirectory() *Directory {
	return &Directory{roles: make(map[uuid.UUID]RoleSet)}
}

// Grant adds roles to a caller
func (d *Directory) Grant(caller uuid.UUID, roles ...Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[caller] |= NewRoleSet(roles...)
}

// GrantList parses a comma-separated uuid list and grants role to each
func (d *Directory) GrantList(list string, role Role) error {
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse %s id %q: %w", role, raw, err)
		}
		d.Grant(id, role)
	}
	return nil
}

// ContextFor builds the authorization context for a caller
func (d *Directory) ContextFor(caller uuid.UUID) Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Context{Caller: caller, Roles: d.roles[caller]}
}
