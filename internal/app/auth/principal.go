// Package auth models the relay's role-scoped capabilities. Services receive a
// Principal explicitly and gate each entry point with Require, independent of
// how the caller was authenticated.
package auth

import (
	"context"
	"strings"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/errors"
)

// Capability is a role a principal may hold.
type Capability string

const (
	CapAdmin    Capability = "admin"
	CapRelayer  Capability = "relayer"
	CapOperator Capability = "operator"
)

// Principal is an authenticated caller. Every principal with a non-empty ID
// may act as a sender.
type Principal struct {
	ID           string
	Capabilities []Capability
}

// NewPrincipal builds a principal from an id and role names, ignoring unknown roles.
func NewPrincipal(id string, roles ...string) Principal {
	p := Principal{ID: strings.TrimSpace(id)}
	for _, role := range roles {
		if c, ok := ParseCapability(role); ok && !p.Has(c) {
			p.Capabilities = append(p.Capabilities, c)
		}
	}
	return p
}

// ParseCapability maps a role name to a capability.
func ParseCapability(role string) (Capability, bool) {
	switch Capability(strings.ToLower(strings.TrimSpace(role))) {
	case CapAdmin:
		return CapAdmin, true
	case CapRelayer:
		return CapRelayer, true
	case CapOperator:
		return CapOperator, true
	}
	return "", false
}

// Authenticated reports whether the principal identifies a caller.
func (p Principal) Authenticated() bool {
	return p.ID != ""
}

// Has reports whether the principal holds c.
func (p Principal) Has(c Capability) bool {
	for _, held := range p.Capabilities {
		if held == c {
			return true
		}
	}
	return false
}

// Roles returns the capability names.
func (p Principal) Roles() []string {
	out := make([]string, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		out = append(out, string(c))
	}
	return out
}

// RequireSender checks the principal can submit payloads.
func RequireSender(p Principal) error {
	if !p.Authenticated() {
		return errors.ErrUnauthorized
	}
	return nil
}

// Require checks the principal is authenticated and holds c.
func Require(p Principal, c Capability) error {
	if err := RequireSender(p); err != nil {
		return err
	}
	if !p.Has(c) {
		return errors.ErrForbidden.WithDetails("capability", string(c)).WithDetails("principal", p.ID)
	}
	return nil
}

// RequireOwnerOr allows the owner of a resource or any holder of c.
func RequireOwnerOr(p Principal, owner string, c Capability) error {
	if err := RequireSender(p); err != nil {
		return err
	}
	if p.ID == owner || p.Has(c) {
		return nil
	}
	return errors.ErrForbidden.WithDetails("capability", string(c)).WithDetails("principal", p.ID)
}

// Allowlist grants capabilities to configured principal ids, on top of any
// roles carried by the credential itself.
type Allowlist struct {
	grants map[string][]Capability
}

// NewAllowlist builds an allowlist from per-role id lists.
func NewAllowlist(admins, relayers, operators []string) *Allowlist {
	a := &Allowlist{grants: make(map[string][]Capability)}
	a.add(CapAdmin, admins)
	a.add(CapRelayer, relayers)
	a.add(CapOperator, operators)
	return a
}

func (a *Allowlist) add(c Capability, ids []string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		a.grants[id] = append(a.grants[id], c)
	}
}

// Resolve merges credential roles with allowlisted capabilities.
func (a *Allowlist) Resolve(id string, roles ...string) Principal {
	p := NewPrincipal(id, roles...)
	if a == nil {
		return p
	}
	for _, c := range a.grants[p.ID] {
		if !p.Has(c) {
			p.Capabilities = append(p.Capabilities, c)
		}
	}
	return p
}

type principalKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored on ctx, or the zero principal.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{}
}
