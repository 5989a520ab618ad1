// Package access is the namespace access gate every operation passes
// through before it touches storage.
package access

import (
	"context"
	"fmt"
	"slices"

	"github.com/aweris/cafsd/internal/model"
)

// Action is an operation class checked per namespace.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"

	wildcard = "*"
)

// Principal is the authenticated caller.
type Principal string

const Anonymous Principal = "anonymous"

// Gate authenticates callers and answers yes or no for an action.
type Gate interface {
	// Authenticate maps a bearer token to a principal. An empty token is
	// the anonymous caller.
	Authenticate(token string) (Principal, error)
	// Check returns model.ErrForbidden unless principal may perform every
	// action on ns.
	Check(principal Principal, ns model.NamespaceID, actions ...Action) error
}

// AllowAll admits everyone.
type AllowAll struct{}

func (AllowAll) Authenticate(string) (Principal, error) { return Anonymous, nil }

func (AllowAll) Check(Principal, model.NamespaceID, ...Action) error { return nil }

// Grant is the configured access of one token.
type Grant struct {
	Principal Principal
	// Namespaces maps a namespace, or "*", to the allowed actions. An
	// action list containing "*" allows everything.
	Namespaces map[string][]Action
}

// StaticACL checks callers against a fixed token table.
type StaticACL struct {
	tokens     map[string]Principal
	principals map[Principal]Grant
}

func NewStaticACL(tokens map[string]Grant) *StaticACL {
	acl := &StaticACL{
		tokens:     make(map[string]Principal, len(tokens)),
		principals: make(map[Principal]Grant, len(tokens)),
	}
	for token, g := range tokens {
		acl.tokens[token] = g.Principal
		acl.principals[g.Principal] = g
	}
	return acl
}

func (a *StaticACL) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Anonymous, nil
	}
	p, ok := a.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", model.ErrForbidden)
	}
	return p, nil
}

func (a *StaticACL) Check(principal Principal, ns model.NamespaceID, actions ...Action) error {
	g, ok := a.principals[principal]
	if !ok {
		return fmt.Errorf("%w: %s has no grants", model.ErrForbidden, principal)
	}
	allowed := append(append([]Action(nil), g.Namespaces[string(ns)]...), g.Namespaces[wildcard]...)
	if slices.Contains(allowed, wildcard) {
		return nil
	}
	for _, action := range actions {
		if !slices.Contains(allowed, action) {
			return fmt.Errorf("%w: %s may not %s namespace %s", model.ErrForbidden, principal, action, ns)
		}
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal, or Anonymous.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Anonymous
}
