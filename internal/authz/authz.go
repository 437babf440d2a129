// Package authz is the narrow authorization boundary used by content
// mutations. Callers either carry an administrative principal or hold a
// scoped bypass for the duration of a harvest cycle.
package authz

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrForbidden = errors.New("authorization denied")

type Principal struct {
	ID    string
	Admin bool
}

type contextKey string

const (
	principalKey contextKey = "principal"
	bypassKey    contextKey = "bypass"
)

var activeBypasses atomic.Int64

type bypass struct {
	released atomic.Bool
}

// WithPrincipal attaches the acting user to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Bypass turns off permission checks for work done with the returned
// context. The release func must be called on every exit path; after it
// runs the context no longer grants anything, even if it was retained.
func Bypass(ctx context.Context) (context.Context, func()) {
	b := &bypass{}
	activeBypasses.Add(1)
	release := func() {
		if b.released.CompareAndSwap(false, true) {
			activeBypasses.Add(-1)
		}
	}
	return context.WithValue(ctx, bypassKey, b), release
}

// Bypassed reports whether ctx holds an unreleased bypass.
func Bypassed(ctx context.Context) bool {
	b, ok := ctx.Value(bypassKey).(*bypass)
	return ok && !b.released.Load()
}

// ActiveBypasses is the number of bypass scopes currently held process-wide.
func ActiveBypasses() int64 {
	return activeBypasses.Load()
}

// RequireWrite is called by the content layer before any mutation.
func RequireWrite(ctx context.Context) error {
	if Bypassed(ctx) {
		return nil
	}
	if p, ok := PrincipalFrom(ctx); ok && p.Admin {
		return nil
	}
	return ErrForbidden
}
