package target

import (
	"context"
	"fmt"
	"path"

	"github.com/hashicorp/go-multierror"

	"quiver/internal/errdefs"
)

// ResourceContext is a scoped mutation of a target: Replacement, Shellcode
// or Run. It is entered with Target.With or Target.Enter and undone when
// its scope exits.
type ResourceContext interface {
	// claim names the resource the context mutates exclusively.
	claim() claim
	// enter applies the mutation and returns how to undo it.
	enter(ctx context.Context, t *Target) (releaseFunc, error)
	describe() string
}

type releaseFunc func(ctx context.Context) error

// claim is the exclusive resource of a context. The zero claim conflicts
// with nothing.
type claim struct {
	path string
	code bool
}

func (c claim) conflicts(other claim) bool {
	if c.path != "" && c.path == other.path {
		return true
	}
	return c.code && other.code
}

// exclusive reports whether the claim guards a mutation of the target.
func (c claim) exclusive() bool { return c.path != "" || c.code }

func pathClaim(p string) claim {
	return claim{path: path.Clean("/" + p)}
}

// scope is one entered context. Scopes entered under another scope's
// context.Context are its children and are released before it. Scopes
// holding a claim also form one stack across the whole target: exiting one
// first releases every claiming scope entered after it.
type scope struct {
	rc       ResourceContext
	claim    claim
	parent   *scope
	children []*scope
	release  releaseFunc
	exiting  bool
}

type scopeKey struct{ t *Target }

func (t *Target) scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{t}).(*scope)
	return s
}

// With enters rc, runs body with a context carrying the new scope and
// exits the scope on every path out of body, panics included. A release
// failure is reported after body's error.
func (t *Target) With(ctx context.Context, rc ResourceContext, body func(ctx context.Context) error) error {
	inner, err := t.Enter(ctx, rc)
	if err != nil {
		return err
	}
	s := t.scopeFrom(inner)

	done := false
	defer func() {
		if !done {
			_ = t.exitScope(context.WithoutCancel(inner), s)
		}
	}()
	bodyErr := body(inner)
	done = true
	return combine(bodyErr, t.exitScope(context.WithoutCancel(inner), s))
}

// Enter applies rc and returns a context carrying its scope. The caller
// must pass that context to Exit. Contexts entered under it are released
// first.
func (t *Target) Enter(ctx context.Context, rc ResourceContext) (context.Context, error) {
	parent := t.scopeFrom(ctx)
	c := rc.claim()

	t.mu.Lock()
	if t.state == Destroyed {
		t.mu.Unlock()
		return nil, errdefs.ErrDestroyed
	}
	if parent != nil && (!t.live[parent] || parent.exiting) {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: enclosing context already exited", errdefs.ErrInvalidState)
	}
	for other := range t.live {
		if other.rc == rc || c.conflicts(other.claim) {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is held by %s", errdefs.ErrResourceBusy, rc.describe(), other.rc.describe())
		}
	}
	s := &scope{rc: rc, claim: c, parent: parent}
	t.live[s] = true
	if c.exclusive() {
		t.mutations = append(t.mutations, s)
	}
	if parent != nil {
		parent.children = append(parent.children, s)
	} else {
		t.roots = append(t.roots, s)
	}
	t.mu.Unlock()

	release, err := rc.enter(ctx, t)
	if err != nil {
		t.mu.Lock()
		t.detach(s)
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Lock()
	if !t.live[s] || s.exiting {
		// An enclosing scope exited while rc was being applied.
		t.mu.Unlock()
		if err := release(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: enclosing context exited", errdefs.ErrInvalidState)
	}
	s.release = release
	t.mu.Unlock()
	t.logger.Debug().Str("context", rc.describe()).Msg("Context entered")
	return context.WithValue(ctx, scopeKey{t}, s), nil
}

// Exit releases the scope carried by ctx and everything entered under it,
// innermost first. For a Replacement or Shellcode, every Replacement and
// Shellcode entered after it is released before it too.
func (t *Target) Exit(ctx context.Context) error {
	s := t.scopeFrom(ctx)
	if s == nil {
		return fmt.Errorf("%w: no context to exit", errdefs.ErrInvalidState)
	}
	return t.exitScope(context.WithoutCancel(ctx), s)
}

// exitScope releases the claiming scopes entered after s and the children
// of s, each in reverse order of entry, then s. Every release runs even
// when an earlier one failed.
func (t *Target) exitScope(ctx context.Context, s *scope) error {
	t.mu.Lock()
	if !t.live[s] || s.exiting {
		t.mu.Unlock()
		return nil
	}
	s.exiting = true
	var later []*scope
	if s.claim.exclusive() {
		for i, m := range t.mutations {
			if m == s {
				later = append(later, t.mutations[i+1:]...)
				break
			}
		}
	}
	children := append([]*scope(nil), s.children...)
	t.mu.Unlock()

	var errs []error
	for i := len(later) - 1; i >= 0; i-- {
		if err := t.exitScope(ctx, later[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(children) - 1; i >= 0; i-- {
		if err := t.exitScope(ctx, children[i]); err != nil {
			errs = append(errs, err)
		}
	}

	t.mu.Lock()
	release := s.release
	t.mu.Unlock()
	// release is nil while rc.enter is still running on another goroutine.
	if release != nil {
		if err := release(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	t.mu.Lock()
	t.detach(s)
	t.mu.Unlock()
	t.logger.Debug().Str("context", s.rc.describe()).Msg("Context exited")
	return combine(errs...)
}

// detach drops s from the tree and frees its claim. Callers hold t.mu.
func (t *Target) detach(s *scope) {
	delete(t.live, s)
	for i, m := range t.mutations {
		if m == s {
			t.mutations = append(t.mutations[:i:i], t.mutations[i+1:]...)
			break
		}
	}
	siblings := &t.roots
	if s.parent != nil {
		siblings = &s.parent.children
	}
	for i, other := range *siblings {
		if other == s {
			*siblings = append((*siblings)[:i:i], (*siblings)[i+1:]...)
			break
		}
	}
}

// unwindAll exits every top-level scope, most recent first.
func (t *Target) unwindAll(ctx context.Context) error {
	t.mu.Lock()
	roots := append([]*scope(nil), t.roots...)
	t.mu.Unlock()

	var errs []error
	for i := len(roots) - 1; i >= 0; i-- {
		if err := t.exitScope(context.WithoutCancel(ctx), roots[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return combine(errs...)
}

// combine joins errors in order, dropping nils.
func combine(errs ...error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result
}

// restoreFailure marks err as a failure to undo a context.
func restoreFailure(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", errdefs.ErrRestoreFailure, what, err)
}
