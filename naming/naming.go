// Package naming maps message kinds to the discriminators stored in the
// outbox table and back.
package naming

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownDiscriminator   = errors.New("unknown discriminator")
	ErrDuplicateDiscriminator = errors.New("duplicate discriminator")
	ErrEmptyDiscriminator     = errors.New("empty discriminator")
)

// Kind names a message kind. URN, when set, is used verbatim by URNPolicy.
type Kind struct {
	Name string
	URN  string
}

func (k Kind) String() string {
	if k.URN != "" {
		return k.Name + "(" + k.URN + ")"
	}
	return k.Name
}

// Policy derives the discriminator of a kind.
type Policy interface {
	Discriminator(k Kind) (string, error)
}

type PolicyFunc func(k Kind) (string, error)

func (f PolicyFunc) Discriminator(k Kind) (string, error) { return f(k) }

// URNPolicy uses the explicit URN of each kind.
var URNPolicy Policy = PolicyFunc(func(k Kind) (string, error) {
	if k.URN == "" {
		return "", fmt.Errorf("%w: kind %s has no urn", ErrEmptyDiscriminator, k.Name)
	}
	return k.URN, nil
})

// CasePolicy renders the kind name with Case and prepends Prefix and appends
// Suffix verbatim: CasePolicy{Case: ToDot, Suffix: ".v1"} maps UserCreated to
// user.created.v1.
type CasePolicy struct {
	Case   func(string) string
	Prefix string
	Suffix string
}

func (p CasePolicy) Discriminator(k Kind) (string, error) {
	if k.Name == "" {
		return "", fmt.Errorf("%w: kind has no name", ErrEmptyDiscriminator)
	}
	name := k.Name
	if p.Case != nil {
		name = p.Case(name)
	}
	return p.Prefix + name + p.Suffix, nil
}

// Resolver keeps a strict one to one mapping between kinds and
// discriminators. It is safe for concurrent use.
type Resolver struct {
	policy          Policy
	byDiscriminator map[string]Kind
	byKind          map[string]string
	mu              sync.RWMutex
}

func NewResolver(p Policy) *Resolver {
	if p == nil {
		p = URNPolicy
	}
	return &Resolver{
		policy:          p,
		byDiscriminator: make(map[string]Kind),
		byKind:          make(map[string]string),
	}
}

// Whitelist registers k and returns its discriminator. Registering the same
// kind again is a no-op; a different kind resolving to a taken discriminator,
// or a known kind resolving to a new one, fails with ErrDuplicateDiscriminator.
func (r *Resolver) Whitelist(k Kind) (string, error) {
	d, err := r.policy.Discriminator(k)
	if err != nil {
		return "", err
	}
	if d == "" {
		return "", fmt.Errorf("%w: kind %s", ErrEmptyDiscriminator, k)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byDiscriminator[d]; ok {
		if existing.Name == k.Name {
			return d, nil
		}
		return "", fmt.Errorf("%w: %q claimed by %s and %s", ErrDuplicateDiscriminator, d, existing, k)
	}
	if prev, ok := r.byKind[k.Name]; ok {
		return "", fmt.Errorf("%w: kind %s already mapped to %q, not %q", ErrDuplicateDiscriminator, k, prev, d)
	}
	r.byDiscriminator[d] = k
	r.byKind[k.Name] = d
	return d, nil
}

func (r *Resolver) Resolve(discriminator string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byDiscriminator[discriminator]
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownDiscriminator, discriminator)
	}
	return k, nil
}

// Discriminator returns the discriminator a whitelisted kind maps to.
func (r *Resolver) Discriminator(k Kind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKind[k.Name]
	return d, ok
}

// Discriminators returns every whitelisted discriminator, sorted.
func (r *Resolver) Discriminators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byDiscriminator))
	for d := range r.byDiscriminator {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}
