// Package resolver classifies unit-resolution requests for the conjure
// namespace. Classification is pure: it never touches the cache, the
// generation backend, or the filesystem.
package resolver

import (
	"sort"
	"strings"
)

// RootNamespace is the namespace token conjure claims for itself.
const RootNamespace = "conjure"

// Mode selects how a synthesized unit's result is persisted and reused.
type Mode int

const (
	// ModeCached persists generated source and reuses it on later resolutions.
	ModeCached Mode = iota
	// ModeAlwaysFresh regenerates on every resolution and never reads the cache.
	ModeAlwaysFresh
)

func (m Mode) String() string {
	if m == ModeAlwaysFresh {
		return "fresh"
	}
	return "cached"
}

// Outcome is the result of classifying a fully-qualified unit name.
type Outcome int

const (
	// OutcomeNotOurs means the name is outside the conjure namespace.
	OutcomeNotOurs Outcome = iota
	// OutcomeProtected means the name collides with a real internal
	// implementation and must never be synthesized over.
	OutcomeProtected
	// OutcomeSynthesize means the unit may be materialized on demand.
	OutcomeSynthesize
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProtected:
		return "protected"
	case OutcomeSynthesize:
		return "synthesize"
	default:
		return "not_ours"
	}
}

// Directive is a loading directive for a synthesizable unit.
type Directive struct {
	FullName string
	Mode     Mode
}

// builtinProtected lists the first-level names backed by real internal
// implementation packages. A synthesized unit must never shadow these.
var builtinProtected = []string{
	"cache",
	"config",
	"discovery",
	"explore",
	"generate",
	"loader",
	"logging",
	"policy",
	"resolver",
	"safety",
	"schema",
	"unit",
}

// Resolver classifies unit names under a root namespace.
type Resolver struct {
	root      string
	protected map[string]struct{}
}

// New creates a resolver for the given root namespace (RootNamespace when
// empty). Extra protected names may be supplied by embedders.
func New(root string, extra ...string) *Resolver {
	if root == "" {
		root = RootNamespace
	}
	r := &Resolver{
		root:      root,
		protected: make(map[string]struct{}, len(builtinProtected)+len(extra)),
	}
	for _, name := range builtinProtected {
		r.protected[name] = struct{}{}
	}
	r.Protect(extra...)
	return r
}

// Protect registers additional names that must defer to native resolution.
// Names may be dotted ("corp.billing"); they protect themselves and anything
// nested under them.
func (r *Resolver) Protect(names ...string) {
	for _, name := range names {
		if name != "" {
			r.protected[name] = struct{}{}
		}
	}
}

// isProtected reports whether path (the unit path with any mode token
// stripped) equals or is nested under a protected name.
func (r *Resolver) isProtected(path string) bool {
	for name := range r.protected {
		if path == name || strings.HasPrefix(path, name+".") {
			return true
		}
	}
	return false
}

// Protected returns the sorted protected name set. Used by the CLI.
func (r *Resolver) Protected() []string {
	out := make([]string, 0, len(r.protected))
	for name := range r.protected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Classify decides what to do with a fully-qualified unit name.
//
// Grammar: root[.<mode>].<unit path>, where the optional mode token is
// "cached" (the default) or "fresh". Any name equal to, or nested under, a
// protected internal name is never synthesized, regardless of mode token.
func (r *Resolver) Classify(fullName string) (Outcome, Directive) {
	parts := strings.Split(fullName, ".")
	if len(parts) == 0 || parts[0] != r.root {
		return OutcomeNotOurs, Directive{}
	}
	if len(parts) == 1 {
		// The bare root is the host package itself.
		return OutcomeNotOurs, Directive{}
	}

	mode := ModeCached
	rest := parts[1:]
	switch rest[0] {
	case "cached":
		rest = rest[1:]
	case "fresh":
		mode = ModeAlwaysFresh
		rest = rest[1:]
	}

	if len(rest) == 0 {
		// A bare mode namespace ("conjure.cached") has nothing to load.
		return OutcomeNotOurs, Directive{}
	}

	if r.isProtected(strings.Join(rest, ".")) {
		return OutcomeProtected, Directive{}
	}

	return OutcomeSynthesize, Directive{FullName: fullName, Mode: mode}
}
