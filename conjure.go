// Package conjure resolves references to not-yet-existing units, synthesizes
// their implementation on demand, gates the result behind a static safety
// validator, and executes it as if it had existed all along.
//
// The entry point is Resolve: hand it a dotted unit name under the conjure
// namespace and the symbols you expect, and it returns a materialized unit
// whose symbol table grows on demand as new names are accessed.
//
//	u, err := conjure.Resolve(ctx, "conjure.cached.text", "ExtractEmails")
//	out, err := u.Call("ExtractEmails", "reach me at a@b.co")
package conjure

import (
	"context"
	"fmt"
	"sync"

	"conjure/internal/cache"
	"conjure/internal/config"
	"conjure/internal/discovery"
	"conjure/internal/explore"
	"conjure/internal/generate"
	"conjure/internal/loader"
	"conjure/internal/logging"
	"conjure/internal/resolver"
	"conjure/internal/safety"
	"conjure/internal/schema"
	"conjure/internal/unit"
)

// Re-exported so callers can match failures without importing internals.
type (
	// GenerationError is a hard failure of a synthesis attempt.
	GenerationError = generate.GenerationError
	// SecurityError reports a candidate rejected by the safety validator.
	SecurityError = safety.SecurityError
	// Unit is a materialized unit.
	Unit = unit.Unit
)

var (
	mu       sync.RWMutex
	settings = defaultSettings()
	registry = schema.NewRegistry()
	res      = resolver.New(resolver.RootNamespace)
	client   generate.Client
	approver loader.Approver
)

func defaultSettings() config.Config {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	return cfg
}

// Settings returns a copy of the current configuration.
func Settings() config.Config {
	mu.RLock()
	defer mu.RUnlock()
	return settings
}

// Option mutates the process-wide configuration.
type Option func(*config.Config)

// WithModel selects the generation model.
func WithModel(model string) Option {
	return func(c *config.Config) { c.Generator.Model = model }
}

// WithBackend selects the generation backend identifier (gemini, offline).
func WithBackend(backend string) Option {
	return func(c *config.Config) { c.Generator.Backend = backend }
}

// WithAPIKey sets the backend API key.
func WithAPIKey(key string) Option {
	return func(c *config.Config) { c.Generator.APIKey = key }
}

// WithCacheDir sets the cache root directory.
func WithCacheDir(dir string) Option {
	return func(c *config.Config) { c.Cache.Dir = dir }
}

// WithUnsafe toggles the safety validator off or on. Disabling validation is
// an explicit, auditable choice.
func WithUnsafe(allow bool) Option {
	return func(c *config.Config) { c.Safety.AllowUnsafe = allow }
}

// WithReview toggles the interactive approval gate.
func WithReview(review bool) Option {
	return func(c *config.Config) { c.Safety.Review = review }
}

// WithContextRadius sets the context-extraction line radius.
func WithContextRadius(radius int) Option {
	return func(c *config.Config) { c.Context.Radius = radius }
}

// WithTimeout sets the generation timeout (a time.Duration string).
func WithTimeout(timeout string) Option {
	return func(c *config.Config) { c.Generator.Timeout = timeout }
}

// Configure applies options to the process-wide settings. Settings are read
// at call time, so changes take effect on the next resolution.
func Configure(opts ...Option) {
	mu.Lock()
	defer mu.Unlock()
	for _, opt := range opts {
		opt(&settings)
	}
}

// ResetDefaults restores environment-driven defaults and drops any injected
// generation client. Intended for tests.
func ResetDefaults() {
	mu.Lock()
	defer mu.Unlock()
	settings = defaultSettings()
	client = nil
	approver = nil
}

// SetClient injects a generation client, overriding the backend selection in
// the configuration. Pass nil to return to config-driven construction.
func SetClient(c generate.Client) {
	mu.Lock()
	defer mu.Unlock()
	client = c
}

// SetApprover installs the review-gate approver consulted when review is
// enabled.
func SetApprover(a loader.Approver) {
	mu.Lock()
	defer mu.Unlock()
	approver = a
}

// RegisterType registers a type schema, optionally binding it as the output
// type of the named symbols. Registered schemas are handed to the generation
// backend on every attempt.
func RegisterType(name, source string, outputFor ...string) {
	registry.Register(name, source, outputFor...)
}

// ClearTypes drops all registered type schemas.
func ClearTypes() {
	registry.Clear()
}

// Resolve classifies fullName and, when synthesizable, runs the full
// pipeline: context extraction, cache lookup, generation, validation,
// execution, and symbol verification.
func Resolve(ctx context.Context, fullName string, symbols ...string) (*Unit, error) {
	outcome, directive := res.Classify(fullName)
	switch outcome {
	case resolver.OutcomeNotOurs:
		return nil, fmt.Errorf("conjure: unit %q is outside the %s namespace", fullName, resolver.RootNamespace)
	case resolver.OutcomeProtected:
		return nil, fmt.Errorf("conjure: unit %q names a protected internal implementation and will not be synthesized", fullName)
	}

	c, err := activeClient(ctx)
	if err != nil {
		return nil, err
	}

	l := newLoader(c)
	return l.Load(ctx, loader.Request{
		FullName: directive.FullName,
		Mode:     directive.Mode,
		Symbols:  symbols,
		Snapshot: discovery.CallerSnapshot(1),
	})
}

// Explore generates several candidate implementations of a unit and persists
// the highest-scoring one. Each candidate runs through the same validation
// pipeline as a normal resolution.
func Explore(ctx context.Context, fullName string, symbols []string, variants int, scorer explore.Scorer) (*explore.Result, error) {
	outcome, directive := res.Classify(fullName)
	if outcome != resolver.OutcomeSynthesize {
		return nil, fmt.Errorf("conjure: unit %q is not synthesizable", fullName)
	}

	c, err := activeClient(ctx)
	if err != nil {
		return nil, err
	}

	ex := explore.New(Settings, newLoader(c))
	return ex.Explore(ctx, explore.Spec{
		FullName: directive.FullName,
		Symbols:  symbols,
		Variants: variants,
		Scorer:   scorer,
	})
}

// InspectCache returns the keys of all persisted units.
func InspectCache() ([]string, error) {
	return store().List()
}

// ClearCache deletes every generated artifact.
func ClearCache() error {
	return store().Clear()
}

// Regenerate deletes the cache entry for a unit name (or bare key) so the
// next resolution regenerates it.
func Regenerate(name string) error {
	return store().Delete(cache.Key(name))
}

// CachePath returns the artifact path a unit name maps to.
func CachePath(name string) string {
	return store().Path(cache.Key(name))
}

func store() *cache.Store {
	return cache.NewStore(Settings().Cache.Dir)
}

func newLoader(c generate.Client) *loader.Loader {
	mu.RLock()
	a := approver
	mu.RUnlock()

	opts := []loader.Option{}
	if a != nil {
		opts = append(opts, loader.WithApprover(a))
	}
	return loader.New(Settings, c, registry, opts...)
}

// activeClient returns the injected client or builds one from configuration.
func activeClient(ctx context.Context) (generate.Client, error) {
	mu.RLock()
	c := client
	cfg := settings
	mu.RUnlock()
	if c != nil {
		return c, nil
	}

	switch cfg.Generator.Backend {
	case "offline":
		return generate.NewOfflineClient(), nil
	case "", "gemini":
		gc, err := generate.NewGeminiClient(ctx, cfg.Generator)
		if err != nil {
			return nil, err
		}
		return gc, nil
	default:
		return nil, fmt.Errorf("conjure: unknown generation backend %q", cfg.Generator.Backend)
	}
}

func init() {
	logging.Init(Settings().Logging.Debug)
}
