// Package loader is the synthesis orchestrator: the state machine that turns
// a unit-resolution request into a materialized, runnable unit while keeping
// the cache consistent.
//
// The pipeline for one resolution is:
//
//	CONTEXT -> CACHE_LOOKUP -> GENERATE (on miss) -> VALIDATE -> [APPROVE]
//	        -> CACHE_WRITE (Cached mode, fresh generations only) -> EXECUTE
//	        -> SYMBOL_CHECK -> READY | EXPAND_RETRY (once)
//
// Resolution is synchronous; the host serializes loads per unit name, so the
// orchestrator carries no per-name locking of its own.
package loader

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"

	"conjure/internal/cache"
	"conjure/internal/config"
	"conjure/internal/discovery"
	"conjure/internal/generate"
	"conjure/internal/logging"
	"conjure/internal/resolver"
	"conjure/internal/safety"
	"conjure/internal/schema"
	"conjure/internal/unit"
)

// Request describes one unit resolution. It is created per resolution event
// and discarded when Load returns.
type Request struct {
	FullName string
	Mode     resolver.Mode
	Symbols  []string
	Snapshot *discovery.Snapshot
}

// Approver gates execution behind human review when configured. Rejection is
// equivalent to a validation failure.
type Approver interface {
	Approve(unitName, source string) (bool, error)
}

// Loader composes the cache store, generation client, safety validator,
// context extractor, and executor into the synthesis pipeline.
type Loader struct {
	cfg      func() config.Config
	client   generate.Client
	extract  *discovery.Extractor
	approver Approver
	exec     Executor
}

// Option configures a Loader.
type Option func(*Loader)

// WithApprover installs the interactive review gate.
func WithApprover(a Approver) Option {
	return func(l *Loader) {
		l.approver = a
	}
}

// New creates a Loader. cfg is read at call time on every resolution so
// runtime reconfiguration takes effect on the next load.
func New(cfg func() config.Config, client generate.Client, reg *schema.Registry, opts ...Option) *Loader {
	l := &Loader{
		cfg:     cfg,
		client:  client,
		extract: discovery.NewExtractor(reg),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load materializes the requested unit. The returned unit's symbol table is
// a superset of the requested symbols, or Load fails; it never returns a
// partial unit silently.
func (l *Loader) Load(ctx context.Context, req Request) (*unit.Unit, error) {
	cfg := l.cfg()
	store := cache.NewStore(cfg.Cache.Dir)
	key := cache.Key(req.FullName)
	if key == "" {
		return nil, fmt.Errorf("loader: %q does not name a loadable unit", req.FullName)
	}
	log := logging.L("loader")

	ectx := l.extract.Extract(req.FullName, req.Symbols, req.Snapshot, cfg.Context.RadiusOrDefault())

	var source string
	fromCache := false
	if req.Mode == resolver.ModeCached {
		src, ok, err := store.Read(key)
		if err != nil {
			return nil, err
		}
		if ok {
			source = src
			fromCache = true
			log.Debug("cache hit", zap.String("unit", req.FullName), zap.String("key", key))
		}
	}
	if !fromCache {
		log.Debug("cache miss", zap.String("unit", req.FullName), zap.String("mode", req.Mode.String()))
		src, err := l.generateSource(ctx, cfg, req.FullName, ectx.Functions, ectx)
		if err != nil {
			return nil, err
		}
		source = src
	}

	symbols, err := l.gate(ctx, cfg, store, key, req, source, fromCache)
	if err != nil {
		if !fromCache || deniedByPolicy(err) {
			return nil, err
		}
		// A cached artifact that no longer parses or executes (manual edits
		// are honored verbatim) is discarded and regenerated once. Denylist
		// rejections stay terminal: a policy-violating edit is never
		// silently overwritten.
		log.Warn("cached artifact failed to materialize; regenerating",
			zap.String("unit", req.FullName), zap.Error(err))
		if derr := store.Delete(key); derr != nil {
			return nil, derr
		}
		fromCache = false
		source, err = l.generateSource(ctx, cfg, req.FullName, ectx.Functions, ectx)
		if err != nil {
			return nil, err
		}
		symbols, err = l.gate(ctx, cfg, store, key, req, source, false)
		if err != nil {
			return nil, err
		}
	}

	// SYMBOL_CHECK: every requested symbol must exist in the materialized
	// table. A cache hit gets exactly one expansion retry; a fresh
	// generation does not.
	if missing := missingSymbols(symbols, req.Symbols); len(missing) > 0 {
		if !fromCache {
			return nil, &generate.GenerationError{
				Unit:   req.FullName,
				Reason: fmt.Sprintf("generated unit lacks symbols: %s", strings.Join(missing, ", ")),
			}
		}

		log.Info("cached unit lacks requested symbols; expanding",
			zap.String("unit", req.FullName), zap.Strings("missing", missing))
		if err := store.Delete(key); err != nil {
			return nil, err
		}
		expanded := unionSorted(req.Symbols, symbolNames(symbols))
		ectx.Functions = expanded
		fromCache = false

		source, err = l.generateSource(ctx, cfg, req.FullName, expanded, ectx)
		if err != nil {
			return nil, err
		}
		symbols, err = l.gate(ctx, cfg, store, key, req, source, false)
		if err != nil {
			return nil, err
		}
		if still := missingSymbols(symbols, req.Symbols); len(still) > 0 {
			return nil, &generate.GenerationError{
				Unit:   req.FullName,
				Reason: fmt.Sprintf("symbols still missing after retry: %s", strings.Join(still, ", ")),
			}
		}
	}

	u := unit.New(req.FullName, source, symbols, fromCache)
	u.SetExtendHook(l.extendHook(u, req))
	log.Debug("unit ready",
		zap.String("unit", req.FullName),
		zap.Bool("from_cache", fromCache),
		zap.Int("symbols", len(symbols)))
	return u, nil
}

// generateSource calls the generation client with the caller timeout applied.
// A timeout is a failure of the attempt, never retried automatically.
func (l *Loader) generateSource(ctx context.Context, cfg config.Config, fullName string, symbols []string, ectx discovery.Context) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, cfg.Generator.TimeoutOrDefault())
	defer cancel()

	src, err := l.client.GenerateUnit(gctx, generate.Request{
		UnitName:    fullName,
		Symbols:     symbols,
		Hint:        ectx.Hint,
		TypeSchemas: ectx.TypeSchemas,
		OutputTypes: ectx.OutputTypes,
	})
	if err != nil {
		var genErr *generate.GenerationError
		if errors.As(err, &genErr) {
			return "", err
		}
		return "", &generate.GenerationError{Unit: fullName, Reason: "backend call failed", Err: err}
	}
	if strings.TrimSpace(src) == "" {
		return "", &generate.GenerationError{Unit: fullName, Reason: "backend returned empty content"}
	}
	return src, nil
}

// gate runs VALIDATE, the optional approval step, CACHE_WRITE, and EXECUTE
// for one candidate source. Validation failure is terminal for the attempt:
// no partial execution occurs.
func (l *Loader) gate(ctx context.Context, cfg config.Config, store *cache.Store, key string, req Request, source string, fromCache bool) (map[string]reflect.Value, error) {
	verdict := safety.Validate(source, cfg.Safety.AllowUnsafe)
	if !verdict.Accepted {
		return nil, &safety.SecurityError{Unit: req.FullName, Violation: *verdict.Violation}
	}

	if cfg.Safety.Review && l.approver != nil {
		ok, err := l.approver.Approve(req.FullName, source)
		if err != nil {
			return nil, fmt.Errorf("loader: review of unit %s failed: %w", req.FullName, err)
		}
		if !ok {
			if derr := store.Delete(key); derr != nil {
				return nil, derr
			}
			return nil, &safety.SecurityError{
				Unit:      req.FullName,
				Violation: safety.Violation{Kind: safety.KindReviewRejected, Detail: "generated code rejected in review"},
			}
		}
	}

	// Cached mode persists fresh generations before execution; cache write
	// failures propagate rather than degrading to an unpersisted unit.
	if !fromCache && req.Mode == resolver.ModeCached {
		if _, err := store.Write(key, source); err != nil {
			return nil, err
		}
	}

	symbols, err := l.exec.Execute(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("loader: unit %s failed to execute: %w", req.FullName, err)
	}
	return symbols, nil
}

// extendHook builds the on-attribute-miss hook installed on every returned
// unit: a later access to an absent name runs a fresh
// CONTEXT -> GENERATE -> VALIDATE -> EXECUTE pass with the symbol set
// expanded to existing + newly requested, replacing the symbol table in
// place.
func (l *Loader) extendHook(u *unit.Unit, req Request) unit.ExtendHook {
	return func(name string) error {
		cfg := l.cfg()
		store := cache.NewStore(cfg.Cache.Dir)
		key := cache.Key(req.FullName)

		ectx := l.extract.Extract(req.FullName, req.Symbols, req.Snapshot, cfg.Context.RadiusOrDefault())
		desired := unionSorted(u.Symbols(), req.Symbols, []string{name})
		ectx.Functions = desired

		logging.L("loader").Info("expanding unit on demand",
			zap.String("unit", req.FullName),
			zap.String("symbol", name),
			zap.Strings("desired", desired))

		ctx := context.Background()
		source, err := l.generateSource(ctx, cfg, req.FullName, desired, ectx)
		if err != nil {
			return err
		}
		symbols, err := l.gate(ctx, cfg, store, key, req, source, false)
		if err != nil {
			return err
		}
		u.Replace(symbols, source)
		return nil
	}
}

// deniedByPolicy reports whether err is a safety rejection other than a
// syntax failure. A cached artifact that merely stopped parsing is treated
// like any other broken artifact and regenerated; one that trips the
// denylist is not.
func deniedByPolicy(err error) bool {
	var secErr *safety.SecurityError
	return errors.As(err, &secErr) && secErr.Violation.Kind != safety.KindParseError
}

func missingSymbols(symbols map[string]reflect.Value, requested []string) []string {
	var missing []string
	for _, name := range requested {
		if _, ok := symbols[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func symbolNames(symbols map[string]reflect.Value) []string {
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	return names
}

func unionSorted(sets ...[]string) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, name := range set {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
