package loader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conjure/internal/cache"
	"conjure/internal/config"
	"conjure/internal/generate"
	"conjure/internal/resolver"
	"conjure/internal/safety"
	"conjure/internal/schema"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a background worker in package init that can
	// never be stopped; ignore it so goleak only flags our own goroutines.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const greetSource = `package unit

func Greet(name string) string {
	return "hello " + name
}
`

const farewellSource = `package unit

func Greet(name string) string {
	return "hello " + name
}

func Farewell(name string) string {
	return "goodbye " + name
}
`

const emailSource = `package unit

import "regexp"

var emailRe = regexp.MustCompile("[a-z0-9._%+-]+@[a-z0-9.-]+\\.[a-z]{2,}")

func ExtractEmails(s string) []string {
	return emailRe.FindAllString(s, -1)
}
`

func testConfig(t *testing.T) (func() config.Config, *cache.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Cache.Dir = dir
	cfg.Generator.Timeout = "30s"
	return func() config.Config { return cfg }, cache.NewStore(dir)
}

// scriptClient replays canned sources in order and records every request.
type scriptClient struct {
	mu       sync.Mutex
	sources  []string
	requests []generate.Request
}

func (c *scriptClient) GenerateUnit(_ context.Context, req generate.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.requests) > len(c.sources) {
		return "", &generate.GenerationError{Unit: req.UnitName, Reason: "script exhausted"}
	}
	return c.sources[len(c.requests)-1], nil
}

func (c *scriptClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptClient) request(i int) generate.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

type approverFunc func(unitName, source string) (bool, error)

func (f approverFunc) Approve(unitName, source string) (bool, error) {
	return f(unitName, source)
}

func TestLoadGenerateValidateExecutePersist(t *testing.T) {
	cfg, store := testConfig(t)
	client := &scriptClient{sources: []string{emailSource}}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"ExtractEmails"},
	})
	require.NoError(t, err)
	assert.False(t, u.FromCache)
	assert.Equal(t, 1, client.calls())
	assert.True(t, u.Has("ExtractEmails"))

	out, err := u.Call("ExtractEmails", "mail alice@example.com and bob@example.org")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"alice@example.com", "bob@example.org"}, out[0])

	// The accepted generation was persisted before execution.
	src, ok, err := store.Read(cache.Key("conjure.cached.text"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, emailSource, src)
}

func TestLoadCacheHitSkipsGeneration(t *testing.T) {
	cfg, store := testConfig(t)
	_, err := store.Write(cache.Key("conjure.cached.text"), greetSource)
	require.NoError(t, err)

	client := &scriptClient{}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	require.NoError(t, err)
	assert.True(t, u.FromCache)
	assert.Equal(t, 0, client.calls(), "a cache hit must not touch the backend")
}

func TestLoadDeterministicAcrossCalls(t *testing.T) {
	cfg, _ := testConfig(t)
	client := &scriptClient{sources: []string{greetSource}}
	l := New(cfg, client, schema.NewRegistry())

	req := Request{FullName: "conjure.cached.text", Mode: resolver.ModeCached, Symbols: []string{"Greet"}}

	first, err := l.Load(context.Background(), req)
	require.NoError(t, err)
	second, err := l.Load(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls(), "only the first load generates")
	assert.Equal(t, first.Source(), second.Source())
	assert.True(t, second.FromCache)
}

func TestAlwaysFreshBypassesCacheBothWays(t *testing.T) {
	cfg, store := testConfig(t)
	_, err := store.Write(cache.Key("conjure.fresh.text"), greetSource)
	require.NoError(t, err)

	client := &scriptClient{sources: []string{farewellSource}}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.fresh.text",
		Mode:     resolver.ModeAlwaysFresh,
		Symbols:  []string{"Farewell"},
	})
	require.NoError(t, err)
	assert.False(t, u.FromCache)
	assert.Equal(t, 1, client.calls(), "fresh mode always generates")

	// The cached artifact under the shared key is untouched.
	src, ok, err := store.Read(cache.Key("conjure.fresh.text"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, greetSource, src)
}

func TestCachedHitMissingSymbolExpandsOnce(t *testing.T) {
	cfg, store := testConfig(t)
	_, err := store.Write(cache.Key("conjure.cached.text"), greetSource)
	require.NoError(t, err)

	client := &scriptClient{sources: []string{farewellSource}}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet", "Farewell"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, client.calls())

	// The regeneration request carries the union of cached and requested symbols.
	assert.Equal(t, []string{"Farewell", "Greet"}, client.request(0).Symbols)
	assert.False(t, u.FromCache)
	assert.True(t, u.Has("Greet"))
	assert.True(t, u.Has("Farewell"))

	src, ok, err := store.Read(cache.Key("conjure.cached.text"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, farewellSource, src)
}

func TestCachedHitStillMissingAfterRetryFails(t *testing.T) {
	cfg, store := testConfig(t)
	_, err := store.Write(cache.Key("conjure.cached.text"), greetSource)
	require.NoError(t, err)

	// The backend keeps omitting the symbol; the loader gives up after one try.
	client := &scriptClient{sources: []string{greetSource, greetSource, greetSource}}
	l := New(cfg, client, schema.NewRegistry())

	_, err = l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Farewell"},
	})
	var genErr *generate.GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Contains(t, genErr.Reason, "Farewell")
	assert.Equal(t, 1, client.calls(), "exactly one expansion retry")
}

func TestFreshGenerationMissingSymbolNoRetry(t *testing.T) {
	cfg, _ := testConfig(t)
	client := &scriptClient{sources: []string{greetSource, greetSource}}
	l := New(cfg, client, schema.NewRegistry())

	_, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Farewell"},
	})
	var genErr *generate.GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, 1, client.calls(), "fresh generations get no expansion retry")
}

func TestSecurityRejectionCachesNothing(t *testing.T) {
	cfg, store := testConfig(t)
	client := &scriptClient{sources: []string{
		"package unit\n\nimport \"os/exec\"\n\nfunc Run() { exec.Command(\"ls\").Run() }\n",
	}}
	l := New(cfg, client, schema.NewRegistry())

	_, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.shell",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Run"},
	})
	var secErr *safety.SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, safety.KindForbiddenImport, secErr.Violation.Kind)
	assert.False(t, store.Has(cache.Key("conjure.cached.shell")))
}

func TestCachedArtifactIsRevalidated(t *testing.T) {
	cfg, store := testConfig(t)
	// A manually edited cache entry that now violates policy must not run.
	_, err := store.Write(cache.Key("conjure.cached.shell"),
		"package unit\n\nimport \"os/exec\"\n\nfunc Run() { exec.Command(\"ls\").Run() }\n")
	require.NoError(t, err)

	client := &scriptClient{}
	l := New(cfg, client, schema.NewRegistry())

	_, err = l.Load(context.Background(), Request{
		FullName: "conjure.cached.shell",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Run"},
	})
	var secErr *safety.SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, 0, client.calls(), "a security failure is terminal, not retried")
}

func TestBrokenCachedArtifactRegeneratedOnce(t *testing.T) {
	cfg, store := testConfig(t)
	// Parses and passes validation, but cannot materialize.
	_, err := store.Write(cache.Key("conjure.cached.text"),
		"package unit\n\nfunc Greet(name string) string {\n\treturn 42\n}\n")
	require.NoError(t, err)

	client := &scriptClient{sources: []string{greetSource}}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls())
	assert.False(t, u.FromCache)

	src, ok, err := store.Read(cache.Key("conjure.cached.text"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, greetSource, src)
}

func TestUnparsableCachedArtifactRegeneratedOnce(t *testing.T) {
	cfg, store := testConfig(t)
	// A hand-edited artifact with a syntax error is broken, not malicious.
	_, err := store.Write(cache.Key("conjure.cached.text"),
		"package unit\n\nfunc Greet( {\n")
	require.NoError(t, err)

	client := &scriptClient{sources: []string{greetSource}}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls())
	assert.False(t, u.FromCache)

	src, ok, err := store.Read(cache.Key("conjure.cached.text"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, greetSource, src)
}

func TestUnparsableFreshGenerationNotRetried(t *testing.T) {
	cfg, _ := testConfig(t)
	client := &scriptClient{sources: []string{"func {", greetSource}}
	l := New(cfg, client, schema.NewRegistry())

	_, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	var secErr *safety.SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, safety.KindParseError, secErr.Violation.Kind)
	assert.Equal(t, 1, client.calls(), "only cached artifacts earn a regeneration")
}

func TestReviewRejectionDropsCacheEntry(t *testing.T) {
	cfgFn, store := testConfig(t)
	cfg := cfgFn()
	cfg.Safety.Review = true

	client := &scriptClient{sources: []string{greetSource}}
	l := New(func() config.Config { return cfg }, client, schema.NewRegistry(),
		WithApprover(approverFunc(func(string, string) (bool, error) { return false, nil })))

	_, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	var secErr *safety.SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, safety.KindReviewRejected, secErr.Violation.Kind)
	assert.False(t, store.Has(cache.Key("conjure.cached.text")))
}

func TestReviewApprovalProceeds(t *testing.T) {
	cfgFn, _ := testConfig(t)
	cfg := cfgFn()
	cfg.Safety.Review = true

	var reviewed string
	client := &scriptClient{sources: []string{greetSource}}
	l := New(func() config.Config { return cfg }, client, schema.NewRegistry(),
		WithApprover(approverFunc(func(unitName, source string) (bool, error) {
			reviewed = source
			return true, nil
		})))

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	require.NoError(t, err)
	assert.Equal(t, greetSource, reviewed)
	assert.True(t, u.Has("Greet"))
}

func TestOnDemandGrowthThroughAttr(t *testing.T) {
	cfg, store := testConfig(t)
	client := &scriptClient{sources: []string{greetSource, farewellSource}}
	l := New(cfg, client, schema.NewRegistry())

	u, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	require.NoError(t, err)
	require.False(t, u.Has("Farewell"))

	v, err := u.Attr("Farewell")
	require.NoError(t, err)
	require.Equal(t, 2, client.calls())

	// The growth request asks for existing plus newly requested symbols.
	assert.Equal(t, []string{"Farewell", "Greet"}, client.request(1).Symbols)
	assert.True(t, u.Has("Greet"), "existing symbols survive expansion")

	got := v.Interface().(func(string) string)("ada")
	assert.Equal(t, "goodbye ada", got)

	src, ok, err := store.Read(cache.Key("conjure.cached.text"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, farewellSource, src, "the grown unit replaces the cached artifact")
}

func TestGenerationErrorPropagates(t *testing.T) {
	cfg, _ := testConfig(t)
	l := New(cfg, generate.NewOfflineClient(), schema.NewRegistry())

	_, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached.text",
		Mode:     resolver.ModeCached,
		Symbols:  []string{"Greet"},
	})
	var genErr *generate.GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, "conjure.cached.text", genErr.Unit)
}

func TestEmptyUnitNameRejected(t *testing.T) {
	cfg, _ := testConfig(t)
	l := New(cfg, &scriptClient{}, schema.NewRegistry())

	_, err := l.Load(context.Background(), Request{
		FullName: "conjure.cached",
		Mode:     resolver.ModeCached,
	})
	assert.ErrorContains(t, err, "does not name a loadable unit")
}
