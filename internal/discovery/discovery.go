// Package discovery recovers generation context from the code that triggered
// a resolution: nearby comments and code around the call site, forward call
// sites of the requested symbols, and any registered type schemas.
//
// Extraction is best-effort and bounded by the configured line radius. When
// the caller's source is unavailable (synthetic execution contexts, stripped
// binaries) it degrades to an empty hint rather than failing.
package discovery

import (
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"conjure/internal/logging"
	"conjure/internal/schema"
)

// Snapshot is a caller-supplied view of the source that triggered a
// resolution. Line is 1-based and points at the triggering reference.
type Snapshot struct {
	File   string
	Line   int
	Source []string
}

// CallerSnapshot builds a Snapshot for the caller skip frames up the stack,
// reading the source file from disk. Returns nil when the frame or its
// source cannot be recovered.
func CallerSnapshot(skip int) *Snapshot {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok || file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		logging.L("discovery").Debug("caller source unavailable",
			zap.String("file", file), zap.Error(err))
		return nil
	}
	return &Snapshot{
		File:   file,
		Line:   line,
		Source: strings.Split(string(data), "\n"),
	}
}

// Context is the extracted generation context for one attempt.
type Context struct {
	Functions   []string
	Hint        string
	TypeSchemas map[string]string
	OutputTypes map[string]string
}

// Extractor pulls context from snapshots and the schema registry.
type Extractor struct {
	registry *schema.Registry
}

// NewExtractor creates an extractor backed by the given registry (may be nil).
func NewExtractor(reg *schema.Registry) *Extractor {
	return &Extractor{registry: reg}
}

// Extract builds the Context for a resolution of fullName requesting the
// given symbols. radius bounds every source scan; no whole-file scanning.
func (e *Extractor) Extract(fullName string, symbols []string, snap *Snapshot, radius int) Context {
	if radius <= 0 {
		radius = 3
	}

	ctx := Context{
		Functions:   append([]string(nil), symbols...),
		TypeSchemas: map[string]string{},
		OutputTypes: map[string]string{},
	}

	if snap != nil && len(snap.Source) > 0 {
		ctx.Hint = e.hintFromSnapshot(snap, symbols, radius)
	}

	if e.registry != nil {
		for _, sym := range symbols {
			if typeName, ok := e.registry.OutputTypeFor(sym); ok {
				ctx.OutputTypes[sym] = typeName
			}
		}
		for name, src := range e.registry.AllSchemas() {
			ctx.TypeSchemas[name] = src
		}
	}

	logging.L("discovery").Debug("context extracted",
		zap.String("unit", fullName),
		zap.Strings("symbols", ctx.Functions),
		zap.Int("hint_bytes", len(ctx.Hint)),
		zap.Int("schemas", len(ctx.TypeSchemas)))

	return ctx
}

// hintFromSnapshot merges two bounded windows: the lines surrounding the
// triggering reference, and forward call sites of each requested symbol.
func (e *Extractor) hintFromSnapshot(snap *Snapshot, symbols []string, radius int) string {
	lines := snap.Source
	idx := snap.Line - 1 // 0-based trigger index
	if idx < 0 || idx >= len(lines) {
		return ""
	}

	var picked []string
	seen := make(map[int]struct{})
	take := func(i int) {
		if i < 0 || i >= len(lines) {
			return
		}
		if _, dup := seen[i]; dup {
			return
		}
		seen[i] = struct{}{}
		if line := strings.TrimRight(lines[i], " \t"); strings.TrimSpace(line) != "" {
			picked = append(picked, line)
		}
	}

	for i := idx - radius; i <= idx+radius; i++ {
		take(i)
	}

	// Forward scan for call sites of each requested symbol past the window,
	// up to one more radius out. The window itself is already taken above.
	end := idx + 2*radius
	if end >= len(lines) {
		end = len(lines) - 1
	}
	for _, sym := range symbols {
		needle := sym + "("
		for i := idx + radius + 1; i <= end; i++ {
			if strings.Contains(lines[i], needle) {
				take(i)
			}
		}
	}

	return strings.TrimSpace(strings.Join(picked, "\n"))
}
