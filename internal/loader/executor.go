package loader

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// defaultUnitPackage is the package clause injected when generated source
// arrives without one.
const defaultUnitPackage = "unit"

// Executor materializes generated source in a yaegi interpreter and harvests
// the resulting symbol table. Interpreting instead of compiling keeps
// materialization in-process: no toolchain invocation, no binary artifacts,
// no dependency resolution.
type Executor struct{}

// Execute evaluates source and returns its package-level symbols. The
// interpreter is fresh per call; symbol tables never leak between units.
func (Executor) Execute(ctx context.Context, source string) (map[string]reflect.Value, error) {
	src, pkg, err := normalizeSource(source)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("executor: failed to load stdlib symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return nil, fmt.Errorf("executor: evaluation failed: %w", err)
	}

	table := i.Symbols(pkg)[pkg]
	if table == nil {
		// Fall back to the sole evaluated package if the clause name and the
		// recorded import path disagree.
		all := i.Symbols(pkg)
		if len(all) == 1 {
			for _, m := range all {
				table = m
			}
		}
	}
	if table == nil {
		return nil, fmt.Errorf("executor: no symbols defined by package %s", pkg)
	}

	symbols := make(map[string]reflect.Value, len(table))
	for name, value := range table {
		symbols[name] = value
	}
	return symbols, nil
}

// normalizeSource ensures the source carries a package clause and reports the
// package name used for symbol harvesting.
func normalizeSource(source string) (string, string, error) {
	fset := token.NewFileSet()
	if file, err := parser.ParseFile(fset, "unit.go", source, parser.PackageClauseOnly); err == nil {
		return source, file.Name.Name, nil
	}

	wrapped := "package " + defaultUnitPackage + "\n\n" + strings.TrimSpace(source) + "\n"
	if _, err := parser.ParseFile(fset, "unit.go", wrapped, parser.PackageClauseOnly); err != nil {
		return "", "", fmt.Errorf("executor: source has no usable package clause: %w", err)
	}
	return wrapped, defaultUnitPackage, nil
}
