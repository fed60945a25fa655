// Package policy evaluates datalog rule sets over string-valued facts. It is
// the reasoning half of the safety gate: Go code extracts structural facts
// from a candidate source file, the rules derive violations from them.
package policy

import (
	"bytes"
	"fmt"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Engine holds one compiled rule set and its fact store. Engines are cheap
// and single-use: build one per evaluation, assert facts, Eval, read results.
type Engine struct {
	info  *analysis.ProgramInfo
	store factstore.FactStoreWithRemove
	preds map[string]ast.PredicateSym
}

// New compiles a Mangle rule set. Every predicate used by Assert or Facts
// must carry a Decl in the source.
func New(source string) (*Engine, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return nil, fmt.Errorf("policy: failed to parse rules: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to analyze rules: %w", err)
	}

	preds := make(map[string]ast.PredicateSym, len(info.Decls))
	for sym := range info.Decls {
		preds[sym.Symbol] = sym
	}
	return &Engine{
		info:  info,
		store: factstore.NewSimpleInMemoryStore(),
		preds: preds,
	}, nil
}

// Assert adds one ground fact. All arguments are string constants.
func (e *Engine) Assert(predicate string, args ...string) error {
	sym, ok := e.preds[predicate]
	if !ok {
		return fmt.Errorf("policy: predicate %s is not declared", predicate)
	}
	if len(args) != sym.Arity {
		return fmt.Errorf("policy: predicate %s expects %d args, got %d", predicate, sym.Arity, len(args))
	}
	terms := make([]ast.BaseTerm, len(args))
	for i, arg := range args {
		terms[i] = ast.String(arg)
	}
	e.store.Add(ast.Atom{Predicate: sym, Args: terms})
	return nil
}

// Eval runs the rules to fixpoint, materializing rule-set facts and every
// derivable conclusion into the store.
func (e *Engine) Eval() error {
	if _, err := mengine.EvalProgramWithStats(e.info, e.store); err != nil {
		return fmt.Errorf("policy: evaluation failed: %w", err)
	}
	return nil
}

// Facts returns every stored tuple for the predicate, including derived ones.
// Call after Eval.
func (e *Engine) Facts(predicate string) ([][]string, error) {
	sym, ok := e.preds[predicate]
	if !ok {
		return nil, fmt.Errorf("policy: predicate %s is not declared", predicate)
	}

	var rows [][]string
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		row := make([]string, 0, len(atom.Args))
		for _, arg := range atom.Args {
			if c, ok := arg.(ast.Constant); ok {
				row = append(row, c.Symbol)
			} else {
				row = append(row, fmt.Sprintf("%v", arg))
			}
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read %s facts: %w", predicate, err)
	}
	return rows, nil
}
