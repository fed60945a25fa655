// Package safety statically gates generated source before it is executed.
//
// Validation is two-phase: a go/ast pass extracts structural facts from the
// candidate (imports, alias-resolved calls, file-open flags), then the
// embedded datalog rule set derives violations from those facts. This is a
// denylist, not a sandbox: acceptance is necessary but not sufficient for
// safety. The validator never executes the candidate source.
package safety

import (
	_ "embed"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"strings"

	"conjure/internal/policy"
)

//go:embed rules.mg
var safetyRules string

// ViolationKind categorizes why a candidate was rejected.
type ViolationKind int

const (
	KindParseError ViolationKind = iota
	KindForbiddenImport
	KindForbiddenCall
	KindWriteOpen
	KindDynamicEval
	KindReviewRejected
	KindPolicyError
)

func (k ViolationKind) String() string {
	switch k {
	case KindParseError:
		return "parse_error"
	case KindForbiddenImport:
		return "forbidden_import"
	case KindForbiddenCall:
		return "forbidden_call"
	case KindWriteOpen:
		return "write_mode_open"
	case KindDynamicEval:
		return "dynamic_eval"
	case KindReviewRejected:
		return "review_rejected"
	case KindPolicyError:
		return "policy_error"
	default:
		return "unknown"
	}
}

// Violation describes the first safety rule a candidate broke.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

// Verdict is the result of validating one candidate source.
type Verdict struct {
	Accepted  bool
	Violation *Violation
}

// SecurityError surfaces a rejected candidate to the caller, naming the unit
// and the specific violated rule so a human can loosen policy or fix the
// request. It is never bypassed silently.
type SecurityError struct {
	Unit      string
	Violation Violation
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("unit %s rejected by safety validator: %s: %s",
		e.Unit, e.Violation.Kind, e.Violation.Detail)
}

// Validate performs the static safety pass over candidate source. When
// allowUnsafe is true everything is accepted; enabling it is an explicit,
// auditable configuration choice.
func Validate(source string, allowUnsafe bool) Verdict {
	if allowUnsafe {
		return Verdict{Accepted: true}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "generated.go", source, parser.ParseComments)
	if err != nil {
		// Generated source may arrive without a package clause; retry wrapped.
		file, err = parser.ParseFile(fset, "generated.go", "package unit\n\n"+source, parser.ParseComments)
		if err != nil {
			return reject(KindParseError, fmt.Sprintf("candidate does not parse: %v", err))
		}
	}

	eng, err := policy.New(safetyRules)
	if err != nil {
		// Fail closed: a broken rule set must never wave candidates through.
		return reject(KindPolicyError, err.Error())
	}
	if err := emitFacts(eng, file); err != nil {
		return reject(KindPolicyError, err.Error())
	}
	if err := eng.Eval(); err != nil {
		return reject(KindPolicyError, err.Error())
	}

	return verdictFromFacts(eng)
}

func reject(kind ViolationKind, detail string) Verdict {
	return Verdict{Accepted: false, Violation: &Violation{Kind: kind, Detail: detail}}
}

// emitFacts walks the candidate AST and asserts the structural facts the rule
// set reasons over. Alias resolution and shadowing happen here; judgment
// about what the facts mean stays in rules.mg.
func emitFacts(eng *policy.Engine, file *ast.File) error {
	aliases := make(map[string]string, len(file.Imports))
	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		for _, root := range pathPrefixes(importPath) {
			if err := eng.Assert("src_import", importPath, root); err != nil {
				return err
			}
		}

		name := path.Base(importPath)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		switch name {
		case "_":
			continue
		case ".":
			if err := eng.Assert("src_dot_import", importPath); err != nil {
				return err
			}
			continue
		}
		aliases[name] = importPath
	}

	var emitErr error
	ast.Inspect(file, func(n ast.Node) bool {
		if emitErr != nil {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok || ident.Obj != nil {
			// A local object shadows the package name; not a package call.
			return true
		}
		importPath, ok := aliases[ident.Name]
		if !ok {
			return true
		}

		if emitErr = eng.Assert("src_call", importPath, sel.Sel.Name); emitErr != nil {
			return false
		}
		if importPath == "os" && sel.Sel.Name == "OpenFile" {
			emitErr = emitOpenFlags(eng, call, aliases)
		}
		return emitErr == nil
	})
	return emitErr
}

// pathPrefixes returns every path-segment prefix of an import path, from the
// first segment up to the full path, so family denials like golang.org/x/sys
// match nested imports.
func pathPrefixes(importPath string) []string {
	segs := strings.Split(importPath, "/")
	prefixes := make([]string, 0, len(segs))
	for i := range segs {
		prefixes = append(prefixes, strings.Join(segs[:i+1], "/"))
	}
	return prefixes
}

// emitOpenFlags asserts every flag identifier found in the flag argument of
// an os.OpenFile call. The flag is the second positional argument; Go has no
// keyword arguments, so positional detection is exhaustive here. The rule set
// decides which flags request write access.
func emitOpenFlags(eng *policy.Engine, call *ast.CallExpr, aliases map[string]string) error {
	if len(call.Args) < 2 {
		return nil
	}
	var emitErr error
	ast.Inspect(call.Args[1], func(n ast.Node) bool {
		if emitErr != nil {
			return false
		}
		switch e := n.(type) {
		case *ast.SelectorExpr:
			if ident, ok := e.X.(*ast.Ident); ok {
				if p, known := aliases[ident.Name]; known && p == "os" {
					emitErr = eng.Assert("src_open_flag", e.Sel.Name)
					return false
				}
			}
		case *ast.Ident:
			emitErr = eng.Assert("src_open_flag", e.Name)
		}
		return emitErr == nil
	})
	return emitErr
}

// verdictFromFacts reads derived violations in a fixed severity order and
// reports the first. Import violations dominate call violations so a denied
// package is reported at its import, not at some downstream call.
func verdictFromFacts(eng *policy.Engine) Verdict {
	checks := []struct {
		predicate string
		describe  func(row []string) Violation
	}{
		{"dot_import_violation", func(row []string) Violation {
			return Violation{Kind: KindForbiddenImport,
				Detail: fmt.Sprintf("dot import of %q is not permitted", row[0])}
		}},
		{"import_violation", func(row []string) Violation {
			return Violation{Kind: KindForbiddenImport,
				Detail: fmt.Sprintf("import of %q is not permitted", row[0])}
		}},
		{"call_violation", func(row []string) Violation {
			return Violation{Kind: KindForbiddenCall,
				Detail: fmt.Sprintf("call to %s.%s is not permitted", row[0], row[1])}
		}},
		{"write_violation", func(row []string) Violation {
			if row[1] == "OpenFile" {
				return Violation{Kind: KindWriteOpen,
					Detail: "os.OpenFile requests write/append/update access"}
			}
			return Violation{Kind: KindWriteOpen,
				Detail: fmt.Sprintf("%s.%s writes to the filesystem", row[0], row[1])}
		}},
		{"eval_violation", func(row []string) Violation {
			return Violation{Kind: KindDynamicEval,
				Detail: fmt.Sprintf("reflect.%s is a dynamic-evaluation primitive", row[0])}
		}},
	}

	for _, check := range checks {
		rows, err := eng.Facts(check.predicate)
		if err != nil {
			return reject(KindPolicyError, err.Error())
		}
		if len(rows) > 0 {
			v := check.describe(rows[0])
			return Verdict{Accepted: false, Violation: &v}
		}
	}
	return Verdict{Accepted: true}
}
