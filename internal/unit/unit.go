// Package unit models a materialized program unit: a named, mutable symbol
// table backed by interpreted source, with an on-miss extension hook so the
// unit can grow incrementally over the program's lifetime.
package unit

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// SymbolError reports access to a symbol the unit does not define.
type SymbolError struct {
	Unit   string
	Symbol string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("unit %s does not define symbol %s", e.Unit, e.Symbol)
}

// ExtendHook is invoked when an absent symbol is accessed. The hook runs a
// fresh generation pass and replaces the unit's symbol table in place; after
// it returns, the original access is retried once.
type ExtendHook func(name string) error

// Unit is a materialized unit. The orchestrator owns it until it is returned
// to the caller; afterwards the caller owns symbol access and may re-enter
// the orchestrator through the extension hook.
type Unit struct {
	FullName  string
	FromCache bool

	mu      sync.RWMutex
	source  string
	symbols map[string]reflect.Value
	extend  ExtendHook
}

// New creates a materialized unit from a harvested symbol table.
func New(fullName, source string, symbols map[string]reflect.Value, fromCache bool) *Unit {
	if symbols == nil {
		symbols = map[string]reflect.Value{}
	}
	return &Unit{
		FullName:  fullName,
		FromCache: fromCache,
		source:    source,
		symbols:   symbols,
	}
}

// SetExtendHook installs the on-miss extension hook. Injected by the
// orchestrator at materialization time.
func (u *Unit) SetExtendHook(hook ExtendHook) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.extend = hook
}

// Replace swaps the unit's symbol table and source in place. Called by the
// extension hook after a regeneration pass.
func (u *Unit) Replace(symbols map[string]reflect.Value, source string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if symbols == nil {
		symbols = map[string]reflect.Value{}
	}
	u.symbols = symbols
	u.source = source
}

// Source returns the source text the unit was materialized from.
func (u *Unit) Source() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.source
}

// Symbols returns the sorted names of all defined symbols.
func (u *Unit) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	names := make([]string, 0, len(u.symbols))
	for name := range u.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the unit currently defines name.
func (u *Unit) Has(name string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.symbols[name]
	return ok
}

// Attr returns the value bound to name. On a miss the extension hook runs
// exactly once and the lookup is retried; a second miss is an error, never a
// loop.
func (u *Unit) Attr(name string) (reflect.Value, error) {
	u.mu.RLock()
	v, ok := u.symbols[name]
	hook := u.extend
	u.mu.RUnlock()
	if ok {
		return v, nil
	}

	if hook == nil {
		return reflect.Value{}, &SymbolError{Unit: u.FullName, Symbol: name}
	}
	if err := hook(name); err != nil {
		return reflect.Value{}, err
	}

	u.mu.RLock()
	v, ok = u.symbols[name]
	u.mu.RUnlock()
	if !ok {
		return reflect.Value{}, &SymbolError{Unit: u.FullName, Symbol: name}
	}
	return v, nil
}

// Call invokes the function bound to name with the given arguments. If the
// function's last result is a non-nil error it is split off and returned as
// the call error.
func (u *Unit) Call(name string, args ...interface{}) ([]interface{}, error) {
	v, err := u.Attr(name)
	if err != nil {
		return nil, err
	}
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("unit %s: symbol %s is not callable", u.FullName, name)
	}

	t := v.Type()
	if t.IsVariadic() {
		if len(args) < t.NumIn()-1 {
			return nil, fmt.Errorf("unit %s: %s expects at least %d arguments, got %d",
				u.FullName, name, t.NumIn()-1, len(args))
		}
	} else if t.NumIn() != len(args) {
		return nil, fmt.Errorf("unit %s: %s expects %d arguments, got %d",
			u.FullName, name, t.NumIn(), len(args))
	}

	// paramType resolves the declared type at position i, unrolling the
	// variadic tail to its element type.
	paramType := func(i int) reflect.Type {
		if t.IsVariadic() && i >= t.NumIn()-1 {
			return t.In(t.NumIn() - 1).Elem()
		}
		return t.In(i)
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			in[i] = reflect.Zero(paramType(i))
			continue
		}
		av := reflect.ValueOf(arg)
		if pt := paramType(i); av.Type() != pt && av.Type().ConvertibleTo(pt) {
			av = av.Convert(pt)
		}
		in[i] = av
	}

	results := v.Call(in)

	out := make([]interface{}, 0, len(results))
	var callErr error
	for i, res := range results {
		if i == len(results)-1 && res.Type().Implements(errType) {
			if !res.IsNil() {
				callErr = res.Interface().(error)
			}
			continue
		}
		out = append(out, res.Interface())
	}
	return out, callErr
}

var errType = reflect.TypeOf((*error)(nil)).Elem()
