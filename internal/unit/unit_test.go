package unit

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnit(symbols map[string]reflect.Value) *Unit {
	return New("conjure.cached.text", "package unit\n", symbols, false)
}

func TestAttrHit(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{
		"Answer": reflect.ValueOf(42),
	})

	v, err := u.Attr("Answer")
	require.NoError(t, err)
	assert.Equal(t, 42, v.Interface())
}

func TestAttrMissWithoutHook(t *testing.T) {
	u := newTestUnit(nil)

	_, err := u.Attr("Missing")
	var symErr *SymbolError
	require.True(t, errors.As(err, &symErr))
	assert.Equal(t, "conjure.cached.text", symErr.Unit)
	assert.Equal(t, "Missing", symErr.Symbol)
}

func TestAttrMissRunsHookExactlyOnce(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{
		"Existing": reflect.ValueOf(1),
	})

	hookCalls := 0
	u.SetExtendHook(func(name string) error {
		hookCalls++
		u.Replace(map[string]reflect.Value{
			"Existing": reflect.ValueOf(1),
			name:       reflect.ValueOf(2),
		}, "package unit\n// regenerated\n")
		return nil
	})

	v, err := u.Attr("Grown")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Interface())
	assert.Equal(t, 1, hookCalls)

	// Existing symbols survive the replacement and do not re-trigger the hook.
	_, err = u.Attr("Existing")
	require.NoError(t, err)
	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, "package unit\n// regenerated\n", u.Source())
}

func TestAttrMissAfterHookFails(t *testing.T) {
	u := newTestUnit(nil)
	u.SetExtendHook(func(name string) error {
		// Hook runs but the regenerated table still lacks the symbol.
		u.Replace(map[string]reflect.Value{"Other": reflect.ValueOf(1)}, "")
		return nil
	})

	_, err := u.Attr("Missing")
	var symErr *SymbolError
	require.True(t, errors.As(err, &symErr), "no second retry, no loop")
}

func TestAttrHookErrorPropagates(t *testing.T) {
	u := newTestUnit(nil)
	hookErr := fmt.Errorf("generation failed")
	u.SetExtendHook(func(string) error { return hookErr })

	_, err := u.Attr("Missing")
	assert.ErrorIs(t, err, hookErr)
}

func TestCallSplitsTrailingError(t *testing.T) {
	div := func(a, b int) (int, error) {
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	}
	u := newTestUnit(map[string]reflect.Value{"Div": reflect.ValueOf(div)})

	out, err := u.Call("Div", 10, 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 5, out[0])

	_, err = u.Call("Div", 1, 0)
	assert.EqualError(t, err, "division by zero")
}

func TestCallNonFunction(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{"Answer": reflect.ValueOf(42)})
	_, err := u.Call("Answer")
	assert.ErrorContains(t, err, "not callable")
}

func TestCallArityMismatch(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{
		"Shout": reflect.ValueOf(func(s string) string { return s }),
	})
	_, err := u.Call("Shout")
	assert.ErrorContains(t, err, "expects 1 arguments")
}

func TestCallVariadic(t *testing.T) {
	join := func(sep string, parts ...string) string {
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += sep
			}
			out += p
		}
		return out
	}
	u := newTestUnit(map[string]reflect.Value{"Join": reflect.ValueOf(join)})

	out, err := u.Call("Join", "-", "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, "a-b-c", out[0])

	// The variadic tail may be empty.
	out, err = u.Call("Join", "-")
	require.NoError(t, err)
	assert.Equal(t, "", out[0])
}

func TestCallVariadicTooFewArguments(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{
		"Join": reflect.ValueOf(func(sep string, parts ...string) string { return sep }),
	})
	_, err := u.Call("Join")
	require.Error(t, err)
	assert.ErrorContains(t, err, "expects at least 1 arguments")
}

func TestCallNilArguments(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{
		"Count": reflect.ValueOf(func(items []string, extras ...error) int {
			return len(items) + len(extras)
		}),
	})

	out, err := u.Call("Count", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out[0])

	// A nil in the variadic tail becomes the element type's zero value.
	out, err = u.Call("Count", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out[0])
}

func TestSymbolsSorted(t *testing.T) {
	u := newTestUnit(map[string]reflect.Value{
		"Zeta":  reflect.ValueOf(1),
		"Alpha": reflect.ValueOf(2),
	})
	assert.Equal(t, []string{"Alpha", "Zeta"}, u.Symbols())
	assert.True(t, u.Has("Alpha"))
	assert.False(t, u.Has("Beta"))
}
