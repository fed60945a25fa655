package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteHarvestsExportedSymbols(t *testing.T) {
	src := `package unit

func Add(a, b int) int { return a + b }

func Double(n int) int { return n * 2 }
`
	symbols, err := Executor{}.Execute(context.Background(), src)
	require.NoError(t, err)

	add, ok := symbols["Add"]
	require.True(t, ok)
	got := add.Interface().(func(int, int) int)(2, 3)
	assert.Equal(t, 5, got)

	_, ok = symbols["Double"]
	assert.True(t, ok)
}

func TestExecuteWrapsBareSource(t *testing.T) {
	symbols, err := Executor{}.Execute(context.Background(),
		"func Triple(n int) int { return n * 3 }")
	require.NoError(t, err)

	triple, ok := symbols["Triple"]
	require.True(t, ok)
	assert.Equal(t, 9, triple.Interface().(func(int) int)(3))
}

func TestExecuteAllowsStdlibImports(t *testing.T) {
	src := `package unit

import "strings"

func Shout(s string) string { return strings.ToUpper(s) }
`
	symbols, err := Executor{}.Execute(context.Background(), src)
	require.NoError(t, err)
	shout := symbols["Shout"].Interface().(func(string) string)
	assert.Equal(t, "HEY", shout("hey"))
}

func TestExecuteRejectsInvalidSource(t *testing.T) {
	_, err := Executor{}.Execute(context.Background(),
		"package unit\n\nfunc Broken() int { return \"not an int\" }\n")
	assert.Error(t, err)
}

func TestExecuteFreshInterpreterPerCall(t *testing.T) {
	_, err := Executor{}.Execute(context.Background(),
		"package unit\n\nfunc First() int { return 1 }\n")
	require.NoError(t, err)

	symbols, err := Executor{}.Execute(context.Background(),
		"package unit\n\nfunc Second() int { return 2 }\n")
	require.NoError(t, err)
	_, leaked := symbols["First"]
	assert.False(t, leaked, "symbol tables must not leak between units")
}
