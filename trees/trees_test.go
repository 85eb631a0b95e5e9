package trees

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type expectedTreeValueType[T any] struct {
	p Path
	v T
}

func verifyTreeValues[T any](t *testing.T, leaves func(yield func(Path, T) bool), wantValues []expectedTreeValueType[T]) {
	count := 0
	for p, v := range leaves {
		if count >= len(wantValues) {
			t.Fatalf("tree ranged over more leaves than the %d expected", len(wantValues))
		}
		require.Equalf(t, wantValues[count].p, p, "Unexpected path %q -- maybe out-of-order?", p)
		require.Equalf(t, wantValues[count].v, v, "Unexpected value for path %q", p)
		count++
	}
	if count != len(wantValues) {
		t.Fatalf("tree only ranged over %d leaf-values, but we expected %d values", count, len(wantValues))
	}
}

// createTestTree inserts out of alphabetical order on purpose.
func createTestTree(t *testing.T) *Tree[int] {
	tree := New[int]()
	require.NoError(t, tree.Set([]string{"c"}, 1))
	require.NoError(t, tree.Set([]string{"b", "y"}, 3))
	require.NoError(t, tree.Set([]string{"b", "x"}, 2))
	require.NoError(t, tree.Set([]string{"a"}, 4))
	return tree
}

func TestNewAndSet(t *testing.T) {
	tree := createTestTree(t)
	fmt.Printf("Tree:\n%v\n", tree)

	require.Equal(t, 1, tree.Root.Map["c"].Value)
	require.Equal(t, 2, tree.Root.Map["b"].Map["x"].Value)
	require.Equal(t, 3, tree.Root.Map["b"].Map["y"].Value)
	require.Equal(t, []string{"c", "b", "a"}, tree.Root.Keys())

	err := tree.Set([]string{"b"}, 4)
	fmt.Printf("\texpected error trying to set non-leaf node: %v\n", err)
	require.ErrorContains(t, err, "trying to set the value to a non-leaf node")

	err = tree.Set([]string{"b", "x", "0"}, 5)
	fmt.Printf("\texpected error trying to use leaf node as structure: %v\n", err)
	require.ErrorContains(t, err, "trying to create a path using an existing leaf node")

	require.Error(t, tree.Set(nil, 7))

	// Overwriting an existing leaf is fine and doesn't change the order.
	require.NoError(t, tree.Set([]string{"", "c"}, 11))
	require.Equal(t, 11, tree.Root.Map["c"].Value)
	require.Equal(t, []string{"c", "b", "a"}, tree.Root.Keys())
}

func TestGet(t *testing.T) {
	tree := createTestTree(t)
	v, ok := tree.Get(Path{"b", "y"})
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = tree.Get(Path{"b"})
	require.False(t, ok, "non-leaf node")
	_, ok = tree.Get(Path{"b", "z"})
	require.False(t, ok)
	_, ok = tree.Get(Path{"a", "z"})
	require.False(t, ok)
}

func TestLeaves(t *testing.T) {
	tree := createTestTree(t)
	verifyTreeValues(t, tree.Leaves(), []expectedTreeValueType[int]{
		{Path{"c"}, 1},
		{Path{"b", "y"}, 3},
		{Path{"b", "x"}, 2},
		{Path{"a"}, 4},
	})
	require.Equal(t, 4, tree.NumLeaves())
}

func TestOrderedLeaves(t *testing.T) {
	tree := createTestTree(t)
	verifyTreeValues(t, tree.OrderedLeaves(), []expectedTreeValueType[int]{
		{Path{"a"}, 4},
		{Path{"b", "x"}, 2},
		{Path{"b", "y"}, 3},
		{Path{"c"}, 1},
	})
}

func TestMap(t *testing.T) {
	tree := createTestTree(t)
	treeFloat := Map(tree, func(_ Path, v int) float32 { return float32(v) })
	verifyTreeValues(t, treeFloat.Leaves(), []expectedTreeValueType[float32]{
		{Path{"c"}, 1},
		{Path{"b", "y"}, 3},
		{Path{"b", "x"}, 2},
		{Path{"a"}, 4},
	})
}

func TestValuesAsList(t *testing.T) {
	tree := createTestTree(t)
	require.Equal(t, []int{1, 3, 2, 4}, ValuesAsList(tree))
}

func TestPath(t *testing.T) {
	p := ParsePath("/model//layers/0/mlp/")
	require.Equal(t, Path{"model", "layers", "0", "mlp"}, p)
	require.Equal(t, "model/layers/0/mlp", p.String())
}
