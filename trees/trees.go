// Package trees holds a generic path-keyed tree, used to map store paths (like
// "model/layers/0/mlp/up_proj/weight") to the model's weights.
package trees

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Node is either a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]

	// keys holds the Map keys in insertion order.
	keys []string
}

func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Keys returns the children names of a non-leaf node, in insertion order.
func (n *Node[T]) Keys() []string { return n.keys }

// Tree holds the root node for a Tree-like structure.
//
// T is the type of the leaf nodes.
type Tree[T any] struct {
	Root *Node[T] // The root node is always a map.
}

// Path is usually used as the path from the root node.
type Path []string

// String joins the path with "/", the same way it's laid out in a store.
func (p Path) String() string { return strings.Join(p, "/") }

// ParsePath splits a "/" separated path, ignoring empty elements.
func ParsePath(s string) Path {
	return slices.DeleteFunc(strings.Split(s, "/"), func(e string) bool { return e == "" })
}

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{
		Root: NewMapNode[T](),
	}
}

// NewMapNode creates a new node that is Map, empty.
func NewMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// NewLeafNode creates a new leaf node with the given value.
func NewLeafNode[T any](value T) *Node[T] {
	return &Node[T]{Value: value}
}

// Set value in treePath, populating intermediary nodes where needed.
//
// Empty values in treePath are not used, and an empty path is an error.
//
// It returns an error if one is trying to set the value to an existing non-leaf node: nodes can either
// be a leaf or a Map (non-leaf), but not both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	var t T
	// Remove empty ("") path components -- clone the slice, not to modify caller's slice.
	if slices.Index(treePath, "") >= 0 {
		treePath = slices.DeleteFunc(slices.Clone(treePath),
			func(s string) bool {
				return s == ""
			})
	}
	if len(treePath) == 0 {
		return errors.Errorf("trees.Tree[%T].Set() with an empty path", t)
	}
	node := tree.Root
	for pathCount, pathElement := range treePath {
		if node.IsLeaf() {
			return errors.Errorf("trees.Tree[%T].Set(%q) trying to create a path using an existing leaf node (%q) as a non-leaf node",
				t, treePath, treePath[:pathCount])
		}
		newNode := node.Map[pathElement]
		if newNode == nil {
			if pathCount == len(treePath)-1 {
				newNode = NewLeafNode[T](value)
			} else {
				newNode = NewMapNode[T]()
			}
			node.Map[pathElement] = newNode
			node.keys = append(node.keys, pathElement)
		}
		node = newNode
	}
	if !node.IsLeaf() {
		return errors.Errorf("trees.Tree[%T].Set(%q) trying to set the value to a non-leaf node -- each node can either be a leaf node, or be a structural map of the tree",
			t, treePath)
	}
	node.Value = value
	return nil
}

// MustSet is like Set, but panics on error.
func (tree *Tree[T]) MustSet(treePath Path, value T) {
	if err := tree.Set(treePath, value); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// Get returns the leaf value at treePath. ok is false if there is no leaf there.
func (tree *Tree[T]) Get(treePath Path) (value T, ok bool) {
	node := tree.Root
	for _, pathElement := range treePath {
		if node.IsLeaf() {
			return
		}
		node = node.Map[pathElement]
		if node == nil {
			return
		}
	}
	if !node.IsLeaf() {
		return
	}
	return node.Value, true
}

// String implements fmt.String
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if subTree.IsLeaf() {
		var valueAny any
		valueAny = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range subTree.keys {
		parts = nodeToString(parts, key, subTree.Map[key], indent)
	}
	parts = append(parts, fmt.Sprintf("%s}", indentSpaces))
	return parts
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn at every element.
// The insertion order of tree1 is preserved.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		// Can't fail: it's the structure of an existing valid tree.
		tree2.MustSet(p, mapFn(p, t1))
	}
	return tree2
}

// Leaves returns an iterator that goes over all the leaf nodes of the Tree, depth-first, in the order
// the nodes were inserted.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// NumLeaves traverses the trees and returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// OrderedLeaves returns an iterator that goes over all the leaf nodes of the Tree in alphabetical order of the
// tree nodes (depth-first).
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

func recursiveLeaves[T any](treePath Path, node *Node[T], sorted bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	keys := node.keys
	if sorted {
		keys = xslices.SortedKeys(node.Map)
	}
	for _, key := range keys {
		if !recursiveLeaves(append(treePath, key), node.Map[key], sorted, yield) {
			return false
		}
	}
	return true
}

// ValuesAsList extracts the leaf values of Tree into a list, in insertion order.
func ValuesAsList[T any](tree *Tree[T]) []T {
	results := make([]T, 0, tree.NumLeaves())
	for _, value := range tree.Leaves() {
		results = append(results, value)
	}
	return results
}
