// Package transformers implements a LLaMA-like decoder whose weights are materialized lazily from a store.
//
// The model is built with all its weights on the store (NewModelFromStore); optionally a prefix of them, in a fixed
// priority order, is materialized up-front within a byte budget (Model.TryMaterialize); and whatever is left is
// materialized the first time Model.Forward needs it.
package transformers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/lazyllama/weights"
)

// GraphWeights maps the model weights to the graph nodes holding their values, while building the
// computation graph.
type GraphWeights map[*weights.Weight]*Node

// Get returns the node for the weight. It panics if the weight is not a parameter of the graph.
func (params GraphWeights) Get(w *weights.Weight) *Node {
	node, found := params[w]
	if !found {
		exceptions.Panicf("weight %q is not a parameter of the graph being built", w.Name)
	}
	return node
}
