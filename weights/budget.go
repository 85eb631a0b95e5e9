package weights

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"k8s.io/klog/v2"
)

// Visitor is called by MaterializeWithBudget once per weight, after the decision for it was made.
// remaining is the budget left after the weight.
type Visitor func(w *Weight, materialized bool, remaining uint64)

// MaterializeWithBudget walks order and materializes each weight that is still on the store and fits in what is
// left of maxBytes, subtracting its size.
//
// It's greedy and never backtracks: a weight that doesn't fit is skipped, and the leftover stays available to
// the weights that come after it. Calling it again with a larger budget continues where the previous call left,
// since already materialized weights are skipped without being accounted.
//
// It returns the unused budget. If reading a weight fails, it stops and returns the budget remaining at that point
// along with the error.
//
// visit is optional and may be nil.
func MaterializeWithBudget(order []*Weight, maxBytes uint64, backend backends.Backend, visit Visitor) (remaining uint64, err error) {
	remaining = maxBytes
	var count int
	for _, w := range order {
		size := w.ByteSize()
		materialized := false
		if remaining >= size && w.IsOnStore() {
			if _, err = w.MaterializeOn(backend); err != nil {
				return remaining, err
			}
			remaining -= size
			materialized = true
			count++
		}
		if visit != nil {
			visit(w, materialized, remaining)
		}
	}
	klog.Infof("Materialized %d weights (%s) within a budget of %s, %s unused",
		count, humanize.IBytes(maxBytes-remaining), humanize.IBytes(maxBytes), humanize.IBytes(remaining))
	return remaining, nil
}

// TotalBytes returns the sum of the sizes of all the weights.
func TotalBytes(weights []*Weight) (total uint64) {
	for _, w := range weights {
		total += w.ByteSize()
	}
	return
}

// ResidentBytes returns the sum of the sizes of the weights already materialized.
func ResidentBytes(weights []*Weight) (total uint64) {
	for _, w := range weights {
		if !w.IsOnStore() {
			total += w.ByteSize()
		}
	}
	return
}
