// Package weights implements lazily materialized model weights: each Weight starts on a store (one raw file per
// tensor) and is read and transferred to a device the first time it is needed, either explicitly with a byte budget
// (see MaterializeWithBudget) or implicitly when a forward pass uses it.
package weights

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Weight is a handle to one parameter tensor. It is either on the store (its Locator) or materialized, in
// which case it caches the *tensors.Tensor.
//
// The transition to materialized happens once, the first time the file is read completely, and it is not
// reversible. A failed read leaves the Weight on the store.
//
// It's safe to call MaterializeOn concurrently: callers serialize on the Weight, and only the first one reads
// the store.
type Weight struct {
	// Name is the path of the weight in the store, e.g. "model/norm/weight".
	Name string

	// Locator is the file holding the raw tensor bytes: row-major, native (little-endian) byte order, no header.
	Locator string

	shape shapes.Shape

	mu     sync.Mutex
	tensor *tensors.Tensor
}

// New creates a Weight on the store.
func New(name, locator string, shape shapes.Shape) *Weight {
	return &Weight{
		Name:    name,
		Locator: locator,
		shape:   shape,
	}
}

// Shape declared for the weight. The materialized tensor always has this shape.
func (w *Weight) Shape() shapes.Shape { return w.shape }

// ByteSize is the number of elements times the size of the element dtype. It never changes.
func (w *Weight) ByteSize() uint64 {
	return uint64(w.shape.Size()) * uint64(w.shape.DType.Size())
}

// IsOnStore returns true if the weight hasn't been materialized yet.
func (w *Weight) IsOnStore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tensor == nil
}

// Tensor returns the materialized tensor, or nil if the weight is still on the store.
func (w *Weight) Tensor() *tensors.Tensor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tensor
}

// String implements fmt.Stringer.
func (w *Weight) String() string {
	state := "on store"
	if !w.IsOnStore() {
		state = "materialized"
	}
	return fmt.Sprintf("%s (%s, %s)", w.shape, humanize.IBytes(w.ByteSize()), state)
}

// MaterializeOn returns the tensor with the weight's values, reading it from the store if needed.
//
// The first call reads the file -- whose length must match ByteSize exactly -- and transfers the tensor to the
// backend's default device, freeing the host copy. If backend is nil the tensor is kept in host memory, and it
// will be transferred by the backend when first used in a computation.
//
// Once materialized, it returns the cached tensor and does no I/O.
func (w *Weight) MaterializeOn(backend backends.Backend) (*tensors.Tensor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tensor != nil {
		return w.tensor, nil
	}

	t, err := w.read()
	if err != nil {
		return nil, err
	}
	if backend != nil {
		err = exceptions.TryCatch[error](func() {
			t.MaterializeOnDevices(backend)
			t.FinalizeLocal()
		})
		if err != nil {
			t.FinalizeAll()
			return nil, errors.WithMessagef(err, "failed to transfer weight %q to %s", w.Name, backend.Name())
		}
	}
	w.tensor = t
	klog.V(1).Infof("Materialized %q: %s", w.Name, w.shape)
	return t, nil
}

// MustMaterializeOn is like MaterializeOn, but panics on error. It's used inside the forward computation, where
// errors are raised as panics and caught at the API boundary.
func (w *Weight) MustMaterializeOn(backend backends.Backend) *tensors.Tensor {
	t, err := w.MaterializeOn(backend)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return t
}

// read the whole file straight into the storage of a new local tensor.
func (w *Weight) read() (t *tensors.Tensor, err error) {
	f, err := os.Open(w.Locator)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open weight %q", w.Name)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat weight %q", w.Name)
	}
	if err = checkSize(w, info.Size()); err != nil {
		return nil, err
	}

	t = tensors.FromShape(w.shape)
	t.MutableBytes(func(data []byte) {
		_, err = io.ReadFull(f, data)
	})
	if err != nil {
		t.FinalizeAll()
		return nil, errors.Wrapf(err, "failed to read weight %q from %q", w.Name, w.Locator)
	}
	return t, nil
}

func checkSize(w *Weight, fileSize int64) error {
	if fileSize < 0 || uint64(fileSize) != w.ByteSize() {
		return errors.Errorf("weight %q: file %q has %d bytes, but shape %s requires %d bytes",
			w.Name, w.Locator, fileSize, w.shape, w.ByteSize())
	}
	return nil
}
