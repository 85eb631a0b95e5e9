package weights

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/lazyllama/trees"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Store is a directory holding one file per weight, laid out following the weight's path.
// E.g.: the weight "model/norm/weight" is in "<Root>/model/norm/weight".
type Store struct {
	// Root directory of the store.
	Root string
}

// OpenStore returns the store rooted at dir. A "~" prefix is replaced by the user's home directory.
func OpenStore(dir string) (*Store, error) {
	dir = data.ReplaceTildeInDir(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open weights store %q", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("weights store %q is not a directory", dir)
	}
	return &Store{Root: dir}, nil
}

// Locator returns the file for the given weight path.
func (s *Store) Locator(p trees.Path) string {
	return filepath.Join(append([]string{s.Root}, p...)...)
}

// NewWeight creates a Weight for the given path, on the store.
// The file is not accessed.
func (s *Store) NewWeight(p trees.Path, shape shapes.Shape) *Weight {
	return New(p.String(), s.Locator(p), shape)
}

// Write saves raw weight bytes to the file of the given path, creating the intermediary directories.
func (s *Store) Write(p trees.Path, contents []byte) error {
	locator := s.Locator(p)
	if err := os.MkdirAll(filepath.Dir(locator), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for weight %q", p)
	}
	if err := os.WriteFile(locator, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write weight %q", p)
	}
	return nil
}

// Validate checks that the file of every weight exists and has exactly the weight's ByteSize.
// Files are checked in parallel; the first problem found is returned.
func Validate(ctx context.Context, weights []*Weight) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, w := range weights {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(w.Locator)
			if err != nil {
				return errors.Wrapf(err, "missing weight %q", w.Name)
			}
			if !info.Mode().IsRegular() {
				return errors.Errorf("weight %q: %q is not a regular file", w.Name, w.Locator)
			}
			return checkSize(w, info.Size())
		})
	}
	return g.Wait()
}
