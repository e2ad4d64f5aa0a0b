// Package workproduct tracks externally persisted artifacts owned by graph
// nodes. A work product is distinct from a node's return value: it is a file
// (or set of files) on disk whose lifetime must follow its owning node. At
// the end of a run, products whose owner did not survive as green are
// deleted in lockstep with the node going stale.
package workproduct

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vk/redgreengo/internal/ctxlog"
	"github.com/vk/redgreengo/internal/dep"
)

// ID is the stable identity of one work product. IDs are unique within a run.
type ID string

// WorkProduct associates an ID with its owning node and the artifact files
// the owner produced.
type WorkProduct struct {
	ID    ID
	Owner dep.Node
	Paths []string
}

// Map is the concurrency-safe work-product table for one run.
type Map struct {
	mu       sync.Mutex
	products map[ID]WorkProduct
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{products: make(map[ID]WorkProduct)}
}

// Register records a work product. Registration is idempotent per ID within
// a run; a second registration with a different owner is a caller bug and
// panics.
func (m *Map) Register(wp WorkProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.products[wp.ID]; ok {
		if existing.Owner != wp.Owner {
			panic(fmt.Sprintf("workproduct: id '%s' re-registered with a different owner", wp.ID))
		}
		return
	}
	m.products[wp.ID] = wp
}

// Lookup returns the product registered under id, if any.
func (m *Map) Lookup(id ID) (WorkProduct, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wp, ok := m.products[id]
	return wp, ok
}

// Contains reports whether id was registered this run.
func (m *Map) Contains(id ID) bool {
	_, ok := m.Lookup(id)
	return ok
}

// Len returns the number of registered products.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.products)
}

// All returns the registered products sorted by ID, so that persistence and
// logs are deterministic.
func (m *Map) All() []WorkProduct {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkProduct, 0, len(m.products))
	for _, wp := range m.products {
		out = append(out, wp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reconcile walks the previous run's products and deletes the artifacts of
// every product the keep predicate rejects. It must run only after marking
// has fully settled; callers supply a predicate closed over the final graph
// colors. Deletions run in parallel; missing files are not errors (a crashed
// prior run may have partially cleaned up already).
func Reconcile(ctx context.Context, prev []WorkProduct, keep func(WorkProduct) bool) error {
	logger := ctxlog.FromContext(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	for _, wp := range prev {
		wp := wp
		if keep(wp) {
			logger.Debug("Retaining work product.", "id", string(wp.ID))
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger.Debug("Deleting stale work product.", "id", string(wp.ID))
			for _, path := range wp.Paths {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("deleting work product '%s': %w", wp.ID, err)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}
