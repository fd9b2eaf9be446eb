package transform

import (
	"fmt"
	"sync"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/types"
)

// Func transforms one record. Returning (nil, nil) drops the record.
// Implementations must be pure: same input, same output, no I/O.
type Func func(rec *types.Record) (*types.Record, error)

// Transformer pairs a forward transformation with an optional inverse.
// When Inverse is nil, rollback for steps using this transformer falls
// back to snapshot restore, or is unrecoverable without one.
type Transformer struct {
	Name    string
	Apply   Func
	Inverse Func
}

// Registry maps transformer names to implementations. Registration
// happens at process startup; admission resolves names eagerly so a
// request naming an unknown transformer is rejected before planning.
type Registry struct {
	mu           sync.RWMutex
	transformers map[string]*Transformer
}

func NewRegistry() *Registry {
	return &Registry{transformers: make(map[string]*Transformer)}
}

// Register adds a transformer. Re-registering a name replaces it.
func (r *Registry) Register(t *Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[t.Name] = t
}

// Lookup resolves a name.
func (r *Registry) Lookup(name string) (*Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[name]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrTransformerUnknown, fmt.Errorf("name %q", name))
	}
	return t, nil
}

// HasInverse reports whether name is registered with an inverse.
func (r *Registry) HasInverse(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[name]
	return ok && t.Inverse != nil
}

// ApplyAll runs a transformer over a batch. Records the function maps
// to nil are dropped; their source ids come back separately so the
// caller can remove them from the target.
func ApplyAll(fn Func, records []types.Record) (kept []types.Record, dropped []string, err error) {
	kept = make([]types.Record, 0, len(records))
	for i := range records {
		rec, err := fn(&records[i])
		if err != nil {
			return nil, nil, errdefs.Logical("TRANSFORMER_REJECTED", fmt.Errorf("record %s: %w", records[i].ID, err))
		}
		if rec == nil {
			dropped = append(dropped, records[i].ID)
			continue
		}
		kept = append(kept, *rec)
	}
	return kept, dropped, nil
}
