// Package adapter catalogs import/export format handlers. Adding a format
// means registering a new Adapter; the import pipeline never branches on
// concrete formats.
package adapter

import (
	"io"
	"sort"
	"strings"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
)

// Adapter translates one external data format into normalized records.
type Adapter interface {
	Key() string
	Label() string
	// Extensions lists accepted upload extensions without the dot.
	Extensions() []string
	// IsAggregateImport reports whether records land in the summary table
	// (additive upsert) instead of raw event tables (insert-only).
	IsAggregateImport() bool
	// Validate parses the input far enough to produce a preview. An invalid
	// input yields IsValid=false, not an error; errors mean the input could
	// not be read at all.
	Validate(r io.Reader) (models.ImportPreview, error)
	// Transform parses rows [offset, offset+limit) into normalized records.
	Transform(r io.Reader, offset, limit int) ([]records.Normalized, error)
}

// Registry is the adapter catalog.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		reg.Register(a)
	}
	return reg
}

// Default returns the registry with every built-in adapter.
func Default() *Registry {
	return NewRegistry(
		NewNative(),
		NewPlausible(),
		NewLegacySchema(),
	)
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Key()] = a
}

// Get looks an adapter up by key.
func (r *Registry) Get(key string) (Adapter, error) {
	a, ok := r.adapters[key]
	if !ok {
		return nil, fault.NotFound("adapter %q", key)
	}
	return a, nil
}

// All returns every registered adapter sorted by key.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Accepts reports whether the adapter handles the given filename extension.
func Accepts(a Adapter, filename string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(filename[idx+1:])
	for _, e := range a.Extensions() {
		if e == ext {
			return true
		}
	}
	return false
}
