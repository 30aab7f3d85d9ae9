package tracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jinzhu/inflection"

	"github.com/wilhg/footprint/pkg/errmodel"
)

// Category is a named trackable kind declared for an owner type, such as
// "downloads" with event type "download".
type Category struct {
	OwnerType string `json:"owner_type"`
	Name      string `json:"name"`
	EventType string `json:"event_type"`
}

// Registry maps (owner type, category name) to categories.
// Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]map[string]Category
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]map[string]Category)}
}

// Define declares the plural category name for ownerType and returns it.
// Defining the same name twice returns the existing category.
func (r *Registry) Define(ownerType, plural string) (Category, error) {
	ownerType, plural = strings.TrimSpace(ownerType), strings.TrimSpace(plural)
	if ownerType == "" || plural == "" {
		return Category{}, errmodel.Validation("invalid_category", "category needs an owner type and a name", map[string]any{"owner_type": ownerType, "name": plural})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.defs[ownerType]
	if !ok {
		byName = make(map[string]Category)
		r.defs[ownerType] = byName
	}
	if c, ok := byName[plural]; ok {
		return c, nil
	}
	c := Category{OwnerType: ownerType, Name: plural, EventType: inflection.Singular(plural)}
	for _, other := range byName {
		if other.EventType == c.EventType {
			return Category{}, errmodel.Validation("duplicate_category",
				fmt.Sprintf("%s and %s both track %q", other.Name, plural, c.EventType), map[string]any{"owner_type": ownerType})
		}
	}
	byName[plural] = c
	return c, nil
}

// Lookup returns the category named name for ownerType.
func (r *Registry) Lookup(ownerType, name string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.defs[ownerType][name]
	return c, ok
}

// Categories returns the categories declared for ownerType, sorted by name.
func (r *Registry) Categories(ownerType string) []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.defs[ownerType]))
	for _, c := range r.defs[ownerType] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
