package signal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry validates and indexes the signal definitions of one device.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Definition
	nextID int
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Definition{}}
}

// Add validates d against itself and the active set, assigning a model key
// when none was given.
func (r *Registry) Add(d Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSignal, d.Name)
	}
	d = r.assignModel(d)
	if err := r.check(d, ""); err != nil {
		return err
	}
	r.order = append(r.order, d.Name)
	r.byName[d.Name] = d
	return nil
}

// Update replaces an existing definition. The model key is kept when the
// update leaves it empty.
func (r *Registry) Update(d Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byName[d.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, d.Name)
	}
	if d.Model == "" {
		d.Model = cur.Model
	}
	if err := r.check(d, d.Name); err != nil {
		return err
	}
	r.byName[d.Name] = d
	return nil
}

// Remove deactivates a signal. The definition stays in the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	d.Active = false
	r.byName[name] = d
	return nil
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All returns every definition in insertion order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// Active returns the active definitions ordered by CAN id and start bit.
func (r *Registry) Active() []Definition {
	out := r.All()
	n := 0
	for _, d := range out {
		if d.Active {
			out[n] = d
			n++
		}
	}
	out = out[:n]
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CANID != out[j].CANID {
			return out[i].CANID < out[j].CANID
		}
		return out[i].StartBit < out[j].StartBit
	})
	return out
}

// ListByCategory returns the active definitions of one category in
// insertion order.
func (r *Registry) ListByCategory(c Category) []Definition {
	var out []Definition
	for _, d := range r.All() {
		if d.Active && d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

// Load replaces the registry content with defs. Nothing changes when any
// definition is rejected.
func (r *Registry) Load(defs []Definition) error {
	staged := NewRegistry()
	var errs []error
	for _, d := range defs {
		if err := staged.Add(d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = staged.order
	r.byName = staged.byName
	r.nextID = staged.nextID
	return nil
}

// SeedDefaults bulk-loads the canonical signal set of an ECU family.
func (r *Registry) SeedDefaults(family string) error {
	defs, err := DefaultSignals(family)
	if err != nil {
		return err
	}
	return r.Load(defs)
}

func (r *Registry) assignModel(d Definition) Definition {
	if d.Model != "" {
		return d
	}
	for {
		r.nextID++
		key := fmt.Sprintf("signal-%d", r.nextID)
		if !r.modelInUse(key, "") {
			d.Model = key
			return d
		}
	}
}

func (r *Registry) modelInUse(model, except string) bool {
	for name, o := range r.byName {
		if name != except && o.Active && o.Model == model {
			return true
		}
	}
	return false
}

// check validates d and, if active, its fit with the other active signals.
// except names the entry being replaced.
func (r *Registry) check(d Definition, except string) error {
	if err := Validate(d); err != nil {
		return err
	}
	if !d.Active {
		return nil
	}
	if r.modelInUse(d.Model, except) {
		return fmt.Errorf("%w: %s (signal %s)", ErrDuplicateModel, d.Model, d.Name)
	}
	for _, n := range r.order {
		o := r.byName[n]
		if n == except || !o.Active {
			continue
		}
		if d.Overlaps(o) {
			return overlapError(d, o)
		}
	}
	return nil
}
