package uow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrConcurrencyConflict is wrapped by units of work whose changes
	// conflict with changes made concurrently by someone else.
	ErrConcurrencyConflict = errors.New("uow: concurrency conflict")

	// ErrNilUnitOfWork is returned when enlisting a nil unit of work.
	ErrNilUnitOfWork = errors.New("uow: nil unit of work")
)

// IsConcurrencyConflict reports whether err is or wraps ErrConcurrencyConflict.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// UnitOfWork is a set of pending changes.
type UnitOfWork interface {
	// RequiresFlush reports whether there are changes to write.
	RequiresFlush() bool
	// Flush writes all pending changes.
	Flush(ctx context.Context) error
}

type defaultResource struct{}

// Controller collects units of work and flushes them as a whole.
// It is safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	gen *generation
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{gen: newGeneration()}
}

// Enlist registers u under resourceID. A nil resourceID selects the default
// group. Enlisting the same unit twice in one group has no effect; units are
// the same when they are equal comparable values, so units of
// non-comparable types are never merged. resourceID must be comparable.
func (c *Controller) Enlist(_ context.Context, u UnitOfWork, resourceID any) error {
	if u == nil {
		return ErrNilUnitOfWork
	}
	if resourceID == nil {
		resourceID = defaultResource{}
	}
	if !reflect.ValueOf(resourceID).Comparable() {
		return fmt.Errorf("uow: resource id of type %T is not comparable", resourceID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.add(resourceID, u)
	return nil
}

// RequiresFlush reports whether any enlisted unit has pending changes.
func (c *Controller) RequiresFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, units := range c.gen.groups {
		for _, u := range units {
			if u.RequiresFlush() {
				return true
			}
		}
	}
	return false
}

// Flush flushes every enlisted unit that requires it.
//
// The set of enlisted units is swapped for an empty one before flushing, so
// units enlisted while a flush is running end up in the next generation,
// which is flushed once the current one succeeded.
func (c *Controller) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		gen := c.gen
		c.gen = newGeneration()
		c.mu.Unlock()

		if gen.empty() {
			return nil
		}
		if err := gen.flush(ctx); err != nil {
			return err
		}
	}
}

type generation struct {
	order  []any
	groups map[any][]UnitOfWork
}

func newGeneration() *generation {
	return &generation{groups: make(map[any][]UnitOfWork)}
}

func (g *generation) empty() bool {
	return len(g.order) == 0
}

func (g *generation) add(resourceID any, u UnitOfWork) {
	units, ok := g.groups[resourceID]
	if !ok {
		g.order = append(g.order, resourceID)
	}
	for _, enlisted := range units {
		if sameUnit(enlisted, u) {
			return
		}
	}
	g.groups[resourceID] = append(units, u)
}

func sameUnit(a, b UnitOfWork) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.ValueOf(a).Comparable() && reflect.ValueOf(b).Comparable() && a == b
}

func (g *generation) flush(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, id := range g.order {
		units := g.groups[id]
		eg.Go(func() error {
			for _, u := range units {
				if !u.RequiresFlush() {
					continue
				}
				if err := u.Flush(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// Immediate flushes units as soon as they are enlisted. It is used where no
// operation is active to collect the changes.
type Immediate struct{}

// Enlist flushes u if it requires it.
func (Immediate) Enlist(ctx context.Context, u UnitOfWork, _ any) error {
	if u == nil {
		return ErrNilUnitOfWork
	}
	if !u.RequiresFlush() {
		return nil
	}
	return u.Flush(ctx)
}

// RequiresFlush always returns false.
func (Immediate) RequiresFlush() bool { return false }

// Flush is a no-op.
func (Immediate) Flush(context.Context) error { return nil }
