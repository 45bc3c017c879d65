package uow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oagudo/uow/pkg/logger"
)

// Runner runs callbacks inside units of work.
//
// The units of work are stored in the context handed to the callbacks, under keys that belong
// to the Runner. Every unit of work is bound to the context its callback receives, so goroutines
// fanned out from one context each join or finish only their own unit of work. Contexts that do
// not descend from one another never share a stack.
type Runner struct {
	registry *Registry
	factory  ResourceFactory
	log      logger.Logger

	stacks sync.Map // uuid.UUID -> *Stack with at least one open unit of work
}

// RunnerOption is a function that configures a Runner instance.
type RunnerOption func(*Runner)

// WithRegistry sets the registry used to resolve data source names.
// Default is DefaultRegistry.
func WithRegistry(registry *Registry) RunnerOption {
	return func(r *Runner) {
		r.registry = registry
	}
}

// WithResourceFactory replaces the factory creating the Resource of every unit of work.
// Default creates a *Transaction on the runner's registry.
func WithResourceFactory(factory ResourceFactory) RunnerOption {
	return func(r *Runner) {
		r.factory = factory
	}
}

// WithLogger sets the logger. Default is the logger found in the context.
func WithLogger(l logger.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = l
	}
}

// NewRunner creates a new Runner with the given options.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{registry: DefaultRegistry}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		registry := r.registry
		r.factory = func() Resource {
			return NewTransaction(registry)
		}
	}
	return r
}

type stackKey struct {
	runner *Runner
}

type frameKey struct {
	runner *Runner
}

// frame binds a unit of work to the context returned by the Begin that created it.
// Frames are immutable apart from done, so contexts derived from one another form a chain
// of units of work that goroutines sharing an ancestor context never mix up.
type frame struct {
	stack  *Stack
	entry  *stackEntry
	parent *frame
	done   atomic.Bool
}

// stack returns the stack stored in ctx for r, creating and storing one if there is none.
func (r *Runner) stack(ctx context.Context) (context.Context, *Stack) {
	if s, ok := ctx.Value(stackKey{runner: r}).(*Stack); ok {
		return ctx, s
	}
	s := NewStack(r.factory, r.logger(ctx))
	s.onActive = r.track
	return context.WithValue(ctx, stackKey{runner: r}, s), s
}

func (r *Runner) track(s *Stack, active bool) {
	if active {
		r.stacks.Store(s.ID(), s)
	} else {
		r.stacks.Delete(s.ID())
	}
}

// current returns the innermost unfinished unit of work bound to ctx.
func (r *Runner) current(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{runner: r}).(*frame)
	for f != nil && f.done.Load() {
		f = f.parent
	}
	return f
}

func (r *Runner) begin(ctx context.Context) (context.Context, *frame) {
	ctx, s := r.stack(ctx)
	f := &frame{stack: s, parent: r.current(ctx)}
	f.entry = s.begin()
	return context.WithValue(ctx, frameKey{runner: r}, f), f
}

func (r *Runner) finish(f *frame, commit bool) error {
	if !f.done.CompareAndSwap(false, true) {
		return ErrNoUnitOfWork
	}
	return f.stack.finish(f.entry, commit)
}

// Begin starts a new unit of work and returns the context carrying it.
// The unit of work must be finished with Finish using the returned context.
func (r *Runner) Begin(ctx context.Context) (context.Context, Resource) {
	ctx, f := r.begin(ctx)
	return ctx, f.entry.resource
}

// Current returns the current unit of work of ctx.
func (r *Runner) Current(ctx context.Context) (Resource, error) {
	f := r.current(ctx)
	if f == nil {
		return nil, ErrNoUnitOfWork
	}
	return f.entry.resource, nil
}

// Finish commits (or rolls back) and closes the current unit of work of ctx.
// Units of work begun concurrently from the same parent context are left untouched.
func (r *Runner) Finish(ctx context.Context, commit bool) error {
	f := r.current(ctx)
	if f == nil {
		return ErrNoUnitOfWork
	}
	return r.finish(f, commit)
}

// Transaction returns the current unit of work of ctx as a *Transaction.
func (r *Runner) Transaction(ctx context.Context) (*Transaction, error) {
	current, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := current.(*Transaction)
	if !ok {
		return nil, fmt.Errorf("current unit of work is a %T, not a *Transaction", current)
	}
	return t, nil
}

// Conn returns the connection to the named data source within the current unit of work of ctx.
func (r *Runner) Conn(ctx context.Context, name string) (*Conn, error) {
	t, err := r.Transaction(ctx)
	if err != nil {
		return nil, err
	}
	return t.Conn(ctx, name)
}

type propagation int

const (
	propagationRequired propagation = iota
	propagationNew
	propagationReadOnly
)

// Required runs fn inside the current unit of work of ctx. If there is none, a new unit of work
// is begun, committed when fn returns nil and rolled back otherwise.
//
// Errors returned by fn are converted to *DataAccessError unless they already are one.
func (r *Runner) Required(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, propagationRequired, fn)
}

// New runs fn inside a new unit of work, even if ctx already has one. The new unit of work is
// committed when fn returns nil and rolled back otherwise.
func (r *Runner) New(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, propagationNew, fn)
}

// ReadOnly runs fn inside a new unit of work that is always rolled back.
func (r *Runner) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, propagationReadOnly, fn)
}

func (r *Runner) run(ctx context.Context, p propagation, fn func(ctx context.Context) error) error {
	if p == propagationRequired && r.current(ctx) != nil {
		return normalizeError(fn(ctx))
	}

	ctx, f := r.begin(ctx)

	var finished bool
	defer func() {
		// fn panicked: roll back and let the panic continue
		if !finished {
			if err := r.finish(f, false); err != nil {
				r.logger(ctx).Error("Failed to finish unit of work after panic", "stack_id", f.stack.ID(), "err", err)
			}
		}
	}()

	fnErr := fn(ctx)
	finished = true

	commit := fnErr == nil && p != propagationReadOnly
	finishErr := r.finish(f, commit)

	if fnErr != nil {
		if finishErr != nil {
			r.logger(ctx).Error("Failed to roll back unit of work", "stack_id", f.stack.ID(), "err", finishErr)
		}
		return normalizeError(fnErr)
	}
	return normalizeError(finishErr)
}

// RequiredWithResult is Required for callbacks returning a value.
// The zero value is returned on failure.
func RequiredWithResult[T any](ctx context.Context, r *Runner, fn func(ctx context.Context) (T, error)) (T, error) {
	return runWithResult(ctx, r, propagationRequired, fn)
}

// NewWithResult is New for callbacks returning a value.
// The zero value is returned on failure.
func NewWithResult[T any](ctx context.Context, r *Runner, fn func(ctx context.Context) (T, error)) (T, error) {
	return runWithResult(ctx, r, propagationNew, fn)
}

// ReadOnlyWithResult is ReadOnly for callbacks returning a value.
// The zero value is returned on failure.
func ReadOnlyWithResult[T any](ctx context.Context, r *Runner, fn func(ctx context.Context) (T, error)) (T, error) {
	return runWithResult(ctx, r, propagationReadOnly, fn)
}

func runWithResult[T any](ctx context.Context, r *Runner, p propagation, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.run(ctx, p, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
