package uow

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oagudo/uow/pkg/logger"
)

// ResourceFactory creates the Resource pushed by Stack.Begin.
type ResourceFactory func() Resource

type stackEntry struct {
	resource  Resource
	startedAt time.Time
	finishing bool // guarded by Stack.mu
}

// Stack holds the open units of work of one call chain, most recent last.
// Goroutines sharing a context share its Stack; the Runner binds each of them to its own
// unit of work through the context, so Stack.Current and Stack.Finish are only meaningful
// for a single goroutine.
type Stack struct {
	id      uuid.UUID
	factory ResourceFactory
	log     logger.Logger

	// called when the depth changes from 0 to 1 and from 1 to 0
	onActive func(s *Stack, active bool)

	mu      sync.Mutex
	entries []*stackEntry
}

// NewStack creates an empty Stack whose units of work are created by factory.
func NewStack(factory ResourceFactory, log logger.Logger) *Stack {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Stack{
		id:      uuid.New(),
		factory: factory,
		log:     log,
	}
}

// ID identifies the stack in diagnostics.
func (s *Stack) ID() uuid.UUID {
	return s.id
}

// Depth returns the number of open units of work.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Begin creates a new unit of work and makes it the current one.
func (s *Stack) Begin() Resource {
	return s.begin().resource
}

func (s *Stack) begin() *stackEntry {
	e := &stackEntry{resource: s.factory(), startedAt: time.Now()}

	s.mu.Lock()
	if len(s.entries) > 0 && DiagnosticsEnabled() {
		s.log.Warn("Previous unit of work still open",
			"stack_id", s.id,
			"depth", len(s.entries),
			"creation_details", s.entries[len(s.entries)-1].resource.CreationDetails(),
		)
	}
	s.entries = append(s.entries, e)
	activated := len(s.entries) == 1
	s.mu.Unlock()

	if activated && s.onActive != nil {
		s.onActive(s, true)
	}
	return e
}

// Current returns the most recently begun unit of work that has not finished.
func (s *Stack) Current() (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, ErrNoUnitOfWork
	}
	return s.entries[len(s.entries)-1].resource, nil
}

// Finish commits or rolls back the current unit of work, removes it from the stack and closes it.
// Close runs even if commit or rollback failed; in that case the commit or rollback error
// is returned.
func (s *Stack) Finish(commit bool) error {
	s.mu.Lock()
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return ErrNoUnitOfWork
	}
	top := s.entries[len(s.entries)-1]
	s.mu.Unlock()

	return s.finish(top, commit)
}

// finish is Finish for the unit of work e, wherever it sits in the stack.
// It returns ErrNoUnitOfWork if e is not open.
func (s *Stack) finish(e *stackEntry, commit bool) error {
	s.mu.Lock()
	if e.finishing || !slices.Contains(s.entries, e) {
		s.mu.Unlock()
		return ErrNoUnitOfWork
	}
	e.finishing = true
	s.mu.Unlock()

	var finishErr error
	if commit {
		finishErr = e.resource.Commit()
	} else {
		finishErr = e.resource.Rollback()
	}

	s.mu.Lock()
	if i := slices.Index(s.entries, e); i >= 0 {
		s.entries = slices.Delete(s.entries, i, i+1)
	}
	deactivated := len(s.entries) == 0
	s.mu.Unlock()

	if deactivated && s.onActive != nil {
		s.onActive(s, false)
	}

	if err := e.resource.Close(); err != nil && finishErr == nil {
		finishErr = err
	}
	return finishErr
}

func (s *Stack) openUnitsOfWork() []OpenUnitOfWork {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make([]OpenUnitOfWork, 0, len(s.entries))
	for i, e := range s.entries {
		open = append(open, OpenUnitOfWork{
			StackID:         s.id,
			Depth:           i + 1,
			StartedAt:       e.startedAt,
			CreationDetails: e.resource.CreationDetails(),
		})
	}
	return open
}
