package uow

import (
	"errors"
	"sync"
)

// Resource participates in a unit of work. A Resource is finished by calling either Commit or
// Rollback, and must then be closed exactly once.
type Resource interface {
	Commit() error
	Rollback() error
	Close() error
	// CreationDetails describes where the resource was created. Details are only captured
	// while diagnostics are enabled.
	CreationDetails() string
}

// Composite is a Resource that broadcasts Commit, Rollback and Close to its members
// in the order they were added.
//
// Every member is always visited, even after an earlier member failed. When several members
// fail only the last failure is returned.
type Composite struct {
	mu       sync.Mutex
	members  []Resource
	creation creationStack
}

// NewComposite creates an empty Composite.
func NewComposite() *Composite {
	return &Composite{creation: captureCreationStack()}
}

// Add appends r to the members of c.
func (c *Composite) Add(r Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = append(c.members, r)
}

// Len returns the number of members.
func (c *Composite) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *Composite) Commit() error {
	return c.broadcast(Resource.Commit, "committing transaction failed", false)
}

func (c *Composite) Rollback() error {
	return c.broadcast(Resource.Rollback, "rolling back transaction failed", false)
}

// Close closes every member and empties c.
func (c *Composite) Close() error {
	return c.broadcast(Resource.Close, "closing transaction failed", true)
}

func (c *Composite) CreationDetails() string {
	return c.creation.String()
}

func (c *Composite) broadcast(op func(Resource) error, failure string, clear bool) error {
	c.mu.Lock()
	members := c.members
	if clear {
		c.members = nil
	}
	c.mu.Unlock()

	var lastErr error
	for _, m := range members {
		if err := op(m); err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		return nil
	}

	var dataAccessErr *DataAccessError
	if errors.As(lastErr, &dataAccessErr) {
		return lastErr
	}
	return newDataAccessError(lastErr, "%s", failure)
}
