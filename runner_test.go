package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/uow/pkg/logger"
)

func newRecordingRunner() (*Runner, *callLog) {
	log := &callLog{}
	return NewRunner(WithResourceFactory(recordingFactory(log)), WithLogger(logger.NewNop())), log
}

func TestRequired(t *testing.T) {
	ctx := context.Background()

	t.Run("runs inside a unit of work", func(t *testing.T) {
		r, log := newRecordingRunner()

		err := r.Required(ctx, func(_ context.Context) error {
			log.add("run")
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, "begin;run;commit;close;", log.String())
	})

	t.Run("nested calls share the outer unit of work", func(t *testing.T) {
		r, log := newRecordingRunner()

		err := r.Required(ctx, func(ctx context.Context) error {
			return r.Required(ctx, func(ctx context.Context) error {
				return r.Required(ctx, func(_ context.Context) error {
					log.add("run")
					return nil
				})
			})
		})

		require.NoError(t, err)
		assert.Equal(t, "begin;run;commit;close;", log.String())
	})

	t.Run("failure rolls back", func(t *testing.T) {
		r, log := newRecordingRunner()
		failure := &DataAccessError{Msg: "boom"}

		err := r.Required(ctx, func(_ context.Context) error {
			log.add("fail")
			return failure
		})

		assert.Same(t, failure, err)
		assert.Equal(t, "begin;fail;rollback;close;", log.String())
	})

	t.Run("nested failure rolls back once", func(t *testing.T) {
		r, log := newRecordingRunner()
		failure := errors.New("boom")

		err := r.Required(ctx, func(ctx context.Context) error {
			return r.Required(ctx, func(_ context.Context) error {
				return failure
			})
		})

		assert.ErrorIs(t, err, failure)
		assert.Equal(t, "begin;rollback;close;", log.String())
	})

	t.Run("returns result", func(t *testing.T) {
		r, log := newRecordingRunner()

		result, err := RequiredWithResult(ctx, r, func(ctx context.Context) (string, error) {
			return RequiredWithResult(ctx, r, func(_ context.Context) (string, error) {
				log.add("run")
				return "test", nil
			})
		})

		require.NoError(t, err)
		assert.Equal(t, "test", result)
		assert.Equal(t, "begin;run;commit;close;", log.String())
	})

	t.Run("returns zero value on failure", func(t *testing.T) {
		r, _ := newRecordingRunner()

		result, err := RequiredWithResult(ctx, r, func(_ context.Context) (int, error) {
			return 42, errors.New("boom")
		})

		assert.Error(t, err)
		assert.Zero(t, result)
	})
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("runs inside a unit of work", func(t *testing.T) {
		r, log := newRecordingRunner()

		err := r.New(ctx, func(_ context.Context) error {
			log.add("run")
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, "begin;run;commit;close;", log.String())
	})

	t.Run("nested calls run inside nested units of work", func(t *testing.T) {
		r, log := newRecordingRunner()

		result, err := NewWithResult(ctx, r, func(ctx context.Context) (string, error) {
			return NewWithResult(ctx, r, func(_ context.Context) (string, error) {
				log.add("run")
				return "test", nil
			})
		})

		require.NoError(t, err)
		assert.Equal(t, "test", result)
		assert.Equal(t, "begin;begin;run;commit;close;commit;close;", log.String())
	})

	t.Run("inside required begins its own unit of work", func(t *testing.T) {
		r, log := newRecordingRunner()

		err := r.Required(ctx, func(ctx context.Context) error {
			return r.New(ctx, func(_ context.Context) error {
				log.add("run")
				return nil
			})
		})

		require.NoError(t, err)
		assert.Equal(t, "begin;begin;run;commit;close;commit;close;", log.String())
	})

	t.Run("failure rolls back", func(t *testing.T) {
		r, log := newRecordingRunner()

		err := r.New(ctx, func(_ context.Context) error {
			log.add("fail")
			return &DataAccessError{Msg: "boom"}
		})

		assert.Error(t, err)
		assert.Equal(t, "begin;fail;rollback;close;", log.String())
	})
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("rolls back on success", func(t *testing.T) {
		r, log := newRecordingRunner()

		result, err := ReadOnlyWithResult(ctx, r, func(_ context.Context) (string, error) {
			log.add("run")
			return "test", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "test", result)
		assert.Equal(t, "begin;run;rollback;close;", log.String())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		r, log := newRecordingRunner()

		err := r.ReadOnly(ctx, func(_ context.Context) error {
			log.add("fail")
			return errors.New("boom")
		})

		assert.Error(t, err)
		assert.Equal(t, "begin;fail;rollback;close;", log.String())
	})
}

type emptyError struct{}

func (emptyError) Error() string { return "" }

func TestErrorNormalization(t *testing.T) {
	ctx := context.Background()
	r, _ := newRecordingRunner()

	t.Run("data access errors are returned unchanged", func(t *testing.T) {
		failure := fmt.Errorf("loading order: %w", &DataAccessError{Msg: "boom"})

		err := r.Required(ctx, func(_ context.Context) error { return failure })

		assert.Same(t, failure, err)
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		failure := errors.New("constraint violated")

		err := r.New(ctx, func(_ context.Context) error { return failure })

		var dataAccessErr *DataAccessError
		require.ErrorAs(t, err, &dataAccessErr)
		assert.Equal(t, "constraint violated", dataAccessErr.Msg)
		assert.Same(t, failure, dataAccessErr.Err)
		assert.Equal(t, "constraint violated", err.Error())
	})

	t.Run("errors without message use their type name", func(t *testing.T) {
		err := r.New(ctx, func(_ context.Context) error { return emptyError{} })

		var dataAccessErr *DataAccessError
		require.ErrorAs(t, err, &dataAccessErr)
		assert.Equal(t, "uow.emptyError", dataAccessErr.Msg)
	})

	t.Run("state errors are wrapped", func(t *testing.T) {
		err := r.New(ctx, func(_ context.Context) error {
			_, err := r.Current(context.Background())
			return err
		})

		assert.ErrorIs(t, err, ErrNoUnitOfWork)
		var dataAccessErr *DataAccessError
		assert.ErrorAs(t, err, &dataAccessErr)
	})
}

func TestFinishFailureIsReturnedAfterSuccess(t *testing.T) {
	commitErr := &DataAccessError{Msg: "commit failed"}
	failing := &fakeResource{commitErr: commitErr}
	r := NewRunner(WithResourceFactory(func() Resource { return failing }), WithLogger(logger.NewNop()))

	err := r.Required(context.Background(), func(_ context.Context) error { return nil })

	assert.Same(t, commitErr, err)
	assert.Equal(t, 1, failing.closes)
}

func TestCallbackFailureWinsOverFinishFailure(t *testing.T) {
	failing := &fakeResource{rollbackErr: errors.New("rollback failed")}
	r := NewRunner(WithResourceFactory(func() Resource { return failing }), WithLogger(logger.NewNop()))
	failure := &DataAccessError{Msg: "boom"}

	err := r.Required(context.Background(), func(_ context.Context) error { return failure })

	assert.Same(t, failure, err)
	assert.Equal(t, 1, failing.closes)
}

func TestPanicRollsBack(t *testing.T) {
	r, log := newRecordingRunner()
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = r.Required(ctx, func(_ context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, "begin;rollback;close;", log.String())
	assert.Empty(t, r.OpenUnitsOfWork())
}

func TestBeginCurrentFinish(t *testing.T) {
	r, log := newRecordingRunner()

	_, err := r.Current(context.Background())
	require.ErrorIs(t, err, ErrNoUnitOfWork)
	require.ErrorIs(t, r.Finish(context.Background(), true), ErrNoUnitOfWork)

	ctx, res := r.Begin(context.Background())
	current, err := r.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, res, current)

	_, err = r.Transaction(ctx)
	assert.Error(t, err, "fake resources are not transactions")

	require.NoError(t, r.Finish(ctx, true))
	_, err = r.Current(ctx)
	assert.ErrorIs(t, err, ErrNoUnitOfWork)
	assert.Equal(t, "begin;commit;close;", log.String())
}

func TestRunnersDoNotShareStacks(t *testing.T) {
	r1, log1 := newRecordingRunner()
	r2, log2 := newRecordingRunner()

	err := r1.Required(context.Background(), func(ctx context.Context) error {
		return r2.Required(ctx, func(_ context.Context) error { return nil })
	})

	require.NoError(t, err)
	assert.Equal(t, "begin;commit;close;", log1.String())
	assert.Equal(t, "begin;commit;close;", log2.String())
}

func TestOpenUnitsOfWork(t *testing.T) {
	r, _ := newRecordingRunner()
	ctx := context.Background()

	err := r.Required(ctx, func(ctx context.Context) error {
		return r.New(ctx, func(_ context.Context) error {
			open := r.OpenUnitsOfWork()
			require.Len(t, open, 2)
			assert.Equal(t, 1, open[0].Depth)
			assert.Equal(t, 2, open[1].Depth)
			assert.Equal(t, open[0].StackID, open[1].StackID)
			assert.Equal(t, "fake ", open[0].CreationDetails)
			r.LogOpenUnitsOfWork(ctx)
			return nil
		})
	})

	require.NoError(t, err)
	assert.Empty(t, r.OpenUnitsOfWork())
}

func TestEachCallChainHasItsOwnStack(t *testing.T) {
	r := NewRunner(WithResourceFactory(func() Resource { return &fakeResource{} }), WithLogger(logger.NewNop()))

	const nrGoroutines = 10
	const nrCycles = 1000

	// every Required cycle begins a fresh unit of work, so a handle seen twice was shared
	var owners sync.Map // Resource -> goroutine id

	var wg sync.WaitGroup
	errs := make(chan error, nrGoroutines)
	for range nrGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()

			for range nrCycles {
				err := r.Required(context.Background(), func(ctx context.Context) error {
					current, err := r.Current(ctx)
					if err != nil {
						return err
					}
					if owner, loaded := owners.LoadOrStore(current, id); loaded {
						return fmt.Errorf("unit of work already used by goroutine %s", owner)
					}
					return r.Required(ctx, func(ctx context.Context) error {
						nested, err := r.Current(ctx)
						if err != nil {
							return err
						}
						if nested != current {
							return errors.New("nested Required did not join the unit of work of its goroutine")
						}
						return nil
					})
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Empty(t, r.OpenUnitsOfWork())
}

func TestGoroutinesSharingAContextFinishTheirOwnUnitOfWork(t *testing.T) {
	var mu sync.Mutex
	var created []*fakeResource
	r := NewRunner(WithResourceFactory(func() Resource {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeResource{name: fmt.Sprint(len(created))}
		created = append(created, f)
		return f
	}), WithLogger(logger.NewNop()))

	err := r.Required(context.Background(), func(ctx context.Context) error {
		outer, err := r.Current(ctx)
		require.NoError(t, err)

		started := make(chan Resource)
		release := make(chan struct{})
		done := make(chan error)
		go func() {
			done <- r.New(ctx, func(ctx context.Context) error {
				own, err := r.Current(ctx)
				if err != nil {
					return err
				}
				started <- own
				<-release
				current, err := r.Current(ctx)
				if err != nil {
					return err
				}
				if current != own {
					return errors.New("current unit of work changed while running")
				}
				return nil
			})
		}()
		other := (<-started).(*fakeResource)

		var own Resource
		err = r.New(ctx, func(ctx context.Context) error {
			own, err = r.Current(ctx)
			return err
		})
		require.NoError(t, err)

		assert.NotSame(t, other, own)
		assert.Equal(t, 1, own.(*fakeResource).commits)
		assert.Equal(t, 0, other.commits, "finishing a sibling committed a running unit of work")
		assert.Equal(t, 0, other.closes)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, 1, other.commits)
		assert.Equal(t, 1, other.closes)

		current, err := r.Current(ctx)
		require.NoError(t, err)
		assert.Same(t, outer, current)
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Empty(t, r.OpenUnitsOfWork())
}

func TestFinishReturnsToEnclosingUnitOfWork(t *testing.T) {
	r, log := newRecordingRunner()

	ctx, _ := r.Begin(context.Background())
	inner, _ := r.Begin(ctx)

	require.NoError(t, r.Finish(inner, true))
	// the enclosing unit of work is current again for the inner context
	require.NoError(t, r.Finish(inner, false))
	assert.ErrorIs(t, r.Finish(ctx, true), ErrNoUnitOfWork)
	assert.Equal(t, "begin;begin;commit;close;rollback;close;", log.String())
}

func TestConcurrentRequiredUnitsOfWorkAreIsolated(t *testing.T) {
	log := &callLog{}
	db := &fakeDataSource{name: "db", log: log}
	r := NewRunner(WithRegistry(newTestRegistry(db)), WithLogger(logger.NewNop()))

	const nrGoroutines = 10
	const nrCycles = 100

	var mu sync.Mutex
	seen := make(map[*Conn]uuid.UUID)

	var wg sync.WaitGroup
	for range nrGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			for range nrCycles {
				err := r.Required(context.Background(), func(ctx context.Context) error {
					c, err := r.Conn(ctx, "db")
					if err != nil {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					if owner, ok := seen[c]; ok && owner != id {
						return errors.New("connection shared between goroutines")
					}
					seen[c] = id
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, db.opened(), nrGoroutines*nrCycles)
	for _, c := range db.opened() {
		assert.Equal(t, 1, c.closed)
	}
}
