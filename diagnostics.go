package uow

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oagudo/uow/pkg/logger"
)

const (
	maxCreationFrames     = 10
	creationStackDisabled = "creation stacks are not stored"
)

var diagnostics atomic.Bool

// SetDiagnostics toggles the capture of creation stacks for resources and the warning logged
// when a unit of work begins while another one is still open on the same stack.
// It is a process-wide setting.
func SetDiagnostics(enabled bool) {
	diagnostics.Store(enabled)
}

// DiagnosticsEnabled reports whether creation stacks are being captured.
func DiagnosticsEnabled() bool {
	return diagnostics.Load()
}

// creationStack captures the callers of the function constructing a resource.
// It returns an empty value when diagnostics are disabled.
type creationStack struct {
	frames string
}

func captureCreationStack() creationStack {
	if !DiagnosticsEnabled() {
		return creationStack{}
	}
	pcs := make([]uintptr, maxCreationFrames)
	// skip runtime.Callers, captureCreationStack and the constructor itself
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return creationStack{frames: sb.String()}
}

func (s creationStack) String() string {
	if s.frames == "" {
		return creationStackDisabled
	}
	return s.frames
}

// OpenUnitOfWork describes a unit of work that has begun and not finished yet.
type OpenUnitOfWork struct {
	StackID         uuid.UUID
	Depth           int // 1 for the outermost unit of work of the stack
	StartedAt       time.Time
	CreationDetails string
}

// OpenUnitsOfWork lists the units of work begun through r that are still open,
// grouped by stack and ordered oldest first within a stack.
func (r *Runner) OpenUnitsOfWork() []OpenUnitOfWork {
	var open []OpenUnitOfWork
	r.stacks.Range(func(_, value any) bool {
		open = append(open, value.(*Stack).openUnitsOfWork()...)
		return true
	})
	return open
}

// LogOpenUnitsOfWork logs every open unit of work at info level.
func (r *Runner) LogOpenUnitsOfWork(ctx context.Context) {
	log := r.logger(ctx)
	open := r.OpenUnitsOfWork()
	log.Info("Open units of work (oldest first)", "count", len(open))
	for _, u := range open {
		log.Info("Open unit of work",
			"stack_id", u.StackID,
			"depth", u.Depth,
			"started_at", u.StartedAt,
			"creation_details", u.CreationDetails,
		)
	}
}

func (r *Runner) logger(ctx context.Context) logger.Logger {
	if r.log != nil {
		return r.log
	}
	return logger.FromContext(ctx)
}
