package zenos

import "errors"

// Failure kinds surfaced by the kernel API. A failed call leaves kernel
// state unchanged.
var (
	// ErrInvalidPid is returned when a pid is out of range or names a free slot.
	ErrInvalidPid = errors.New("zenos: invalid pid")

	// ErrInvalidPriority is returned when a priority level is out of range.
	ErrInvalidPriority = errors.New("zenos: priority out of range")

	// ErrPriorityInUse is returned when the requested priority slot is occupied.
	ErrPriorityInUse = errors.New("zenos: priority slot occupied")

	// ErrTableFull is returned by AddTask when no task slot is free.
	ErrTableFull = errors.New("zenos: task table full")

	// ErrStackTooSmall is returned by AddTask when the supplied stack is
	// shorter than MinStackSize.
	ErrStackTooSmall = errors.New("zenos: stack too small")

	// ErrIdleTask is returned when an operation would remove, suspend or
	// re-prioritize the kernel-owned idle task.
	ErrIdleTask = errors.New("zenos: operation not permitted on the idle task")

	// ErrSemOverflow is returned by Signal when the count is saturated at 255.
	ErrSemOverflow = errors.New("zenos: semaphore count saturated")
)

// errTaskKilled unwinds a task goroutine whose slot was removed. It never
// escapes the trampoline.
var errTaskKilled = errors.New("zenos: task killed")
