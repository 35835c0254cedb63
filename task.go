package zenos

import (
	"sync/atomic"

	"github.com/armon/go-metrics"
)

// tcb is a task control block, one per slot in the fixed task table. A
// task is runnable iff it is in use, not suspended, not blocked on a
// semaphore, and either not delayed or past its wake timestamp.
type tcb struct {
	name     [NameSize]byte
	stack    []byte
	stackTop int    // saved stack pointer while the task is not running
	wakeAt   uint64 // tick at which a delayed task becomes runnable
	gen      uint32 // bumped on removal so a parked goroutine can detect it

	// gate carries the single CPU grant that resumes this task's goroutine.
	gate chan struct{}

	inUse      bool
	delayed    bool
	suspended  bool
	semBlocked bool
}

// AddTask allocates the first free task slot, lays the boot image into the
// caller-owned stack and binds the priority level. The task first runs
// when the scheduler selects it; creation itself does not reschedule.
// The stack buffer must stay untouched by the caller for the task's
// lifetime.
func (k *Kernel) AddTask(entry func(), stack []byte, priority int, name string) (int, error) {
	if priority < 0 || priority >= NumTasks {
		return -1, ErrInvalidPriority
	}
	if len(stack) < MinStackSize {
		return -1, ErrStackTooSmall
	}

	flags := k.port.irqSaveDisable()
	pid := -1
	for i := range k.tasks {
		if !k.tasks[i].inUse {
			pid = i
			break
		}
	}
	if pid < 0 {
		k.port.irqRestore(flags)
		return -1, ErrTableFull
	}
	if k.priority[priority] != noTask {
		k.port.irqRestore(flags)
		return -1, ErrPriorityInUse
	}

	t := &k.tasks[pid]
	t.inUse = true
	t.delayed, t.suspended, t.semBlocked = false, false, false
	// A fresh gate per incarnation: the previous occupant's goroutine may
	// not have drained a pending kill grant from the old channel yet.
	t.gate = make(chan struct{}, 1)
	copyName(&t.name, name)
	t.stack = stack
	t.stackTop = buildBootImage(stack, entryVector(pid))
	k.priority[priority] = uint8(pid)

	gen := atomic.LoadUint32(&t.gen)
	k.wg.Add(1)
	go k.trampoline(t, gen, entry)
	k.port.irqRestore(flags)

	k.log.Debug("task added", "pid", pid, "priority", priority, "name", name)
	metrics.IncrCounter([]string{"zenos", "task", "add"}, 1)
	return pid, nil
}

// trampoline hosts a task's goroutine. It parks until the first selection
// pops the boot image into the entry function, and catches the terminator
// when entry returns.
func (k *Kernel) trampoline(t *tcb, gen uint32, entry func()) {
	defer k.wg.Done()
	defer func() {
		if r := recover(); r != nil && r != errTaskKilled {
			panic(r)
		}
	}()
	k.park(t, gen)
	entry()
	k.terminate()
}

// terminate is the terminator the boot image plants beneath the entry
// return address. It never returns.
func (k *Kernel) terminate() {
	k.RemoveTask(k.CurrentPid())
	panic(errTaskKilled)
}

// RemoveTask frees a task slot and releases its priority level, then
// yields. Removing the current task does not return. Stale pids (slots
// already free) are rejected so a recycled slot cannot be torn down by an
// old handle.
func (k *Kernel) RemoveTask(pid int) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	if pid == k.idlePid {
		return ErrIdleTask
	}

	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	self := pid == int(atomic.LoadUint32(&k.current))
	t.inUse = false
	t.delayed, t.suspended, t.semBlocked = false, false, false
	atomic.AddUint32(&t.gen, 1)
	for slot := range k.priority {
		if k.priority[slot] == uint8(pid) {
			k.priority[slot] = noTask
		}
	}
	if !self {
		// Unwind the parked victim; it observes the generation bump and exits.
		select {
		case t.gate <- struct{}{}:
		default:
		}
	}
	k.port.irqRestore(flags)

	k.log.Debug("task removed", "pid", pid)
	metrics.IncrCounter([]string{"zenos", "task", "remove"}, 1)
	k.schedule()
	return nil
}

// CurrentPid returns the running task's pid.
func (k *Kernel) CurrentPid() int {
	return int(atomic.LoadUint32(&k.current))
}

// Delay marks a task delayed until the current tick plus ticks. Delaying
// the current task suspends the caller until the delay expires; the
// delayed flag is cleared only by the scheduler, at selection time.
func (k *Kernel) Delay(pid int, ticks uint64) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	t.wakeAt = atomic.LoadUint64(&k.systemTicks) + ticks
	t.delayed = true
	k.port.irqRestore(flags)
	k.schedule()
	return nil
}

// CancelDelay clears a task's delay, making it immediately runnable, and
// yields so a higher-priority wakee preempts.
func (k *Kernel) CancelDelay(pid int) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	t.delayed = false
	k.port.irqRestore(flags)
	k.schedule()
	return nil
}

// SuspendTask pauses a task until ResumeTask. Suspending the current task
// suspends the caller. The idle task cannot be suspended; it is what keeps
// selection terminating.
func (k *Kernel) SuspendTask(pid int) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	if pid == k.idlePid {
		return ErrIdleTask
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	t.suspended = true
	k.port.irqRestore(flags)
	k.schedule()
	return nil
}

// ResumeTask clears a task's suspension and yields so the wakee preempts
// if it outranks the caller. Resuming a task that is not suspended is a
// no-op.
func (k *Kernel) ResumeTask(pid int) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	t.suspended = false
	k.port.irqRestore(flags)
	k.schedule()
	return nil
}

// SetTaskName replaces a task's label, truncating to NameSize-1 bytes.
func (k *Kernel) SetTaskName(pid int, name string) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	copyName(&t.name, name)
	k.port.irqRestore(flags)
	return nil
}

// TaskName returns a task's label.
func (k *Kernel) TaskName(pid int) (string, error) {
	if pid < 0 || pid >= NumTasks {
		return "", ErrInvalidPid
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return "", ErrInvalidPid
	}
	name := nameString(&t.name)
	k.port.irqRestore(flags)
	return name, nil
}

// SetTaskPriority moves a task to another priority level. The move fails
// if the target slot is occupied by another task; moving a task onto its
// own level is a no-op. Yields so a re-ranked task takes effect at once.
func (k *Kernel) SetTaskPriority(pid, priority int) error {
	if pid < 0 || pid >= NumTasks {
		return ErrInvalidPid
	}
	if priority < 0 || priority >= NumTasks {
		return ErrInvalidPriority
	}
	if pid == k.idlePid {
		return ErrIdleTask
	}
	flags := k.port.irqSaveDisable()
	t := &k.tasks[pid]
	if !t.inUse {
		k.port.irqRestore(flags)
		return ErrInvalidPid
	}
	if k.priority[priority] == uint8(pid) {
		k.port.irqRestore(flags)
		return nil
	}
	if k.priority[priority] != noTask {
		k.port.irqRestore(flags)
		return ErrPriorityInUse
	}
	for slot := range k.priority {
		if k.priority[slot] == uint8(pid) {
			k.priority[slot] = noTask
		}
	}
	k.priority[priority] = uint8(pid)
	k.port.irqRestore(flags)
	k.schedule()
	return nil
}

// TaskPriority returns a task's priority level via a linear scan of the
// priority table.
func (k *Kernel) TaskPriority(pid int) (int, error) {
	if pid < 0 || pid >= NumTasks {
		return -1, ErrInvalidPid
	}
	flags := k.port.irqSaveDisable()
	for slot := range k.priority {
		if k.priority[slot] == uint8(pid) {
			k.port.irqRestore(flags)
			return slot, nil
		}
	}
	k.port.irqRestore(flags)
	return -1, ErrInvalidPid
}

// copyName copies at most NameSize-1 bytes of src and always terminates.
func copyName(dst *[NameSize]byte, src string) {
	n := copy(dst[:NameSize-1], src)
	for i := n; i < NameSize; i++ {
		dst[i] = 0
	}
}

func nameString(name *[NameSize]byte) string {
	for i, b := range name {
		if b == 0 {
			return string(name[:i])
		}
	}
	return string(name[:NameSize-1])
}
