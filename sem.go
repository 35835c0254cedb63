package zenos

import (
	"sync/atomic"

	"github.com/armon/go-metrics"
)

// Semaphore is a counting semaphore with an 8-bit count and a wait list
// sized to the task table. Wait and Signal may be called from any task;
// mutation of the internals is serialized by the interrupt mask.
//
// Signal wakes every waiter when tokens become available; the first to be
// rescheduled consumes the token and the rest re-block on their next pass.
// The token itself is granted inside the critical section (the count is
// bumped before any waiter wakes), so two wakees can never double-consume
// one signal.
type Semaphore struct {
	k       *Kernel
	count   uint8
	waitSet uint32 // bitmap of blocked pids
}

// NewSemaphore returns a semaphore with the given initial count and an
// empty wait list.
func (k *Kernel) NewSemaphore(initial uint8) *Semaphore {
	return &Semaphore{k: k, count: initial}
}

// Init resets the count and clears the wait list.
func (s *Semaphore) Init(count uint8) {
	flags := s.k.port.irqSaveDisable()
	s.count = count
	s.waitSet = 0
	s.k.port.irqRestore(flags)
}

// Wait decrements the count, blocking the calling task while the count is
// zero. Must be called from task context.
func (s *Semaphore) Wait() {
	k := s.k
	flags := k.port.irqSaveDisable()
	for s.count == 0 {
		pid := int(atomic.LoadUint32(&k.current))
		s.waitSet |= 1 << uint(pid)
		k.tasks[pid].semBlocked = true
		metrics.IncrCounter([]string{"zenos", "sem", "block"}, 1)
		k.port.irqRestore(flags)
		k.schedule()
		flags = k.port.irqSaveDisable()
	}
	s.count--
	k.port.irqRestore(flags)
}

// Signal increments the count, waking all waiters, and yields so a freshly
// unblocked higher-priority task preempts the caller. Fails once the count
// is saturated at 255, leaving the count unchanged.
func (s *Semaphore) Signal() error {
	k := s.k
	flags := k.port.irqSaveDisable()
	if s.count == 255 {
		k.port.irqRestore(flags)
		return ErrSemOverflow
	}
	s.count++
	woke := false
	if s.waitSet != 0 {
		for pid := 0; pid < NumTasks; pid++ {
			if s.waitSet&(1<<uint(pid)) != 0 {
				k.tasks[pid].semBlocked = false
				woke = true
			}
		}
		s.waitSet = 0
	}
	k.port.irqRestore(flags)
	if woke {
		k.schedule()
	}
	return nil
}
