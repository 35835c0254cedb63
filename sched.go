package zenos

import (
	"sync/atomic"

	"github.com/armon/go-metrics"
)

// The scheduler is the sole arbiter of what runs next. It is invoked from
// blocking API calls, from any call that may have made a higher-priority
// task runnable, and (indirectly) from the tick handler: the handler
// raises a reschedule request at quantum boundaries and the running task
// completes the switch at its next kernel entry or Yield, the coroutine
// analogue of the instruction boundary a hardware interrupt lands on.
//
// Exactly one task goroutine executes at a time. A task runs only after
// receiving a grant on its gate, and grants are issued only by the
// currently running task inside switchTo, so a grant always targets a
// parked goroutine and the gate's single buffer slot never overflows.

// schedule picks the highest-priority runnable task and switches to it.
// Called with interrupts enabled, on the running task's goroutine.
func (k *Kernel) schedule() {
	flags := k.port.irqSaveDisable()
	atomic.StoreUint32(&k.resched, 0)
	cur := int(atomic.LoadUint32(&k.current))
	next := k.selectNext(cur)
	if next == cur {
		k.port.irqRestore(flags)
		return
	}
	k.switchTo(cur, next, flags)
}

// selectNext scans the priority table from the highest level down. A task
// whose delay has expired is made runnable here; this is the only code
// path that clears the delayed flag on expiry. The idle task keeps the
// scan from falling off the end. Must run with interrupts disabled.
func (k *Kernel) selectNext(cur int) int {
	now := atomic.LoadUint64(&k.systemTicks)
	for slot := 0; slot < NumTasks; slot++ {
		pid := k.priority[slot]
		if pid == noTask {
			continue
		}
		t := &k.tasks[pid]
		if !t.inUse || t.suspended || t.semBlocked {
			continue
		}
		if t.delayed {
			if now < t.wakeAt {
				continue
			}
			t.delayed = false
		}
		return int(pid)
	}
	return cur
}

// switchTo saves the outgoing context, installs the incoming one and
// grants the CPU. Interrupts are disabled on entry and restored on the far
// side of the swap; the caller's goroutine then parks until reselected.
// Does not return if the outgoing task has been removed.
func (k *Kernel) switchTo(cur, next int, flags uint8) {
	curT, nextT := &k.tasks[cur], &k.tasks[next]
	alive := curT.inUse
	if alive {
		k.port.saveContext()
		curT.stackTop = k.port.spRead()
	}
	gen := atomic.LoadUint32(&curT.gen)

	atomic.StoreUint32(&k.current, uint32(next))
	k.port.setStackSegment(nextT.stack)
	k.port.spWrite(nextT.stackTop)
	k.port.restoreContext()

	if k.log.IsTrace() {
		k.log.Trace("context switch", "from", cur, "to", next)
	}
	metrics.IncrCounter([]string{"zenos", "sched", "switch"}, 1)

	nextT.gate <- struct{}{}
	k.port.irqRestore(flags)

	if !alive {
		panic(errTaskKilled)
	}
	k.park(curT, gen)
}

// park blocks the calling task goroutine until it is granted the CPU. A
// generation mismatch after the grant means the slot was removed while the
// task was parked; the goroutine unwinds without touching kernel state.
func (k *Kernel) park(t *tcb, gen uint32) {
	<-t.gate
	if atomic.LoadUint32(&t.gen) != gen {
		panic(errTaskKilled)
	}
}

// Yield is the preemption point. It runs the scheduler if and only if the
// tick handler has requested a reschedule since the last scheduler pass;
// otherwise it returns immediately. The scheduler switches only when a task
// other than the caller wins selection.
func (k *Kernel) Yield() {
	if atomic.LoadUint32(&k.resched) == 1 {
		k.schedule()
	}
}
