// A small priority-based preemptive multitasking kernel for a host
// simulator: a fixed table of tasks with unique priorities, a periodic
// tick, quantum preemption, tick-counted delays and counting semaphores.
//
// Each task is an execution coroutine gated by the kernel; the platform
// port keeps a virtual stack image per task so the context-switch contract
// stays observable from the outside.

package zenos

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
)

const (
	// NumTasks is the size of the task table, including the init and idle
	// tasks. Priorities share the same range: 0 (highest) to NumTasks-1.
	NumTasks = 8

	// Quantum is the number of ticks between scheduler invocations from the
	// tick handler.
	Quantum = 10

	// NameSize is the bytes reserved per task name, terminator included.
	NameSize = 5

	// IdleStackSize is the size of the kernel-owned idle task stack.
	IdleStackSize = 64

	// MinStackSize is the smallest stack AddTask accepts: the boot image
	// (two vectors plus one context frame), rounded up to the idle stack's
	// size.
	MinStackSize = 64

	// DefaultTickPeriod is the tick interrupt period when Config leaves it zero.
	DefaultTickPeriod = time.Millisecond
)

const (
	// noTask marks an empty priority slot.
	noTask uint8 = 0xff

	initPid      = 0
	initPriority = NumTasks - 2
	idlePriority = NumTasks - 1
)

// Config carries the injectable collaborators. The zero value selects the
// real clock, a named default logger and a 1ms tick.
type Config struct {
	TickPeriod time.Duration
	Clock      clock.Clock
	Logger     hclog.Logger
}

// Kernel owns the task table, the priority map and the time base. All
// mutation of kernel state is serialized through the port's interrupt
// mask.
type Kernel struct {
	port   *hostPort
	log    hclog.Logger
	period time.Duration

	tasks    [NumTasks]tcb
	priority [NumTasks]uint8 // priority slot -> pid

	current      uint32
	systemTicks  uint64
	quantumTicks uint32
	resched      uint32
	stopping     uint32

	idlePid   int
	idleStack [IdleStackSize]byte
	initStack [MinStackSize]byte

	wg sync.WaitGroup
}

// New returns a kernel with every task slot free and every priority slot
// empty. Call Init before anything else.
func New(cfg Config) *Kernel {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.Default().Named("zenos")
	}
	k := &Kernel{
		port:    newHostPort(cfg.Clock),
		log:     cfg.Logger,
		period:  cfg.TickPeriod,
		idlePid: -1,
	}
	for i := range k.tasks {
		k.tasks[i].gate = make(chan struct{}, 1)
		k.priority[i] = noTask
	}
	return k
}

// Init adopts the calling goroutine as the init task at the second-lowest
// priority and creates the kernel-owned idle task beneath it. The caller
// keeps running as a schedulable task; returns its pid.
func (k *Kernel) Init() int {
	flags := k.port.irqSaveDisable()
	t := &k.tasks[initPid]
	t.inUse = true
	t.gate = make(chan struct{}, 1)
	copyName(&t.name, "init")
	t.stack = k.initStack[:]
	t.stackTop = len(k.initStack) - 1
	k.priority[initPriority] = initPid
	atomic.StoreUint32(&k.current, initPid)
	k.port.setStackSegment(t.stack)
	k.port.spWrite(t.stackTop)
	k.port.irqRestore(flags)

	pid, err := k.AddTask(k.idleLoop, k.idleStack[:], idlePriority, "idle")
	if err != nil {
		panic("zenos: idle task creation failed: " + err.Error())
	}
	k.idlePid = pid
	return initPid
}

// StartTicker arms the tick interrupt and with it preemptive scheduling,
// the equivalent of enabling interrupts after boot.
func (k *Kernel) StartTicker() {
	k.port.tickSourceStart(k.period, k.tick)
	k.log.Debug("ticker started", "period", k.period, "quantum", Quantum)
}

// tick is the tick interrupt handler. It runs on the timer goroutine with
// interrupts disabled, advances the time base and requests a reschedule at
// quantum boundaries. It must not block.
func (k *Kernel) tick() {
	flags := k.port.irqSaveDisable()
	ticks := atomic.AddUint64(&k.systemTicks, 1)
	k.quantumTicks++
	if k.quantumTicks >= Quantum {
		k.quantumTicks = 0
		atomic.StoreUint32(&k.resched, 1)
		metrics.IncrCounter([]string{"zenos", "sched", "preempt"}, 1)
	}
	k.port.irqRestore(flags)

	metrics.SetGauge([]string{"zenos", "ticks"}, float32(ticks))
	k.port.raiseInterrupt()
}

// Ticks returns the monotonic tick counter. 64 bits wide, so delay
// timestamps cannot straddle a rollover at any realistic tick rate.
func (k *Kernel) Ticks() uint64 {
	return atomic.LoadUint64(&k.systemTicks)
}

// idleLoop is the body of the kernel-owned idle task: a low-power wait
// between interrupts, yielding whenever the tick handler asks for a
// reschedule. It is always runnable, so selection always terminates.
func (k *Kernel) idleLoop() {
	for {
		if !k.port.waitForInterrupt() {
			panic(errTaskKilled)
		}
		k.Yield()
	}
}

// Shutdown stops the tick source and unwinds every task goroutine except
// the caller's. Call it from the init task once application tasks are
// parked or finished; a second call is a no-op.
func (k *Kernel) Shutdown() {
	if !atomic.CompareAndSwapUint32(&k.stopping, 0, 1) {
		return
	}
	cur := k.CurrentPid()
	flags := k.port.irqSaveDisable()
	for pid := range k.tasks {
		t := &k.tasks[pid]
		if !t.inUse || pid == cur {
			continue
		}
		t.inUse = false
		atomic.AddUint32(&t.gen, 1)
		select {
		case t.gate <- struct{}{}:
		default:
		}
	}
	for slot := range k.priority {
		if k.priority[slot] != uint8(cur) {
			k.priority[slot] = noTask
		}
	}
	k.port.irqRestore(flags)

	k.port.stop()
	k.wg.Wait()
	k.log.Debug("kernel stopped")
}
