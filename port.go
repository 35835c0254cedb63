package zenos

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// The host platform port. On the original hardware the pieces below are a
// handful of register accesses and inline assembly; on a host the CPU
// context is an execution coroutine plus a virtual stack, so the port
// simulates the register file against caller-owned stack buffers and uses
// a mutex as the global interrupt mask.
//
// The mask is not nestable on the host (a second irqSaveDisable from the
// same goroutine deadlocks); the kernel never nests it. A hardware port
// restores nesting for free via the saved flags register.

const (
	// contextFrameSize is the byte size of one saved register frame:
	// r0, the status register, and r1..r31.
	contextFrameSize = 33

	// bootImageSize is the stack footprint of a freshly created task: the
	// terminator and entry vectors plus one context frame. The vectors stay
	// resident beneath the frame for the task's lifetime.
	bootImageSize = contextFrameSize + 4

	// sregIntEnabled is the interrupt-enable bit of the simulated status
	// register. Boot images carry it so tasks start with interrupts enabled.
	sregIntEnabled uint8 = 0x80

	// termVector is the virtual address of the terminator, planted beneath
	// every entry vector so a returning task lands in task removal.
	termVector uint16 = 0xfffe
)

// entryVector maps a task slot to the virtual address its boot image jumps to.
func entryVector(pid int) uint16 {
	return 0x0100 | uint16(pid)
}

type hostPort struct {
	mu   sync.Mutex // the global interrupt mask
	sreg uint8

	sp    int    // stack pointer register pair
	stack []byte // memory segment the stack pointer indexes

	clk           clock.Clock
	ticker        *clock.Ticker
	intr          chan struct{} // interrupt line for the idle task's low-power wait
	done          chan struct{}
	tickerStopped chan struct{}
	stopOnce      sync.Once
}

func newHostPort(clk clock.Clock) *hostPort {
	return &hostPort{
		sreg: sregIntEnabled,
		clk:  clk,
		intr: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// irqSaveDisable saves the interrupt-enable state and disables interrupts.
// The returned flags byte must be handed back to irqRestore.
func (p *hostPort) irqSaveDisable() uint8 {
	p.mu.Lock()
	flags := p.sreg
	p.sreg &^= sregIntEnabled
	return flags
}

// irqRestore restores exactly the interrupt-enable state saved by the
// matching irqSaveDisable.
func (p *hostPort) irqRestore(flags uint8) {
	p.sreg = flags
	p.mu.Unlock()
}

func (p *hostPort) spRead() int   { return p.sp }
func (p *hostPort) spWrite(v int) { p.sp = v }

func (p *hostPort) setStackSegment(stack []byte) { p.stack = stack }

// saveContext pushes one register frame onto the current stack. Must run
// with interrupts disabled.
func (p *hostPort) saveContext() {
	if p.sp < contextFrameSize-1 {
		panic("zenos: stack overflow")
	}
	p.push(0) // r0
	p.push(p.sreg)
	for i := 0; i < 31; i++ { // r1..r31
		p.push(0)
	}
}

// restoreContext pops the frame pushed by saveContext. Save followed by
// restore leaves the stack pointer where it started.
func (p *hostPort) restoreContext() {
	p.sp += contextFrameSize
}

func (p *hostPort) push(b byte) {
	p.stack[p.sp] = b
	p.sp--
}

// buildBootImage lays a fresh task's initial stack image into its buffer
// and returns the task's starting stack pointer. The terminator vector
// sits beneath the entry vector so that a returning entry function lands
// in task removal; the initial status register has interrupts enabled.
func buildBootImage(stack []byte, entry uint16) int {
	p := hostPort{stack: stack, sp: len(stack) - 1}
	term := termVector
	p.push(byte(term))
	p.push(byte(term >> 8))
	p.push(byte(entry))
	p.push(byte(entry >> 8))
	p.push(0) // r0
	p.push(sregIntEnabled)
	p.sp -= 31 // r1..r31
	return p.sp
}

// tickSourceStart arms the periodic tick interrupt. onTick runs on the
// timer goroutine, the host's interrupt context.
func (p *hostPort) tickSourceStart(period time.Duration, onTick func()) {
	p.ticker = p.clk.Ticker(period)
	p.tickerStopped = make(chan struct{})
	go func() {
		defer close(p.tickerStopped)
		for {
			select {
			case <-p.done:
				return
			case <-p.ticker.C:
				onTick()
			}
		}
	}()
}

// raiseInterrupt pulses the interrupt line the idle task sleeps on.
func (p *hostPort) raiseInterrupt() {
	select {
	case p.intr <- struct{}{}:
	default:
	}
}

// waitForInterrupt blocks until the next interrupt, the host analogue of
// the sleep instruction the idle task spins on. Returns false once the
// kernel is shutting down.
func (p *hostPort) waitForInterrupt() bool {
	select {
	case <-p.intr:
		return true
	case <-p.done:
		return false
	}
}

// stop halts the tick source and releases anything blocked on the port.
func (p *hostPort) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	if p.ticker != nil {
		p.ticker.Stop()
		<-p.tickerStopped
	}
}
