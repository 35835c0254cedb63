package zenos

import (
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestKernel binds the test goroutine as the init task. Cleanup runs on
// the test goroutine, which is the running task by construction.
func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := New(Config{Logger: hclog.NewNullLogger()})
	k.Init()
	t.Cleanup(k.Shutdown)
	return k
}

func taskStack() []byte {
	return make([]byte, 256)
}

// forever parks a task for the lifetime of the test.
func forever(k *Kernel) func() {
	return func() {
		k.Delay(k.CurrentPid(), 1<<40)
	}
}

func TestInitLaysOutBootTasks(t *testing.T) {
	k := newTestKernel(t)

	require.Equal(t, initPid, k.CurrentPid())

	name, err := k.TaskName(initPid)
	require.NoError(t, err)
	assert.Equal(t, "init", name)

	prio, err := k.TaskPriority(initPid)
	require.NoError(t, err)
	assert.Equal(t, initPriority, prio)

	name, err = k.TaskName(k.idlePid)
	require.NoError(t, err)
	assert.Equal(t, "idle", name)

	prio, err = k.TaskPriority(k.idlePid)
	require.NoError(t, err)
	assert.Equal(t, idlePriority, prio)
}

// Strict priority: while a higher-priority task spins, a lower-priority
// one never runs; when the spinner sleeps, the lower one gets the CPU and
// is preempted again on wake.
func TestStrictPriorityPreemption(t *testing.T) {
	k := newTestKernel(t)

	var (
		aCount, bCount      uint64
		bFirstRun           uint64
		bCountAtSleep       uint64
		bCountDuringSleep   uint64
		sleepTick, wakeTick uint64
	)

	_, err := k.AddTask(func() {
		for k.Ticks() < 100 {
			atomic.AddUint64(&aCount, 1)
			k.Yield()
		}
		atomic.StoreUint64(&bCountAtSleep, atomic.LoadUint64(&bCount))
		atomic.StoreUint64(&sleepTick, k.Ticks())
		k.Delay(k.CurrentPid(), 50)
		atomic.StoreUint64(&wakeTick, k.Ticks())
		atomic.StoreUint64(&bCountDuringSleep, atomic.LoadUint64(&bCount))
		for k.Ticks() < 300 {
			k.Yield()
		}
	}, taskStack(), 0, "a")
	require.NoError(t, err)

	_, err = k.AddTask(func() {
		for {
			if atomic.LoadUint64(&bFirstRun) == 0 {
				atomic.StoreUint64(&bFirstRun, k.Ticks())
			}
			atomic.AddUint64(&bCount, 1)
			k.Yield()
			if k.Ticks() > 250 {
				return
			}
		}
	}, taskStack(), 1, "b")
	require.NoError(t, err)

	k.StartTicker()
	require.NoError(t, k.Delay(k.CurrentPid(), 400))

	assert.NotZero(t, atomic.LoadUint64(&aCount), "spinner never ran")
	assert.Zero(t, atomic.LoadUint64(&bCountAtSleep),
		"lower priority task ran while the spinner held the CPU")
	assert.GreaterOrEqual(t, atomic.LoadUint64(&bFirstRun), uint64(100))
	assert.NotZero(t, atomic.LoadUint64(&bCountDuringSleep),
		"lower priority task starved while the spinner slept")

	slept := atomic.LoadUint64(&wakeTick) - atomic.LoadUint64(&sleepTick)
	assert.GreaterOrEqual(t, slept, uint64(50))
	assert.LessOrEqual(t, slept, uint64(50+Quantum+25))
}

// Round-trip sleep: a delayed task runs again no earlier than its wake
// tick and no later than one quantum past it (plus scheduling slack).
func TestDelayRoundTrip(t *testing.T) {
	k := newTestKernel(t)

	var startTick, wokeTick uint64
	_, err := k.AddTask(func() {
		atomic.StoreUint64(&startTick, k.Ticks())
		k.Delay(k.CurrentPid(), 100)
		atomic.StoreUint64(&wokeTick, k.Ticks())
	}, taskStack(), 1, "slpr")
	require.NoError(t, err)

	k.StartTicker()
	require.NoError(t, k.Delay(k.CurrentPid(), 200))

	start := atomic.LoadUint64(&startTick)
	woke := atomic.LoadUint64(&wokeTick)
	require.NotZero(t, woke, "task never woke")
	assert.GreaterOrEqual(t, woke, start+100)
	assert.LessOrEqual(t, woke, start+100+Quantum+25)
}

// Cancelling a delay makes the sleeper immediately runnable; being higher
// priority than the canceller, it preempts within a quantum.
func TestCancelDelayPreempts(t *testing.T) {
	k := newTestKernel(t)

	var cancelTick, wakeTick uint64
	aPid, err := k.AddTask(func() {
		k.Delay(k.CurrentPid(), 1000)
		atomic.StoreUint64(&wakeTick, k.Ticks())
	}, taskStack(), 1, "a")
	require.NoError(t, err)

	var cancelErr error
	_, err = k.AddTask(func() {
		k.Delay(k.CurrentPid(), 5)
		atomic.StoreUint64(&cancelTick, k.Ticks())
		cancelErr = k.CancelDelay(aPid)
	}, taskStack(), 2, "b")
	require.NoError(t, err)

	k.StartTicker()
	require.NoError(t, k.Delay(k.CurrentPid(), 100))

	require.NoError(t, cancelErr)
	wake := atomic.LoadUint64(&wakeTick)
	cancel := atomic.LoadUint64(&cancelTick)
	require.NotZero(t, wake, "cancelled sleeper never woke")
	assert.LessOrEqual(t, wake, cancel+Quantum+25)
}

// Suspend/resume: a suspended task stays off the CPU past its delay
// expiry; resume makes it preempt the resumer at once.
func TestSuspendResume(t *testing.T) {
	k := newTestKernel(t)

	var aWake, resumeTick, bCount uint64
	aPid, err := k.AddTask(func() {
		k.Delay(k.CurrentPid(), 20)
		atomic.StoreUint64(&aWake, k.Ticks())
	}, taskStack(), 0, "a")
	require.NoError(t, err)

	_, err = k.AddTask(func() {
		k.SuspendTask(aPid)
		for k.Ticks() < 100 {
			atomic.AddUint64(&bCount, 1)
			k.Yield()
		}
		atomic.StoreUint64(&resumeTick, k.Ticks())
		k.ResumeTask(aPid)
	}, taskStack(), 1, "b")
	require.NoError(t, err)

	k.StartTicker()
	require.NoError(t, k.Delay(k.CurrentPid(), 200))

	wake := atomic.LoadUint64(&aWake)
	resume := atomic.LoadUint64(&resumeTick)
	require.NotZero(t, wake, "suspended task never resumed")
	assert.NotZero(t, atomic.LoadUint64(&bCount), "resumer starved while target suspended")
	assert.GreaterOrEqual(t, wake, uint64(100), "task ran while suspended")
	assert.LessOrEqual(t, wake, resume+Quantum+25)
}

// A task whose entry function returns lands in the terminator and is
// observed as removed on the next scheduler pass.
func TestTerminatorRemovesReturnedTask(t *testing.T) {
	k := newTestKernel(t)

	var ran uint32
	pid, err := k.AddTask(func() {
		atomic.StoreUint32(&ran, 1)
	}, taskStack(), 0, "once")
	require.NoError(t, err)

	// Hand the CPU over; the task runs to completion and control returns
	// here once its slot is torn down.
	k.schedule()

	require.Equal(t, uint32(1), atomic.LoadUint32(&ran))
	_, err = k.TaskPriority(pid)
	assert.ErrorIs(t, err, ErrInvalidPid)
	_, err = k.TaskName(pid)
	assert.ErrorIs(t, err, ErrInvalidPid)

	// The slot and priority level are both reusable.
	reused, err := k.AddTask(forever(k), taskStack(), 0, "next")
	require.NoError(t, err)
	assert.Equal(t, pid, reused)
}

func TestRemoveParkedTask(t *testing.T) {
	k := newTestKernel(t)

	pid, err := k.AddTask(forever(k), taskStack(), 2, "prkd")
	require.NoError(t, err)
	k.schedule() // let it run up to its delay

	require.NoError(t, k.RemoveTask(pid))
	_, err = k.TaskPriority(pid)
	assert.ErrorIs(t, err, ErrInvalidPid)

	// A second removal through the stale pid is rejected.
	assert.ErrorIs(t, k.RemoveTask(pid), ErrInvalidPid)
}

func TestShutdownIsIdempotent(t *testing.T) {
	k := New(Config{Logger: hclog.NewNullLogger()})
	k.Init()
	_, err := k.AddTask(forever(k), taskStack(), 0, "a")
	require.NoError(t, err)
	k.StartTicker()
	require.NoError(t, k.Delay(k.CurrentPid(), 5))

	k.Shutdown()
	k.Shutdown()
}
