// Package exec schedules guest tasks over lifted traces: a FIFO task
// queue, the memory registry, and the runtime callbacks the interpreter
// dispatches into.
package exec

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/interp"
	"github.com/kwanghoon/vmill/internal/ir"
	"github.com/kwanghoon/vmill/internal/log"
	"github.com/kwanghoon/vmill/internal/mem"
	"github.com/kwanghoon/vmill/internal/trace"
)

// Executor owns the IR module hosting lifted code, the address spaces,
// and the task queue. It is the runtime behind every intrinsic: memory
// access, next-trace lookup, hypercall handling. One executor runs one
// host thread; tasks are cooperative.
type Executor struct {
	module  *ir.Module
	manager *trace.Manager
	interp  *interp.Interpreter
	logger  *log.Logger

	memories []*mem.AddressSpace
	queue    []*Task

	runID      string
	nextTaskID int

	// Optional per-dispatch trace cap; 0 means unlimited.
	traceBudget int
}

// New creates an executor over a validated runtime module.
func New(module *ir.Module, manager *trace.Manager, logger *log.Logger) (*Executor, error) {
	if err := module.ValidateRuntime(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	e := &Executor{
		module:  module,
		manager: manager,
		logger:  logger,
		runID:   uuid.NewString(),
	}
	e.interp = interp.NewConcrete(e)
	logger.Info("executor ready", zap.String("run", e.runID))
	return e, nil
}

// SetTraceBudget caps the number of traces a task may chain through in
// one dispatch. Exceeding it errors the task at the next boundary.
func (e *Executor) SetTraceBudget(n int) {
	e.traceBudget = n
}

// AddMemory registers an address space and returns its handle. Lifted
// code refers to memories by these integer handles only.
func (e *Executor) AddMemory(space *mem.AddressSpace) int {
	e.memories = append(e.memories, space)
	return len(e.memories) - 1
}

// Memory resolves a handle. An out-of-range handle is a bug in lifted
// code plumbing, not a guest fault.
func (e *Executor) Memory(idx int) *mem.AddressSpace {
	if idx < 0 || idx >= len(e.memories) {
		panic(fmt.Sprintf("bad memory handle %d of %d", idx, len(e.memories)))
	}
	return e.memories[idx]
}

// Memories returns the registered address spaces.
func (e *Executor) Memories() []*mem.AddressSpace {
	return e.memories
}

// KillMemory kills an address space and drops its cached traces. Tasks
// bound to it fail at their next trace boundary.
func (e *Executor) KillMemory(idx int) {
	space := e.Memory(idx)
	space.Kill()
	e.manager.Invalidate(space)
}

// AddInitialTask registers a task from snapshot data: an opaque
// register-bank blob, a starting PC, and a memory handle. It also
// maintains the module's task variable protocol: task_<i> must exist
// for the i-th task, cloned from the shape of its predecessor.
func (e *Executor) AddInitialTask(stateBlob []byte, pc uint64, memIdx int) (*Task, error) {
	g, err := e.module.EnsureTaskVar(e.nextTaskID)
	if err != nil {
		return nil, err
	}
	copy(g.Init, stateBlob)

	st := arch.StateFromBytes(stateBlob)
	st.EIP = uint32(pc)

	t := &Task{
		ID:     e.nextTaskID,
		State:  st,
		MemIdx: memIdx,
		status: StatusReady,
	}
	e.nextTaskID++
	e.AddTask(t)

	e.logger.Info("task added",
		zap.Int("task", t.ID),
		log.PC(pc),
		zap.Int("memory", memIdx),
	)
	return t, nil
}

// AddTask enqueues a ready task.
func (e *Executor) AddTask(t *Task) {
	e.queue = append(e.queue, t)
}

// NextTask dequeues the next task, or nil when the queue is drained.
func (e *Executor) NextTask() *Task {
	if len(e.queue) == 0 {
		return nil
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	return t
}

// Run dequeues and interprets tasks until the queue drains. A task that
// pauses on an async hypercall is re-enqueued and resumed in FIFO
// order.
func (e *Executor) Run() {
	for t := e.NextTask(); t != nil; t = e.NextTask() {
		e.dispatch(t)
		switch t.status {
		case StatusPaused:
			t.status = StatusReady
			e.AddTask(t)
		case StatusTerminated:
			e.logger.Info("task terminated", zap.Int("task", t.ID))
		case StatusErrored:
			e.logger.Warn("task errored",
				zap.Int("task", t.ID),
				log.PC(uint64(t.State.EIP)),
				zap.Error(t.err),
			)
		}
	}
}

// dispatch gives the task the thread until it pauses or finishes.
func (e *Executor) dispatch(t *Task) {
	if t.co == nil {
		t.co = NewCoroutine(func() { e.taskMain(t) })
	}
	t.status = StatusRunning
	t.co.Resume()
}

// taskMain is the task's coroutine body. It loops interpreting traces;
// async hypercalls other than halt pause the coroutine and continue
// after resumption at the instruction behind the hypercall.
func (e *Executor) taskMain(t *Task) {
	for {
		which, err := e.interp.Interpret(t.State, t.MemIdx, e.traceBudget)
		if err != nil {
			t.status = StatusErrored
			t.err = err
			return
		}
		if which == ir.IntrinsicError {
			t.status = StatusErrored
			t.err = fmt.Errorf("guest fault at %#x", t.State.EIP)
			return
		}

		// Async hypercall.
		if t.State.Vector == arch.HaltVector {
			t.status = StatusTerminated
			return
		}
		e.logger.Debug("async hypercall",
			zap.Int("task", t.ID),
			zap.Uint32("vector", t.State.Vector),
			log.PC(uint64(t.State.EIP)),
		)
		t.status = StatusPaused
		t.co.Pause()
		t.status = StatusRunning
	}
}

// RequestFunc implements interp.Runtime: the lifted function at pc in
// the given memory, lifting on miss.
func (e *Executor) RequestFunc(pc uint64, memIdx int) (*ir.Function, error) {
	return e.manager.GetOrLift(e.Memory(memIdx), pc)
}

// ReadMem implements interp.Runtime over the byte-granular space path.
func (e *Executor) ReadMem(memIdx int, addr uint64, size int) (uint64, bool) {
	switch size {
	case 1, 2, 4, 8:
		return e.Memory(memIdx).ReadValue(addr, size)
	default:
		e.logger.Warn("invalid read size", zap.Int("size", size), log.Addr(addr))
		return 0, false
	}
}

// WriteMem implements interp.Runtime over the byte-granular space path.
func (e *Executor) WriteMem(memIdx int, addr uint64, size int, val uint64) bool {
	switch size {
	case 1, 2, 4, 8:
		return e.Memory(memIdx).WriteValue(addr, size, val)
	default:
		e.logger.Warn("invalid write size", zap.Int("size", size), log.Addr(addr))
		return false
	}
}

// Shutdown resets every task variable initializer to zero and persists
// the module, including all lifted functions, so the next run can skip
// lifting unchanged traces.
func (e *Executor) Shutdown(localModulePath string) error {
	e.module.ZeroTaskVars()
	var firstErr error
	if localModulePath != "" {
		if err := ir.WriteFile(localModulePath, e.module); err != nil {
			firstErr = err
		}
	}
	if err := e.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ interp.Runtime = (*Executor)(nil)
