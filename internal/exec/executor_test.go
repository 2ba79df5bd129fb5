package exec

import (
	"strings"
	"testing"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/ir"
	"github.com/kwanghoon/vmill/internal/mem"
	"github.com/kwanghoon/vmill/internal/trace"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	module := ir.NewRuntimeModule(arch.StateSize)
	mgr := trace.NewManager(module, nil, nil)
	e, err := New(module, mgr, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func rwxSpace(t *testing.T, id int64, base, size uint64) *mem.AddressSpace {
	t.Helper()
	s := mem.NewAddressSpace(id)
	if err := s.AddMap(base, size, mem.Perms{Read: true, Write: true, Exec: true}, "anonymous", "code"); err != nil {
		t.Fatalf("AddMap failed: %v", err)
	}
	return s
}

func loadCode(t *testing.T, s *mem.AddressSpace, base uint64, code []byte) {
	t.Helper()
	for i, b := range code {
		if !s.WriteByte(base+uint64(i), b) {
			t.Fatalf("load byte at %#x failed", base+uint64(i))
		}
	}
	s.ConsumeWriteToExec()
}

func startTask(t *testing.T, e *Executor, pc uint64, memIdx int, mutate func(*arch.State)) *Task {
	t.Helper()
	st := &arch.State{}
	if mutate != nil {
		mutate(st)
	}
	task, err := e.AddInitialTask(st.Marshal(), pc, memIdx)
	if err != nil {
		t.Fatalf("AddInitialTask failed: %v", err)
	}
	return task
}

// S1: a single block of nop; nop; hlt runs to completion through the
// hypercall path.
func TestRunSingleBlock(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	loadCode(t, s, 0x1000, []byte{0x90, 0x90, 0xF4})
	idx := e.AddMemory(s)

	task := startTask(t, e, 0x1000, idx, nil)
	e.Run()

	if task.Status() != StatusTerminated {
		t.Fatalf("task status %v, want terminated (err: %v)", task.Status(), task.Err())
	}
	if task.State.EIP != 0x1003 {
		t.Errorf("final EIP %#x, want 0x1003", task.State.EIP)
	}
}

// S2: a direct branch and its target lift into one function; the ret
// continues at the address popped from the stack.
func TestRunDirectBranchTrace(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, 2*mem.PageSize)
	// 0x1000: jmp 0x1010; 0x1010: ret. The stack holds 0x2000, where a
	// hlt waits.
	loadCode(t, s, 0x1000, []byte{0xEB, 0x0E})
	loadCode(t, s, 0x1010, []byte{0xC3})
	loadCode(t, s, 0x2000, []byte{0xF4})
	s.WriteValue(0x1f00, 4, 0x2000)
	s.ConsumeWriteToExec()
	idx := e.AddMemory(s)

	task := startTask(t, e, 0x1000, idx, func(st *arch.State) {
		st.Regs[arch.RegESP] = 0x1f00
	})
	e.Run()

	if task.Status() != StatusTerminated {
		t.Fatalf("task status %v, want terminated (err: %v)", task.Status(), task.Err())
	}
	if task.State.EIP != 0x2001 {
		t.Errorf("final EIP %#x, want 0x2001 (past the hlt at the return target)", task.State.EIP)
	}
	if task.State.Regs[arch.RegESP] != 0x1f04 {
		t.Errorf("ESP %#x, want 0x1f04 after the pop", task.State.Regs[arch.RegESP])
	}

	// Exactly two traces lifted: the jump+ret trace and the hlt trace.
	var roots []string
	for name := range e.module.Funcs {
		roots = append(roots, name)
	}
	if len(roots) != 2 {
		t.Errorf("lifted %d functions %v, want 2", len(roots), roots)
	}
	sawRoot := false
	for _, name := range roots {
		if strings.HasPrefix(name, "$1000_") {
			sawRoot = true
		}
	}
	if !sawRoot {
		t.Error("no lifted function rooted at 0x1000")
	}
}

// S3: a load from unmapped memory errors the task; the executor keeps
// going.
func TestRunUnmappedRead(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	// mov eax, [0xdead]; hlt — 0xdead is unmapped... the page holding
	// it is outside the single mapped page.
	loadCode(t, s, 0x1000, []byte{0xA1, 0xAD, 0xDE, 0x00, 0x00, 0xF4})
	idx := e.AddMemory(s)

	bad := startTask(t, e, 0x1000, idx, nil)
	good := startTask(t, e, 0x1005, idx, nil) // straight to the hlt
	e.Run()

	if bad.Status() != StatusErrored {
		t.Fatalf("faulting task status %v, want errored", bad.Status())
	}
	if good.Status() != StatusTerminated {
		t.Fatalf("other task status %v, want terminated (task errors must not propagate)", good.Status())
	}
}

// S4: overwriting upcoming code re-keys the trace; the new bytes, not
// the old, execute.
func TestRunSelfModifyingCode(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	// 0x1000: mov byte [0x1020], 0xF4   (plant a hlt)
	// 0x1007: mov eax, 0x1020
	// 0x100c: jmp eax                   (indirect: trace boundary)
	// 0x1020: originally nop, then garbage that would error.
	loadCode(t, s, 0x1000, []byte{
		0xC6, 0x05, 0x20, 0x10, 0x00, 0x00, 0xF4,
		0xB8, 0x20, 0x10, 0x00, 0x00,
		0xFF, 0xE0,
	})
	loadCode(t, s, 0x1020, []byte{0x90, 0x0F, 0x04})
	idx := e.AddMemory(s)

	task := startTask(t, e, 0x1000, idx, nil)
	e.Run()

	// The planted hlt at 0x1020 must execute: termination, not error.
	if task.Status() != StatusTerminated {
		t.Fatalf("task status %v, want terminated (err: %v)", task.Status(), task.Err())
	}
	if task.State.EIP != 0x1021 {
		t.Errorf("final EIP %#x, want 0x1021", task.State.EIP)
	}
	// The write-to-exec observation was consumed by the re-lift.
	if s.ConsumeWriteToExec() {
		t.Error("write-to-exec flag left unconsumed")
	}
}

// S5: tasks on a parent and its clone see private memory.
func TestRunCloneIsolation(t *testing.T) {
	e := newExecutor(t)
	parent := rwxSpace(t, 1, 0x1000, mem.PageSize)
	// mov byte [0x1800], 0xAA; hlt
	loadCode(t, parent, 0x1000, []byte{0xC6, 0x05, 0x00, 0x18, 0x00, 0x00, 0xAA, 0xF4})
	child := parent.Clone(2)
	pidx := e.AddMemory(parent)
	e.AddMemory(child)

	writer := startTask(t, e, 0x1000, pidx, nil)
	e.Run()
	if writer.Status() != StatusTerminated {
		t.Fatalf("writer status %v (err: %v)", writer.Status(), writer.Err())
	}

	if b, _ := parent.ReadByte(0x1800); b != 0xAA {
		t.Errorf("parent byte %#x, want 0xaa", b)
	}
	if b, _ := child.ReadByte(0x1800); b != 0 {
		t.Errorf("child observed parent write: %#x, want 0 (pre-write value)", b)
	}
}

// S6: an async hypercall pauses the task through its coroutine; after
// re-enqueue it resumes right behind the hypercall with state intact.
func TestRunAsyncHypercallResume(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	// mov ebx, 0x1234; int 0x80; mov byte [0x1800], 0x42; hlt
	loadCode(t, s, 0x1000, []byte{
		0xBB, 0x34, 0x12, 0x00, 0x00,
		0xCD, 0x80,
		0xC6, 0x05, 0x00, 0x18, 0x00, 0x00, 0x42,
		0xF4,
	})
	idx := e.AddMemory(s)

	task := startTask(t, e, 0x1000, idx, nil)
	e.Run()

	if task.Status() != StatusTerminated {
		t.Fatalf("task status %v, want terminated (err: %v)", task.Status(), task.Err())
	}
	if task.State.Regs[arch.RegEBX] != 0x1234 {
		t.Errorf("ebx %#x, want 0x1234 across the suspend", task.State.Regs[arch.RegEBX])
	}
	if b, _ := s.ReadByte(0x1800); b != 0x42 {
		t.Errorf("post-resume store missing: %#x, want 0x42", b)
	}
	if task.State.Vector != arch.HaltVector {
		t.Errorf("final vector %#x, want halt", task.State.Vector)
	}
	// Two traces: before and after the hypercall.
	if len(e.module.Funcs) != 2 {
		t.Errorf("lifted %d functions, want 2", len(e.module.Funcs))
	}
	if task.co == nil || !task.co.Finished() {
		t.Error("task coroutine did not run to completion")
	}
}

func TestKilledSpaceErrorsItsTasks(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	loadCode(t, s, 0x1000, []byte{0x90, 0xF4})
	idx := e.AddMemory(s)

	task := startTask(t, e, 0x1000, idx, nil)
	e.KillMemory(idx)
	e.Run()

	if task.Status() != StatusErrored {
		t.Fatalf("task status %v, want errored after kill", task.Status())
	}
}

func TestTraceBudgetErrorsRunawayTask(t *testing.T) {
	e := newExecutor(t)
	e.SetTraceBudget(8)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	// 0x1000: mov eax, 0x1000; jmp eax — an endless indirect loop.
	loadCode(t, s, 0x1000, []byte{0xB8, 0x00, 0x10, 0x00, 0x00, 0xFF, 0xE0})
	idx := e.AddMemory(s)

	task := startTask(t, e, 0x1000, idx, nil)
	e.Run()

	if task.Status() != StatusErrored {
		t.Fatalf("task status %v, want errored via trace budget", task.Status())
	}
}

func TestTaskVarProtocolMaintained(t *testing.T) {
	e := newExecutor(t)
	s := rwxSpace(t, 1, 0x1000, mem.PageSize)
	loadCode(t, s, 0x1000, []byte{0xF4})
	idx := e.AddMemory(s)

	startTask(t, e, 0x1000, idx, nil)
	startTask(t, e, 0x1000, idx, nil)

	if e.module.Global(ir.TaskVarName(0)) == nil || e.module.Global(ir.TaskVarName(1)) == nil {
		t.Fatal("task variables not materialized")
	}

	e.Run()
	if err := e.Shutdown(""); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		g := e.module.Global(ir.TaskVarName(i))
		for _, b := range g.Init {
			if b != 0 {
				t.Fatalf("task_%d initializer not zeroed at shutdown", i)
			}
		}
	}
}

func TestCoroutineHandoff(t *testing.T) {
	var trail []string
	var co *Coroutine
	co = NewCoroutine(func() {
		trail = append(trail, "a")
		co.Pause()
		trail = append(trail, "b")
	})

	if co.IsExecuting() {
		t.Error("executing before first resume")
	}
	co.Resume()
	if got := strings.Join(trail, ""); got != "a" {
		t.Fatalf("after first resume ran %q, want \"a\"", got)
	}
	if co.Finished() {
		t.Error("finished while paused")
	}
	co.Resume()
	if got := strings.Join(trail, ""); got != "ab" {
		t.Fatalf("after second resume ran %q, want \"ab\"", got)
	}
	if !co.Finished() {
		t.Error("not finished after body returned")
	}
	// Resuming a finished coroutine is a no-op.
	co.Resume()
}
