package ir

import "fmt"

// TaskVarName builds the name of the per-task global variable slot.
func TaskVarName(i int) string {
	return fmt.Sprintf("task_%d", i)
}

// NewRuntimeModule builds the source runtime module: intrinsic
// declarations plus the task_0 global whose shape is the serialized
// register bank size.
func NewRuntimeModule(stateSize int) *Module {
	m := NewModule()
	for _, name := range RequiredIntrinsics() {
		m.DeclareIntrinsic(name)
	}
	m.AddGlobal(&Global{Name: TaskVarName(0), Init: make([]byte, stateSize)})
	return m
}

// ValidateRuntime checks the runtime bitcode contract: all intrinsics
// declared and the task_0 global present.
func (m *Module) ValidateRuntime() error {
	for _, name := range RequiredIntrinsics() {
		if !m.Intrinsics[name] {
			return fmt.Errorf("runtime module missing intrinsic %q", name)
		}
	}
	if m.Global(TaskVarName(0)) == nil {
		return fmt.Errorf("runtime module missing global %q", TaskVarName(0))
	}
	return nil
}

// EnsureTaskVar returns the task_<i> global, lazily creating it by
// cloning the shape of task_<i-1>. task_0 must come from the runtime
// module itself.
func (m *Module) EnsureTaskVar(i int) (*Global, error) {
	name := TaskVarName(i)
	if g := m.Global(name); g != nil {
		return g, nil
	}
	if i == 0 {
		return nil, fmt.Errorf("missing task variable %q in runtime", name)
	}
	prev := m.Global(TaskVarName(i - 1))
	if prev == nil {
		return nil, fmt.Errorf("missing task variable %q in runtime", TaskVarName(i-1))
	}
	g := prev.CloneShape(name)
	m.AddGlobal(g)
	return g, nil
}

// ZeroTaskVars resets every task variable initializer to its zero
// value so a fresh run starts clean.
func (m *Module) ZeroTaskVars() {
	for i := 0; ; i++ {
		g := m.Global(TaskVarName(i))
		if g == nil {
			return
		}
		g.Zero()
	}
}
