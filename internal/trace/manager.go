// Package trace caches lifted IR functions keyed by address space and
// PC, staying correct in the face of self-modifying code, and keeps a
// persistent index of every trace ever lifted.
package trace

import (
	"fmt"

	"github.com/kwanghoon/vmill/internal/ir"
	"github.com/kwanghoon/vmill/internal/lift"
	"github.com/kwanghoon/vmill/internal/log"
	"github.com/kwanghoon/vmill/internal/mem"
)

// Manager maps (address space, pc) to lifted IR functions. The module
// holds every lifted function ever produced; the live table holds the
// subset currently believed fresh for each space.
type Manager struct {
	module *ir.Module
	live   map[int64]map[uint64]*ir.Function
	store  *Store
	logger *log.Logger
}

// NewManager creates a manager lifting into module. store may be nil.
func NewManager(module *ir.Module, store *Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{
		module: module,
		live:   make(map[int64]map[uint64]*ir.Function),
		store:  store,
		logger: logger,
	}
}

// GetOrLift returns the lifted function for the trace rooted at pc in
// space. A pending write-to-exec observation drops the space's live
// entries first, so stale traces are re-keyed by their new byte hash;
// superseded functions stay in the module but become unreachable here.
func (m *Manager) GetOrLift(space *mem.AddressSpace, pc uint64) (*ir.Function, error) {
	if space.IsDead() {
		return nil, fmt.Errorf("lift at %#x: %w", pc, mem.ErrDead)
	}

	if space.ConsumeWriteToExec() {
		m.logger.Debug("invalidating traces after write to executable memory",
			log.Space(space.ID()))
		delete(m.live, space.ID())
	}

	if f, ok := m.live[space.ID()][pc]; ok {
		m.store.RecordHit(f.Name)
		return f, nil
	}

	lf, err := lift.LiftIntoModule(pc, space.ReadExecByte, m.module)
	if err != nil {
		return nil, err
	}

	byPC, ok := m.live[space.ID()]
	if !ok {
		byPC = make(map[uint64]*ir.Function)
		m.live[space.ID()] = byPC
	}
	byPC[pc] = lf.Func

	m.logger.Debug("lifted trace",
		log.PC(pc),
		log.Space(space.ID()),
		log.Fn(lf.Func.Name),
	)
	m.store.RecordLift(lf.PC, lf.Hash, lf.Func.Name, lf.Insts, len(lf.Func.Blocks))
	return lf.Func, nil
}

// Invalidate drops every live entry tied to an address space. Called
// when the space is killed.
func (m *Manager) Invalidate(space *mem.AddressSpace) {
	delete(m.live, space.ID())
}

// Module returns the module hosting the lifted functions.
func (m *Manager) Module() *ir.Module {
	return m.module
}

// Close flushes the persistent index.
func (m *Manager) Close() error {
	return m.store.Close()
}
