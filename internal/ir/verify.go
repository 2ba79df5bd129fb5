package ir

import "fmt"

// VerifyFunction checks the structural invariants of a lifted function:
// an entry block exists, every block is terminated, and every branch
// target resolves to a block.
func VerifyFunction(f *Function) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("%s: no blocks", f.Name)
	}
	if _, ok := f.Blocks[f.EntryPC]; !ok {
		return fmt.Errorf("%s: missing entry block %#x", f.Name, f.EntryPC)
	}
	for pc, b := range f.Blocks {
		if b.PC != pc {
			return fmt.Errorf("%s: block keyed %#x has pc %#x", f.Name, pc, b.PC)
		}
		if b.Term == nil {
			return fmt.Errorf("%s: block %#x not terminated", f.Name, pc)
		}
		for _, target := range blockTargets(b) {
			if _, ok := f.Blocks[target]; !ok {
				return fmt.Errorf("%s: block %#x branches to missing block %#x",
					f.Name, pc, target)
			}
		}
	}
	return nil
}

// VerifyModule verifies every function in the module.
func VerifyModule(m *Module) error {
	for _, f := range m.Funcs {
		if err := VerifyFunction(f); err != nil {
			return err
		}
	}
	return nil
}

func blockTargets(b *Block) []uint64 {
	switch t := b.Term.(type) {
	case Jump:
		return []uint64{t.To}
	case CondJump:
		return []uint64{t.Taken, t.NotTaken}
	default:
		return nil
	}
}
