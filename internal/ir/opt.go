package ir

// Optimize runs the standard pipeline over every function of the
// module: verify input, thread jump chains, drop unreachable blocks,
// merge single-predecessor blocks, verify output. Passes preserve
// observable semantics; only the block shape may change.
func Optimize(m *Module) error {
	if err := VerifyModule(m); err != nil {
		return err
	}
	for _, f := range m.Funcs {
		threadJumps(f)
		removeUnreachable(f)
		mergeBlocks(f)
	}
	return VerifyModule(m)
}

// threadJumps redirects branches through empty forwarding blocks (no
// body, unconditional jump) straight to their final destination.
func threadJumps(f *Function) {
	// Resolve each block to its forwarding destination, following
	// chains but stopping on cycles.
	resolve := func(pc uint64) uint64 {
		seen := map[uint64]bool{}
		for {
			b, ok := f.Blocks[pc]
			if !ok || len(b.Body) != 0 || seen[pc] {
				return pc
			}
			j, ok := b.Term.(Jump)
			if !ok {
				return pc
			}
			seen[pc] = true
			pc = j.To
		}
	}

	for _, b := range f.Blocks {
		switch t := b.Term.(type) {
		case Jump:
			b.Term = Jump{To: resolve(t.To)}
		case CondJump:
			t.Taken = resolve(t.Taken)
			t.NotTaken = resolve(t.NotTaken)
			b.Term = t
		}
	}
}

// mergeBlocks folds a block into its unconditional successor when that
// successor has no other predecessors, shrinking straight-line chains
// into single blocks.
func mergeBlocks(f *Function) {
	for {
		preds := countPreds(f)
		merged := false
		for _, b := range f.Blocks {
			j, ok := b.Term.(Jump)
			if !ok || j.To == f.EntryPC || j.To == b.PC {
				continue
			}
			next, ok := f.Blocks[j.To]
			if !ok || preds[j.To] != 1 {
				continue
			}
			b.Body = append(b.Body, next.Body...)
			b.Term = next.Term
			delete(f.Blocks, j.To)
			merged = true
			break
		}
		if !merged {
			return
		}
	}
}

// removeUnreachable drops blocks not reachable from the entry.
func removeUnreachable(f *Function) {
	reached := map[uint64]bool{}
	work := []uint64{f.EntryPC}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if reached[pc] {
			continue
		}
		b, ok := f.Blocks[pc]
		if !ok {
			continue
		}
		reached[pc] = true
		work = append(work, blockTargets(b)...)
	}
	for pc := range f.Blocks {
		if !reached[pc] {
			delete(f.Blocks, pc)
		}
	}
}

func countPreds(f *Function) map[uint64]int {
	preds := make(map[uint64]int, len(f.Blocks))
	for _, b := range f.Blocks {
		for _, target := range blockTargets(b) {
			preds[target]++
		}
	}
	return preds
}
