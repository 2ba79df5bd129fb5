package mem

import "errors"

var (
	ErrUnaligned = errors.New("base or size not page-aligned")
	ErrOverlap   = errors.New("range overlaps an existing map")
	ErrDead      = errors.New("address space is dead")
	ErrNotMapped = errors.New("range is not mapped")
	ErrEmpty     = errors.New("range is empty")
)
