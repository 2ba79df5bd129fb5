package ir

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// The IR persists as a gob stream: the instruction and terminator
// interfaces carry concrete types that must be registered up front.
func init() {
	gob.Register(SetReg{})
	gob.Register(BinOp{})
	gob.Register(UnOp{})
	gob.Register(Load{})
	gob.Register(Store{})
	gob.Register(LoadEA{})
	gob.Register(SetVector{})
	gob.Register(SetPC{})
	gob.Register(Jump{})
	gob.Register(CondJump{})
	gob.Register(IntrinsicCall{})
}

// Encode serializes a module.
func Encode(w io.Writer, m *Module) error {
	if err := gob.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("encode module: %w", err)
	}
	return nil
}

// Decode deserializes a module.
func Decode(r io.Reader) (*Module, error) {
	m := NewModule()
	if err := gob.NewDecoder(r).Decode(m); err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	return m, nil
}

// WriteFile persists a module to path, replacing any previous file.
func WriteFile(path string, m *Module) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write module %s: %w", path, err)
	}
	defer f.Close()
	if err := Encode(f, m); err != nil {
		return fmt.Errorf("write module %s: %w", path, err)
	}
	return f.Close()
}

// ReadFile loads a module from path.
func ReadFile(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}
	return m, nil
}
