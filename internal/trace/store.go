package trace

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/exp/slices"
)

// Record is one persisted trace index entry. The key is the lifted
// function name, which already encodes (pc, hash) and is therefore
// stable across runs and address spaces.
type Record struct {
	Name   string `json:"name"`
	PC     uint64 `json:"pc"`
	Hash   uint64 `json:"hash"`
	Insts  int    `json:"insts"`
	Blocks int    `json:"blocks"`
	Lifts  uint64 `json:"lifts"`
	Hits   uint64 `json:"hits"`
}

// Store is the persistent trace index, kept in a leveldb database in
// the workspace. It is bookkeeping only: the serialized IR module is
// the source of truth for function bodies, so a missing or stale index
// never affects execution.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the index at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open trace index %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// RecordLift upserts the entry for one lifted trace. Safe on a nil
// store.
func (s *Store) RecordLift(pc, hash uint64, name string, insts, blocks int) {
	if s == nil {
		return
	}
	rec := Record{Name: name, PC: pc, Hash: hash, Insts: insts, Blocks: blocks}
	if prev, ok := s.get(name); ok {
		rec.Lifts = prev.Lifts
		rec.Hits = prev.Hits
	}
	rec.Lifts++
	s.put(&rec)
}

// RecordHit counts a live-cache hit on an already lifted trace. Safe
// on a nil store.
func (s *Store) RecordHit(name string) {
	if s == nil {
		return
	}
	rec, ok := s.get(name)
	if !ok {
		return
	}
	rec.Hits++
	s.put(&rec)
}

func (s *Store) get(name string) (Record, bool) {
	raw, err := s.db.Get([]byte(name), nil)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if json.Unmarshal(raw, &rec) != nil {
		return Record{}, false
	}
	return rec, true
}

func (s *Store) put(rec *Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.db.Put([]byte(rec.Name), raw, nil)
}

// Traces returns every index entry, ordered by PC.
func (s *Store) Traces() ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	var out []Record
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan trace index: %w", err)
	}
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.PC < b.PC:
			return -1
		case a.PC > b.PC:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// Close releases the database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
