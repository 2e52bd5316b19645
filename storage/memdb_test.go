package storage

import (
	"bytes"
	"sort"

	"github.com/luxfi/database"
)

// memDB is a minimal in-memory stand-in for the embedded engine,
// satisfying the same database.Database surface the node's memdb-backed
// production store uses. It exists only to exercise Store in tests
// without a real engine.
type memDB struct {
	data map[string][]byte
}

func newMemDB() *memDB {
	return &memDB{data: map[string][]byte{}}
}

func (m *memDB) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memDB) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memDB) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *memDB) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memDB) Close() error { return nil }

func (m *memDB) NewBatch() database.Batch {
	return &memBatch{db: m}
}

func (m *memDB) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{db: m, keys: keys, pos: -1}
}

type memOp struct {
	del   bool
	key   []byte
	value []byte
}

type memBatch struct {
	db  *memDB
	ops []memOp
}

func (b *memBatch) Put(key, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, memOp{key: k, value: v})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	b.ops = append(b.ops, memOp{del: true, key: k})
	return nil
}

func (b *memBatch) Size() int { return len(b.ops) }

func (b *memBatch) Write() error {
	for _, op := range b.ops {
		if op.del {
			delete(b.db.data, string(op.key))
		} else {
			b.db.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (b *memBatch) Reset() { b.ops = nil }

func (b *memBatch) Replay(w database.KeyValueWriterDeleter) error {
	for _, op := range b.ops {
		if op.del {
			if err := w.Delete(op.key); err != nil {
				return err
			}
		} else if err := w.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

type memIterator struct {
	db   *memDB
	keys []string
	pos  int
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return it.db.data[it.keys[it.pos]] }
func (it *memIterator) Error() error  { return nil }
func (it *memIterator) Release()      {}
