package txn

import (
	"sync/atomic"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

type txState uint32

const (
	stateActive txState = iota
	stateCommitting
	stateCommitted
	stateAborted
)

// write is one entry of the logical write log; replaying the log on a newer
// root rebases the transaction.
type write struct {
	key   []byte
	value []byte
	del   bool
}

// txIndex is the working state of one index inside a transaction.
type txIndex struct {
	def  *indexDef
	base page.ID
	root page.ID
	b    *index.Builder
	// pos maps a key to its entry in log.
	pos map[string]int
	log []write
}

func (ti *txIndex) record(w write) {
	if i, ok := ti.pos[string(w.key)]; ok {
		ti.log[i] = w
		return
	}
	ti.pos[string(w.key)] = len(ti.log)
	ti.log = append(ti.log, w)
}

// Tx is a snapshot-isolated transaction. It is not safe for concurrent use.
type Tx struct {
	m     *Manager
	id    uint64
	snap  *snapshot
	state atomic.Uint32
	// indexes holds the indexes written so far.
	indexes map[string]*txIndex
	// failed is set when a write left the working tree unusable; the
	// transaction can only abort.
	failed error
	// logged is set once the commit has started writing the log.
	logged bool
	// pinned reads the snapshot with its roots swizzled.
	pinned *index.Pinned
}

func (tx *Tx) ID() uint64 {
	return tx.id
}

// Version is the snapshot version the transaction reads.
func (tx *Tx) Version() uint64 {
	return tx.snap.version
}

func (tx *Tx) check() error {
	if txState(tx.state.Load()) != stateActive {
		return ErrTxDone
	}
	return nil
}

// Writable reports whether the transaction has written anything.
func (tx *Tx) Writable() bool {
	for _, ti := range tx.indexes {
		if ti.b.Dirty() {
			return true
		}
	}
	return false
}

// view returns what reads of name go through: the working tree if the
// transaction wrote to it, else the snapshot.
func (tx *Tx) view(name string) (*indexDef, index.Reader, page.ID, error) {
	if err := tx.check(); err != nil {
		return nil, nil, page.Nil, err
	}
	if ti, ok := tx.indexes[name]; ok {
		return ti.def, ti.b, ti.root, nil
	}
	def, err := tx.m.def(name)
	if err != nil {
		return nil, nil, page.Nil, err
	}
	root := tx.snap.roots[name]
	if err = tx.pinned.Pin(root); err != nil {
		return nil, nil, page.Nil, err
	}
	return def, tx.pinned, root, nil
}

func (tx *Tx) working(name string) (*txIndex, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if tx.failed != nil {
		return nil, tx.failed
	}
	if ti, ok := tx.indexes[name]; ok {
		return ti, nil
	}
	def, err := tx.m.def(name)
	if err != nil {
		return nil, err
	}
	root := tx.snap.roots[name]
	ti := &txIndex{
		def:  def,
		base: root,
		root: root,
		b:    index.NewBuilder(tx.m.src),
		pos:  make(map[string]int),
	}
	tx.indexes[name] = ti
	return ti, nil
}

// Record is a stored value with the id of the transaction that wrote it.
type Record struct {
	Stamp uint64
	Value []byte
}

func (tx *Tx) Lookup(name string, key []byte) (Record, bool, error) {
	def, r, root, err := tx.view(name)
	if err != nil {
		return Record{}, false, err
	}
	leaf, ok, err := def.tree.Get(r, root, key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	v, err := leaf.Load(r)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Stamp: leaf.Stamp, Value: v}, true, nil
}

func (tx *Tx) Get(name string, key []byte) ([]byte, bool, error) {
	rec, ok, err := tx.Lookup(name, key)
	return rec.Value, ok, err
}

// Scan iterates [start, end) of the transaction's view of name. Later writes
// of the transaction are not seen by the iterator, which must not be used
// after the transaction ends.
func (tx *Tx) Scan(name string, start, end []byte) (index.Iterator, error) {
	def, r, root, err := tx.view(name)
	if err != nil {
		return nil, err
	}
	if ti, ok := tx.indexes[name]; ok {
		ti.b.Freeze()
	}
	return def.tree.Scan(r, root, start, end), nil
}

// fail marks the transaction unusable unless err is a plain key error, which
// is rejected before anything is built.
func (tx *Tx) fail(err error) error {
	if errors.Is(err, index.ErrKeyTooLarge) || errors.Is(err, index.ErrEmptyKey) {
		return err
	}
	tx.failed = err
	return err
}

func (tx *Tx) Put(name string, key, value []byte) error {
	ti, err := tx.working(name)
	if err != nil {
		return err
	}
	root, err := ti.def.tree.Put(ti.b, ti.root, key, value, tx.id)
	if err != nil {
		return tx.fail(err)
	}
	ti.root = root
	ti.record(write{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

// Delete removes key and reports whether it was there.
func (tx *Tx) Delete(name string, key []byte) (bool, error) {
	ti, err := tx.working(name)
	if err != nil {
		return false, err
	}
	root, found, err := ti.def.tree.Delete(ti.b, ti.root, key)
	if err != nil {
		return false, tx.fail(err)
	}
	ti.root = root
	ti.record(write{key: append([]byte(nil), key...), del: true})
	return found, nil
}

// discard frees everything the transaction built.
func (tx *Tx) discard() error {
	var first error
	for _, ti := range tx.indexes {
		if err := ti.b.Discard(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Abort drops the transaction. It is always safe before commit.
func (tx *Tx) Abort() error {
	if !tx.state.CompareAndSwap(uint32(stateActive), uint32(stateAborted)) {
		return ErrTxDone
	}
	m := tx.m
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	err := tx.discard()
	m.end(tx)
	m.stat.aborts.Add(1)
	m.collectLogged()
	return err
}
