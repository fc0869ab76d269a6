package txn

import (
	"sort"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/wal"
	"github.com/pkg/errors"
)

// Commit publishes the writes of the transaction as the next version. A
// transaction that wrote nothing just ends. On any error the transaction is
// aborted and nothing it wrote becomes visible.
func (tx *Tx) Commit() error {
	if !tx.state.CompareAndSwap(uint32(stateActive), uint32(stateCommitting)) {
		return ErrTxDone
	}
	m := tx.m
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if tx.failed != nil {
		return tx.abortLocked(tx.failed)
	}
	if !tx.Writable() {
		if err := tx.discard(); err != nil {
			return tx.abortLocked(err)
		}
		tx.state.Store(uint32(stateCommitted))
		m.end(tx)
		m.collectLogged()
		return nil
	}
	if m.closed.Load() {
		return tx.abortLocked(ErrClosed)
	}

	cur := m.published.Load()
	names := tx.touched()
	for _, name := range names {
		if err := tx.rebase(tx.indexes[name], cur); err != nil {
			return tx.abortLocked(err)
		}
	}
	next := &snapshot{version: cur.version + 1, roots: make(map[string]page.ID, len(cur.roots))}
	for name, root := range cur.roots {
		next.roots[name] = root
	}

	var pages []page.Page
	for _, name := range names {
		ps, err := tx.indexes[name].b.Seal()
		if err != nil {
			return tx.abortLocked(err)
		}
		pages = append(pages, ps...)
	}
	if err := tx.writeLog(names, pages, next.version); err != nil {
		return tx.abortLocked(err)
	}

	var retired []page.ID
	for _, name := range names {
		ti := tx.indexes[name]
		ids, err := ti.b.Publish()
		if err != nil {
			// the commit is durable; only reclamation is affected
			m.logger.Error("publish", "tx", tx.id, "index", name, "err", err)
		}
		retired = append(retired, ids...)
		next.roots[name] = ti.root
		m.remember(ti, next.version)
	}
	m.published.Store(next)
	tx.state.Store(uint32(stateCommitted))
	m.end(tx)
	m.stat.commits.Add(1)
	if len(retired) > 0 {
		m.retired = append(m.retired, retiredBatch{version: next.version, pages: retired})
	}
	if m.opt.CheckpointLogSize > 0 && m.log.Size() > m.opt.CheckpointLogSize {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
	// the commit is durable and published; a reclamation error must not
	// report it as failed
	m.collectLogged()
	return nil
}

// touched returns the indexes the transaction changed, by name.
func (tx *Tx) touched() []string {
	names := make([]string, 0, len(tx.indexes))
	for name, ti := range tx.indexes {
		if ti.b.Dirty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// rebase checks that no transaction committed a write to any key of ti
// after the snapshot, then moves the working tree onto the published root by
// replaying the write log.
func (tx *Tx) rebase(ti *txIndex, cur *snapshot) error {
	for _, w := range ti.log {
		if v, ok := tx.m.lastWrite(ti.def.name, w.key); ok && v > tx.snap.version {
			tx.m.stat.conflicts.Add(1)
			return errors.Wrapf(ErrConflict, "index %q key %q written at version %d", ti.def.name, w.key, v)
		}
	}
	root := cur.roots[ti.def.name]
	if root == ti.base {
		return nil
	}
	if err := ti.b.Discard(); err != nil {
		return err
	}
	ti.base, ti.root = root, root
	for _, w := range ti.log {
		var err error
		if w.del {
			ti.root, _, err = ti.def.tree.Delete(ti.b, ti.root, w.key)
		} else {
			ti.root, err = ti.def.tree.Put(ti.b, ti.root, w.key, w.value, tx.id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeLog logs the transaction and makes it durable.
func (tx *Tx) writeLog(names []string, pages []page.Page, version uint64) error {
	l := tx.m.log
	if _, err := l.AppendBegin(tx.id); err != nil {
		return err
	}
	tx.logged = true
	for _, p := range pages {
		if _, err := l.AppendPageImage(tx.id, p); err != nil {
			return err
		}
	}
	for _, name := range names {
		ti := tx.indexes[name]
		u := wal.RootUpdate{Index: name, Kind: uint8(ti.def.kind), Root: ti.root, Version: version}
		if _, err := l.AppendRootUpdate(tx.id, u); err != nil {
			return err
		}
	}
	lsn, err := l.AppendCommit(tx.id, version)
	if err != nil {
		return err
	}
	return l.FlushThrough(lsn)
}

// abortLocked ends a transaction whose commit failed with cause.
func (tx *Tx) abortLocked(cause error) error {
	m := tx.m
	if err := tx.discard(); err != nil {
		m.logger.Error("discard after failed commit", "tx", tx.id, "err", err)
	}
	if tx.logged && m.log.Err() == nil {
		// without a commit record recovery ignores the transaction anyway
		_, _ = m.log.AppendAbort(tx.id)
	}
	tx.state.Store(uint32(stateAborted))
	m.end(tx)
	m.stat.aborts.Add(1)
	m.collectLogged()
	return cause
}
