package txn

import (
	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/wal"
	"github.com/pkg/errors"
)

type recoveredRoot struct {
	kind uint8
	root page.ID
}

type recovered struct {
	version  uint64
	roots    map[string]recoveredRoot
	replayed int
}

// pendingTx collects the records of a transaction until its commit.
type pendingTx struct {
	images []wal.Record
	roots  []wal.RootUpdate
}

// recover brings the store up to the last committed transaction in the log
// and rebuilds the free list. Running it again over the same files gives
// the same result.
func (m *Manager) recover(sb *page.Superblock) (*recovered, error) {
	rs := &recovered{
		version: sb.Version,
		roots:   make(map[string]recoveredRoot, len(sb.Indexes)),
	}
	for _, ir := range sb.Indexes {
		rs.roots[ir.Name] = recoveredRoot{kind: ir.Kind, root: ir.Root}
	}
	pending := make(map[uint64]*pendingTx)
	get := func(txid uint64) *pendingTx {
		pt, ok := pending[txid]
		if !ok {
			pt = new(pendingTx)
			pending[txid] = pt
		}
		return pt
	}
	buf := page.Page(make([]byte, page.Size))
	err := m.log.Replay(func(rec wal.Record) error {
		if rec.LSN <= sb.CheckpointLSN {
			return nil
		}
		switch rec.Kind {
		case wal.KindBegin:
			pending[rec.TxID] = new(pendingTx)
		case wal.KindPageImage:
			pt := get(rec.TxID)
			pt.images = append(pt.images, rec)
		case wal.KindRootUpdate:
			u, err := rec.RootUpdate()
			if err != nil {
				return err
			}
			pt := get(rec.TxID)
			pt.roots = append(pt.roots, u)
		case wal.KindAbort:
			delete(pending, rec.TxID)
		case wal.KindCommit:
			version, err := rec.Version()
			if err != nil {
				return err
			}
			pt := pending[rec.TxID]
			delete(pending, rec.TxID)
			if pt == nil {
				return nil
			}
			for _, ir := range pt.images {
				img, err := ir.PageImage()
				if err != nil {
					return err
				}
				img.Apply(buf, ir.LSN)
				m.store.RaiseHighWater(img.ID + 1)
				if err = m.store.WritePage(buf); err != nil {
					return err
				}
				m.pool.Drop(img.ID)
			}
			for _, u := range pt.roots {
				rs.roots[u.Index] = recoveredRoot{kind: u.Kind, root: u.Root}
			}
			rs.version = version
			rs.replayed++
		case wal.KindCheckpoint:
			// a checkpoint newer than the superblock means the superblock
			// write was lost after the log reset
			cp, err := rec.Checkpoint()
			if err != nil {
				return err
			}
			return errors.Wrapf(page.ErrCorruption, "log checkpoint at lsn %d (version %d) is newer than the superblock", rec.LSN, cp.Version)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "replay log")
	}
	m.log.EnsureLSN(sb.CheckpointLSN)
	if rs.replayed > 0 {
		if err = m.store.Sync(); err != nil {
			return nil, err
		}
		m.logger.Info("log replayed", "transactions", rs.replayed, "version", rs.version, "discarded", len(pending))
	}
	if rs.replayed == 0 && sb.Clean {
		if err = m.store.LoadFreeList(sb.FreeListHead); err != nil {
			return nil, err
		}
		return rs, nil
	}
	if err = m.sweep(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// sweep rebuilds the free list from the pages reachable from the recovered
// roots. Pages of transactions that never committed become free.
func (m *Manager) sweep(rs *recovered) error {
	reachable := make(map[page.ID]struct{})
	for name, r := range rs.roots {
		tree, err := treeOf(index.Kind(r.kind))
		if err != nil {
			return errors.Wrapf(page.ErrCorruption, "index %q: %v", name, err)
		}
		err = tree.Walk(m.src, r.root, func(id page.ID) error {
			if _, dup := reachable[id]; dup {
				return errors.Wrapf(page.ErrCorruption, "index %q: page %d reachable twice", name, id)
			}
			reachable[id] = struct{}{}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "sweep index %q", name)
		}
	}
	hw := m.store.HighWater()
	free := make([]page.ID, 0, int(hw)-len(reachable))
	for id := page.FirstDataPage; id < hw; id++ {
		if _, ok := reachable[id]; !ok {
			free = append(free, id)
		}
	}
	m.store.ResetFreeList(free)
	m.logger.Info("free list rebuilt", "reachable", len(reachable), "free", len(free), "high_water", uint64(hw))
	return nil
}
