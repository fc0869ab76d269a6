package txn

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/wal"
)

// Checkpoint writes every committed page to the store and restarts the log.
func (m *Manager) Checkpoint() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.checkpoint(false)
}

// checkpoint runs with commitMu held. clean marks a shutdown after which
// the persisted free list can be trusted.
func (m *Manager) checkpoint(clean bool) error {
	start := time.Now()
	lsn := m.log.LastLSN()
	if err := m.log.FlushThrough(lsn); err != nil {
		return err
	}
	if err := m.pool.FlushAll(); err != nil {
		return err
	}
	if err := m.store.Sync(); err != nil {
		return err
	}
	head, err := m.store.PersistFreeList()
	if err != nil {
		return err
	}
	snap := m.published.Load()
	roots := make([]page.IndexRoot, 0, len(snap.roots))
	for name, root := range snap.roots {
		roots = append(roots, page.IndexRoot{Name: name, Kind: uint8(m.defs[name].kind), Root: root})
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Name < roots[j].Name
	})
	before := m.log.Size()
	sb := &page.Superblock{
		StoreID:       m.storeID,
		Version:       snap.version,
		CheckpointLSN: lsn,
		HighWater:     m.store.HighWater(),
		FreeListHead:  head,
		Clean:         clean,
		Indexes:       roots,
	}
	if err = m.store.WriteSuperblock(sb); err != nil {
		return err
	}
	if err = m.log.Reset(lsn, wal.Checkpoint{Version: snap.version, Roots: roots}); err != nil {
		return err
	}
	m.stat.checkpoints.Add(1)
	m.logger.Info("checkpoint",
		"version", snap.version,
		"lsn", lsn,
		"log", humanize.IBytes(uint64(before)),
		"pages", uint64(sb.HighWater),
		"clean", clean,
		"took", time.Since(start))
	return nil
}

func (m *Manager) checkpointLoop() {
	defer m.wg.Done()
	var tick <-chan time.Time
	if m.opt.CheckpointInterval > 0 {
		t := time.NewTicker(m.opt.CheckpointInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-m.stop:
			return
		case <-tick:
		case <-m.kick:
		}
		if err := m.Checkpoint(); err != nil {
			m.logger.Error("periodic checkpoint", "err", err)
		}
	}
}
