package tuplebox

import "sync/atomic"

type ExportStat struct {
	Version         uint64
	ActiveTx        int
	TxCommitCount   uint64
	TxRollbackCount uint64
	TxConflictCount uint64
	// TxCommitSumTs, TxCommitMaxTime and TxCommitMinTime are in
	// nanoseconds.
	TxCommitSumTs   uint64
	TxCommitMaxTime uint64
	TxCommitMinTime uint64
	Checkpoints     uint64
	FreePages       int
	PendingFree     int
	HighWater       uint64
	LogSize         int64
	PageCacheHit    uint64
	PageCacheMis    uint64
	PageEvictions   uint64
	PageWriteBacks  uint64
}

type iStat struct {
	txCommitMaxTime atomic.Uint64
	txCommitMinTime atomic.Uint64
	txCommitSumTs   atomic.Uint64
}

func (s *iStat) observeCommit(ns uint64) {
	s.txCommitSumTs.Add(ns)
	for {
		cur := s.txCommitMaxTime.Load()
		if ns <= cur || s.txCommitMaxTime.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := s.txCommitMinTime.Load()
		if (cur != 0 && ns >= cur) || s.txCommitMinTime.CompareAndSwap(cur, ns) {
			break
		}
	}
}
