// Package tuplebox is an embedded transactional store of key/value tuples.
//
// A store holds named indexes, each either ordered (an adaptive radix tree)
// or hashed. Transactions read a consistent snapshot, write through
// copy-on-write pages and commit with write-ahead logging; concurrent writers
// of the same key conflict and the later one fails with ErrConflict.
package tuplebox

import (
	"os"
	"path/filepath"

	"github.com/nyan233/tuplebox/internal/txn"
	"github.com/pkg/errors"
)

type DB struct {
	cfg  Config
	m    *txn.Manager
	stat iStat
}

// Open opens or creates the store cfg.RootDir/cfg.Name and recovers it if it
// was not closed cleanly.
func Open(cfg Config) (*DB, error) {
	cfg.withDefaults()
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create root dir")
	}
	var cipher Cipher
	if cfg.CipherFactory != nil {
		var err error
		cipher, err = cfg.CipherFactory()
		if err != nil {
			return nil, errors.Wrap(err, "create cipher")
		}
	}
	m, err := txn.Open(txn.Options{
		Path:               filepath.Join(cfg.RootDir, cfg.Name),
		Indexes:            cfg.Indexes,
		Frames:             cfg.MaxPageCacheSize,
		Workers:            cfg.IoWorkers,
		FlushWorkers:       cfg.FlushWorkers,
		NodeCacheSize:      cfg.MaxNodeCacheSize,
		Cipher:             cipher,
		CheckpointInterval: cfg.CheckpointInterval,
		CheckpointLogSize:  cfg.CheckpointLogSize,
		NodeID:             cfg.NodeID,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &DB{cfg: cfg, m: m}, nil
}

// Close aborts running transactions and checkpoints the store.
func (db *DB) Close() error {
	return db.m.Close()
}

func (db *DB) Begin() (*Tx, error) {
	tx, err := db.m.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, tx: tx}, nil
}

// View runs fn in a transaction that is rolled back afterwards.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a transaction and commits it if fn succeeds. A commit
// that fails with ErrConflict reruns fn on a fresh snapshot, at most
// Config.ConflictRetries times.
func (db *DB) Update(fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := db.update(fn)
		if !errors.Is(err, ErrConflict) || attempt >= db.cfg.ConflictRetries {
			return err
		}
		db.cfg.Logger.Debug("retrying conflicting transaction", "attempt", attempt+1, "err", err)
	}
}

func (db *DB) update(fn func(tx *Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Checkpoint writes all committed pages to the store and truncates the log.
func (db *DB) Checkpoint() error {
	return db.m.Checkpoint()
}

func (db *DB) Indexes() []IndexSpec {
	return db.m.Indexes()
}

func (db *DB) Stat() ExportStat {
	st := db.m.Stat()
	return ExportStat{
		Version:         st.Version,
		ActiveTx:        st.Active,
		TxCommitCount:   st.Commits,
		TxRollbackCount: st.Aborts,
		TxConflictCount: st.Conflicts,
		TxCommitSumTs:   db.stat.txCommitSumTs.Load(),
		TxCommitMaxTime: db.stat.txCommitMaxTime.Load(),
		TxCommitMinTime: db.stat.txCommitMinTime.Load(),
		Checkpoints:     st.Checkpoints,
		FreePages:       st.FreePages,
		PendingFree:     st.PendingFree,
		HighWater:       uint64(st.HighWater),
		LogSize:         st.LogSize,
		PageCacheHit:    st.Pool.Hits,
		PageCacheMis:    st.Pool.Misses,
		PageEvictions:   st.Pool.Evictions,
		PageWriteBacks:  st.Pool.WriteBacks,
	}
}
