package tuplebox

import (
	"time"

	"github.com/nyan233/tuplebox/internal/txn"
)

// Tx reads the snapshot taken by Begin plus its own writes. It is not safe
// for concurrent use; use one transaction per goroutine.
type Tx struct {
	db *DB
	tx *txn.Tx
}

func (tx *Tx) ID() uint64 {
	return tx.tx.ID()
}

// Version is the committed version the transaction reads.
func (tx *Tx) Version() uint64 {
	return tx.tx.Version()
}

func (tx *Tx) Get(index string, key []byte) (value []byte, found bool, err error) {
	return tx.tx.Get(index, key)
}

// GetTuple returns the tuple whose domain is key.
func (tx *Tx) GetTuple(index string, key []byte) (Tuple, bool, error) {
	rec, found, err := tx.tx.Lookup(index, key)
	if err != nil || !found {
		return Tuple{}, found, err
	}
	return Tuple{Stamp: rec.Stamp, Domain: append([]byte(nil), key...), Codomain: rec.Value}, true, nil
}

// Put inserts or replaces key. The transaction is unusable after an error
// other than ErrEmptyKey, ErrKeyTooLarge or ErrIndexNotFound.
func (tx *Tx) Put(index string, key, value []byte) error {
	return tx.tx.Put(index, key, value)
}

func (tx *Tx) Delete(index string, key []byte) (found bool, err error) {
	return tx.tx.Delete(index, key)
}

// Scan opens a cursor over [start, end). A nil bound is open. Writes made
// after the scan starts are not seen by the cursor.
func (tx *Tx) Scan(index string, start, end []byte) (*Cursor, error) {
	it, err := tx.tx.Scan(index, start, end)
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it}, nil
}

// PredicateScan returns every tuple of index for which pred holds, in scan
// order.
func (tx *Tx) PredicateScan(index string, pred func(t Tuple) bool) ([]Tuple, error) {
	c, err := tx.Scan(index, nil, nil)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	var res []Tuple
	for c.Next() {
		t, err := c.Tuple()
		if err != nil {
			return nil, err
		}
		if pred(t) {
			res = append(res, t)
		}
	}
	return res, c.Err()
}

// Commit makes the writes durable and visible. On error nothing the
// transaction wrote is visible; ErrConflict means another transaction
// committed a write to one of the same keys first.
func (tx *Tx) Commit() error {
	start := time.Now()
	writable := tx.tx.Writable()
	err := tx.tx.Commit()
	if err == nil && writable {
		tx.db.stat.observeCommit(uint64(time.Since(start)))
	}
	return err
}

// Rollback drops the transaction. It returns ErrTxDone after Commit or a
// previous Rollback.
func (tx *Tx) Rollback() error {
	return tx.tx.Abort()
}
