// Package wal is the write-ahead log. Records are appended to an in-memory
// tail and become durable in groups through FlushThrough.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nyan233/tuplebox/internal/aio"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

var ErrLogIo = errors.New("log io error")

const (
	formatVersion = 1
	// HeaderSize is the fixed log file header:
	//
	//	0  magic
	//	4  format version
	//	8  store id
	//	24 base lsn
	//	60 crc32 of [0:60)
	HeaderSize = 64
)

var logMagic = [4]byte{'t', 'b', 'w', 'l'}

type Options struct {
	Path    string
	StoreID uuid.UUID
	Workers int
	// Cipher encrypts page images with the same keystream the page store uses
	// for the page at that lsn.
	Cipher page.Cipher
	Logger *slog.Logger
	IO     aio.Service
}

type Log struct {
	io      aio.Service
	storeID uuid.UUID
	cipher  page.Cipher
	logger  *slog.Logger

	// flushMu serialises writers of the file.
	flushMu    sync.Mutex
	durableOff int64
	durableLSN uint64

	mu       sync.Mutex
	pending  []byte
	nextLSN  uint64
	lastLSN  uint64
	poisoned error
}

func Open(opt Options) (*Log, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	svc := opt.IO
	if svc == nil {
		var err error
		svc, err = aio.OpenFile(opt.Path, opt.Workers)
		if err != nil {
			return nil, err
		}
	}
	l := &Log{
		io:      svc,
		storeID: opt.StoreID,
		cipher:  opt.Cipher,
		logger:  opt.Logger,
		nextLSN: 1,
	}
	if err := l.open(); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) open() error {
	size, err := l.io.Size()
	if err != nil {
		return err
	}
	if size < HeaderSize {
		// new or torn before the header was durable
		return l.rewrite(0, nil)
	}
	data := make([]byte, size)
	if err = l.io.Await(l.io.SubmitRead(0, data)); err != nil {
		return err
	}
	base, err := l.readHeader(data)
	if err != nil {
		return err
	}
	last := base
	end, err := scan(data, func(rec Record) error {
		last = max(last, rec.LSN)
		return nil
	})
	if err != nil {
		return err
	}
	if end < size {
		l.logger.Warn("truncating log tail", "path", l.io.Path(), "offset", end, "dropped", humanize.IBytes(uint64(size-end)))
		if err = l.io.Truncate(end); err != nil {
			return err
		}
		if err = l.io.Await(l.io.SubmitSync()); err != nil {
			return err
		}
	}
	l.durableOff = end
	l.durableLSN = last
	l.lastLSN = last
	l.nextLSN = last + 1
	l.logger.Debug("log opened", "path", l.io.Path(), "size", humanize.IBytes(uint64(end)), "next_lsn", l.nextLSN)
	return nil
}

func (l *Log) readHeader(data []byte) (base uint64, err error) {
	h := data[:HeaderSize]
	if crc32.ChecksumIEEE(h[:60]) != binary.BigEndian.Uint32(h[60:64]) || [4]byte(h[0:4]) != logMagic {
		return 0, errors.Wrapf(page.ErrCorruption, "%s: bad log header", l.io.Path())
	}
	if v := binary.BigEndian.Uint32(h[4:8]); v != formatVersion {
		return 0, errors.Errorf("%s: unsupported log version %d", l.io.Path(), v)
	}
	if id := uuid.UUID(h[8:24]); id != l.storeID {
		return 0, errors.Wrapf(page.ErrCorruption, "%s: log belongs to store %s, not %s", l.io.Path(), id, l.storeID)
	}
	return binary.BigEndian.Uint64(h[24:32]), nil
}

func (l *Log) header(base uint64) []byte {
	h := make([]byte, HeaderSize)
	copy(h[0:4], logMagic[:])
	binary.BigEndian.PutUint32(h[4:8], formatVersion)
	copy(h[8:24], l.storeID[:])
	binary.BigEndian.PutUint64(h[24:32], base)
	binary.BigEndian.PutUint32(h[60:64], crc32.ChecksumIEEE(h[:60]))
	return h
}

// scan calls fn for every intact record after the header and returns the
// offset just past the last one.
func scan(data []byte, fn func(Record) error) (int64, error) {
	off := HeaderSize
	for off < len(data) {
		rec, n, err := readRecord(data[off:])
		if err != nil {
			// a torn or damaged record ends the log
			break
		}
		if err = fn(rec); err != nil {
			return int64(off), err
		}
		off += n
	}
	return int64(off), nil
}

// rewrite replaces the whole file with a header and the given records.
func (l *Log) rewrite(base uint64, body []byte) error {
	if err := l.io.Truncate(0); err != nil {
		return err
	}
	buf := append(l.header(base), body...)
	if err := l.io.Await(l.io.SubmitWrite(0, buf)); err != nil {
		return err
	}
	if err := l.io.Await(l.io.SubmitSync()); err != nil {
		return err
	}
	l.durableOff = int64(len(buf))
	return nil
}

// EnsureLSN makes the next lsn handed out greater than lsn.
func (l *Log) EnsureLSN(lsn uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextLSN <= lsn {
		l.nextLSN = lsn + 1
	}
}

func (l *Log) append(txid uint64, kind Kind, payload func(lsn uint64, dst []byte) []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned != nil {
		return 0, l.poisoned
	}
	lsn := l.nextLSN
	l.nextLSN++
	var body []byte
	if payload != nil {
		body = payload(lsn, nil)
	}
	l.pending = appendRecord(l.pending, lsn, txid, kind, body)
	l.lastLSN = lsn
	return lsn, nil
}

func (l *Log) AppendBegin(txid uint64) (uint64, error) {
	return l.append(txid, KindBegin, nil)
}

func (l *Log) AppendAbort(txid uint64) (uint64, error) {
	return l.append(txid, KindAbort, nil)
}

func (l *Log) AppendCommit(txid, version uint64) (uint64, error) {
	return l.append(txid, KindCommit, func(_ uint64, dst []byte) []byte {
		return binary.BigEndian.AppendUint64(dst, version)
	})
}

func (l *Log) AppendRootUpdate(txid uint64, u RootUpdate) (uint64, error) {
	return l.append(txid, KindRootUpdate, func(_ uint64, dst []byte) []byte {
		return u.encode(dst)
	})
}

// AppendPageImage logs the image of p and stamps p with the record lsn.
func (l *Log) AppendPageImage(txid uint64, p page.Page) (uint64, error) {
	var encErr error
	lsn, err := l.append(txid, KindPageImage, func(lsn uint64, dst []byte) []byte {
		p.SetLSN(lsn)
		img := ImageOf(p)
		if l.cipher != nil {
			ct, err := l.cipher.Encrypt(img.ID, lsn, img.Data)
			if err != nil {
				encErr = err
				return nil
			}
			defer l.cipher.Free(ct)
			img.Data = ct
		}
		return img.encode(dst)
	})
	if err != nil {
		return 0, err
	}
	if encErr != nil {
		l.poison(errors.Wrap(encErr, "encrypt page image"))
		return 0, l.Err()
	}
	return lsn, nil
}

func (l *Log) LastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLSN
}

func (l *Log) DurableLSN() uint64 {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	return l.durableLSN
}

func (l *Log) poison(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned == nil {
		l.poisoned = fmt.Errorf("%w: %w", ErrLogIo, err)
		l.logger.Error("log poisoned", "path", l.io.Path(), "err", err)
	}
}

func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poisoned
}

// FlushThrough makes every record up to and including lsn durable.
func (l *Log) FlushThrough(lsn uint64) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	if lsn <= l.durableLSN {
		return l.Err()
	}
	l.mu.Lock()
	if l.poisoned != nil {
		l.mu.Unlock()
		return l.poisoned
	}
	buf := l.pending
	last := l.lastLSN
	l.pending = nil
	l.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	err := l.io.Await(l.io.SubmitWrite(l.durableOff, buf))
	if err == nil {
		err = l.io.Await(l.io.SubmitSync())
	}
	if err != nil {
		// drop whatever part of the batch reached the file
		if terr := l.io.Truncate(l.durableOff); terr != nil {
			l.logger.Error("truncate after failed flush", "err", terr)
		}
		l.poison(err)
		return l.Err()
	}
	l.durableOff += int64(len(buf))
	l.durableLSN = last
	return nil
}

// Replay calls fn for every durable record in lsn order. Page images are
// handed out decrypted.
func (l *Log) Replay(fn func(Record) error) error {
	l.flushMu.Lock()
	end := l.durableOff
	l.flushMu.Unlock()
	if end <= HeaderSize {
		return nil
	}
	data := make([]byte, end)
	if err := l.io.Await(l.io.SubmitRead(0, data)); err != nil {
		return err
	}
	_, err := scan(data, func(rec Record) error {
		if rec.Kind == KindPageImage && l.cipher != nil && len(rec.Payload) > pageImageHeader {
			id := page.ID(binary.BigEndian.Uint64(rec.Payload[0:8]))
			if err := l.cipher.Decrypt(id, rec.LSN, rec.Payload[pageImageHeader:]); err != nil {
				return err
			}
		}
		return fn(rec)
	})
	return err
}

// Reset discards the log and starts it over with a checkpoint record at lsn.
// It must only be called once everything logged so far is in the store.
func (l *Log) Reset(lsn uint64, cp Checkpoint) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.mu.Lock()
	if l.poisoned != nil {
		l.mu.Unlock()
		return l.poisoned
	}
	if len(l.pending) > 0 {
		l.mu.Unlock()
		return errors.New("reset with unflushed records")
	}
	body := appendRecord(nil, lsn, 0, KindCheckpoint, cp.encode(nil))
	if l.nextLSN <= lsn {
		l.nextLSN = lsn + 1
	}
	l.mu.Unlock()
	if err := l.rewrite(lsn, body); err != nil {
		l.poison(err)
		return l.Err()
	}
	l.durableLSN = max(l.durableLSN, lsn)
	return nil
}

func (l *Log) Size() int64 {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	return l.durableOff
}

func (l *Log) Close() error {
	return l.io.Close()
}
