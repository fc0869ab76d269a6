// Package pagestore is the fixed-size page array behind the buffer pool. It
// owns page allocation (free list and high-water mark), the superblock, and
// optional page encryption.
package pagestore

import (
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nyan233/tuplebox/internal/aio"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/sys"
	"github.com/pkg/errors"
)

var errFreeReserved = errors.New("superblock pages are reserved")

type Options struct {
	Path    string
	Workers int
	Cipher  page.Cipher
	Logger  *slog.Logger
	// IO replaces the file-backed service; used by tests to inject faults.
	IO aio.Service
}

type Store struct {
	io     aio.Service
	cipher page.Cipher
	logger *slog.Logger
	bufs   sync.Pool

	mu        sync.Mutex
	free      *freeHeap
	highWater page.ID
	// gen is the generation of the newest superblock read or written.
	gen uint64
}

func Open(opt Options) (*Store, error) {
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
	s := &Store{
		io:        svc,
		cipher:    opt.Cipher,
		logger:    opt.Logger,
		free:      newFreeHeap(),
		highWater: page.FirstDataPage,
		bufs: sync.Pool{
			New: func() interface{} {
				return page.Page(make([]byte, page.Size))
			},
		},
	}
	size, err := svc.Size()
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	osPage := sys.GetSysPageSize()
	if osPage > 0 && page.Size%osPage != 0 {
		s.logger.Warn("page size is not a multiple of the os page size", "page", page.Size, "os_page", osPage)
	}
	s.logger.Debug("page store opened", "path", svc.Path(), "size", humanize.IBytes(uint64(size)), "os_page", osPage)
	return s, nil
}

func offsetOf(id page.ID) int64 {
	return int64(id) * page.Size
}

// ReadPage reads page id into p, verifying its checksum. A page that was never
// written reads as all zero.
func (s *Store) ReadPage(id page.ID, p page.Page) error {
	if err := s.io.Await(s.io.SubmitRead(offsetOf(id), p)); err != nil {
		return err
	}
	return s.open(id, p)
}

func (s *Store) open(id page.ID, p page.Page) error {
	if err := p.Verify(id); err != nil {
		return err
	}
	if s.cipher != nil && !page.IsZero(p) && p.Type() != page.TypeSuperblock {
		if err := s.cipher.Decrypt(id, p.LSN(), p.Body()); err != nil {
			return errors.Wrapf(err, "decrypt page %d", id)
		}
	}
	return nil
}

// seal copies p into a write buffer, encrypting and checksumming the copy.
func (s *Store) seal(p page.Page) (page.Page, error) {
	out := s.bufs.Get().(page.Page)
	copy(out[:page.HeaderSize], p[:page.HeaderSize])
	if s.cipher != nil && p.Type() != page.TypeSuperblock {
		ct, err := s.cipher.Encrypt(p.ID(), p.LSN(), p.Body())
		if err != nil {
			s.bufs.Put(out)
			return nil, errors.Wrapf(err, "encrypt page %d", p.ID())
		}
		copy(out.Body(), ct)
		s.cipher.Free(ct)
	} else {
		copy(out.Body(), p.Body())
	}
	out.Seal()
	return out, nil
}

// WritePages submits all pages as one batch and waits for every write.
// Pages are not synced; call Sync for durability.
func (s *Store) WritePages(pages []page.Page) error {
	tokens := make([]*aio.Token, 0, len(pages))
	bufs := make([]page.Page, 0, len(pages))
	defer func() {
		for _, b := range bufs {
			s.bufs.Put(b)
		}
	}()
	for _, p := range pages {
		out, err := s.seal(p)
		if err != nil {
			_ = aio.AwaitAll(s.io, tokens)
			return err
		}
		bufs = append(bufs, out)
		tokens = append(tokens, s.io.SubmitWrite(offsetOf(p.ID()), out))
	}
	return aio.AwaitAll(s.io, tokens)
}

func (s *Store) WritePage(p page.Page) error {
	return s.WritePages([]page.Page{p})
}

func (s *Store) Sync() error {
	return s.io.Await(s.io.SubmitSync())
}

// Allocate returns the lowest free page, or extends the store.
func (s *Store) Allocate() page.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.free.pop(); ok {
		return id
	}
	id := s.highWater
	s.highWater++
	return id
}

func (s *Store) Free(id page.ID) error {
	if id < page.FirstDataPage {
		return errFreeReserved
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= s.highWater {
		return errors.Errorf("free page %d beyond high water %d", id, s.highWater)
	}
	if s.free.contains(id) {
		panic(errors.Errorf("double free of page %d", id))
	}
	s.free.push(id)
	return nil
}

func (s *Store) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.len()
}

func (s *Store) IsFree(id page.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.contains(id)
}

func (s *Store) HighWater() page.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater
}

// RaiseHighWater moves the high-water mark up to hw. It never lowers it.
func (s *Store) RaiseHighWater(hw page.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hw > s.highWater {
		s.highWater = hw
	}
}

// ResetFreeList replaces the free list.
func (s *Store) ResetFreeList(ids []page.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = newFreeHeap()
	for _, id := range ids {
		if id >= page.FirstDataPage && id < s.highWater && !s.free.contains(id) {
			s.free.push(id)
		}
	}
}

// ReadSuperblock returns the newest superblock slot that verifies, or
// ok=false for a new store. A damaged slot is skipped as long as the other
// one holds a valid copy.
func (s *Store) ReadSuperblock() (sb *page.Superblock, ok bool, err error) {
	p := s.bufs.Get().(page.Page)
	defer s.bufs.Put(p)
	var damaged error
	for slot := page.ID(0); slot < page.SuperblockSlots; slot++ {
		cand, err := s.readSlot(slot, p)
		if errors.Is(err, page.ErrCorruption) {
			s.logger.Warn("superblock slot damaged", "slot", uint64(slot), "err", err)
			damaged = err
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if cand != nil && (sb == nil || cand.Generation > sb.Generation) {
			sb = cand
		}
	}
	if sb == nil {
		if damaged != nil {
			return nil, false, errors.Wrap(damaged, "no valid superblock")
		}
		return nil, false, nil
	}
	s.mu.Lock()
	s.gen = sb.Generation
	s.mu.Unlock()
	return sb, true, nil
}

func (s *Store) readSlot(slot page.ID, p page.Page) (*page.Superblock, error) {
	if err := s.ReadPage(slot, p); err != nil {
		return nil, err
	}
	if page.IsZero(p) {
		return nil, nil
	}
	sb := new(page.Superblock)
	if err := sb.Decode(p); err != nil {
		return nil, err
	}
	if page.SlotOf(sb.Generation) != slot {
		return nil, errors.Wrapf(page.ErrCorruption, "superblock generation %d in slot %d", sb.Generation, slot)
	}
	return sb, nil
}

// WriteSuperblock writes sb as the next generation into the slot not holding
// the current copy and syncs the store.
func (s *Store) WriteSuperblock(sb *page.Superblock) error {
	s.mu.Lock()
	sb.Generation = s.gen + 1
	s.mu.Unlock()
	p := page.Page(make([]byte, page.Size))
	if err := sb.Encode(p); err != nil {
		return err
	}
	if err := s.WritePage(p); err != nil {
		return err
	}
	if err := s.Sync(); err != nil {
		return err
	}
	s.mu.Lock()
	s.gen = sb.Generation
	s.mu.Unlock()
	return nil
}

// PersistFreeList writes the free list as a chain of freelist pages. The
// chain is stored in the lowest free pages themselves, which stay free; it is
// only valid until one of them is allocated.
func (s *Store) PersistFreeList() (head page.ID, err error) {
	s.mu.Lock()
	ids := s.free.sorted()
	s.mu.Unlock()
	if len(ids) == 0 {
		return page.Nil, nil
	}
	chainLen := (len(ids) + freeListPerPage - 1) / freeListPerPage
	chain := ids[:chainLen]
	pages := make([]page.Page, 0, chainLen)
	rest := ids
	for i, id := range chain {
		next := page.Nil
		if i+1 < chainLen {
			next = chain[i+1]
		}
		n := min(freeListPerPage, len(rest))
		p := page.Page(make([]byte, page.Size))
		encodeFreeListPage(p, id, next, rest[:n])
		rest = rest[n:]
		pages = append(pages, p)
	}
	if err = s.WritePages(pages); err != nil {
		return page.Nil, err
	}
	return chain[0], nil
}

// LoadFreeList reads the chain written by PersistFreeList.
func (s *Store) LoadFreeList(head page.ID) error {
	var (
		ids  []page.ID
		seen = make(map[page.ID]struct{})
		p    = page.Page(make([]byte, page.Size))
	)
	for id := head; id != page.Nil; {
		if _, ok := seen[id]; ok {
			return errors.Wrapf(page.ErrCorruption, "freelist chain loops at page %d", id)
		}
		seen[id] = struct{}{}
		if err := s.ReadPage(id, p); err != nil {
			return err
		}
		next, part, err := decodeFreeListPage(p)
		if err != nil {
			return err
		}
		ids = append(ids, part...)
		id = next
	}
	s.ResetFreeList(ids)
	return nil
}

func (s *Store) Close() error {
	return s.io.Close()
}
