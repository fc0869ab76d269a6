// Package buffer caches pages of the page store in a fixed set of frames.
// Replacement is a cooling clock: the hand demotes hot frames to cool, and a
// cool frame that stays unreferenced is evicted once its cost credit is spent.
package buffer

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/pagestore"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrPoolExhausted = errors.New("buffer pool exhausted")

const stripeCount = 16

// LogFlusher is the write-ahead log as seen by the pool: a dirty frame is only
// written back after the log is durable through the frame's page lsn.
type LogFlusher interface {
	FlushThrough(lsn uint64) error
}

type Options struct {
	Frames int
	// FlushWorkers bounds the parallelism of FlushAll.
	FlushWorkers int
	Store        *pagestore.Store
	Log          LogFlusher
	Logger       *slog.Logger
}

type Stat struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
}

type iStat struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writeBacks atomic.Uint64
}

type stripe struct {
	mu    sync.Mutex
	table map[page.ID]*Frame
}

type Pool struct {
	store   *pagestore.Store
	log     atomic.Pointer[LogFlusher]
	logger  *slog.Logger
	workers int
	frames  []*Frame
	stripes [stripeCount]stripe

	freeMu sync.Mutex
	free   []*Frame

	clockMu sync.Mutex
	hand    int

	stat iStat
}

func New(opt Options) *Pool {
	if opt.Frames <= 0 {
		opt.Frames = 1024
	}
	if opt.FlushWorkers <= 0 {
		opt.FlushWorkers = 4
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	p := &Pool{
		store:   opt.Store,
		logger:  opt.Logger,
		workers: opt.FlushWorkers,
		frames:  make([]*Frame, opt.Frames),
		free:    make([]*Frame, 0, opt.Frames),
	}
	if opt.Log != nil {
		p.SetLogFlusher(opt.Log)
	}
	slab := make([]byte, opt.Frames*page.Size)
	for i := range p.frames {
		f := &Frame{buf: page.Page(slab[i*page.Size : (i+1)*page.Size])}
		p.frames[i] = f
		p.free = append(p.free, f)
	}
	for i := range p.stripes {
		p.stripes[i].table = make(map[page.ID]*Frame)
	}
	p.logger.Debug("buffer pool ready", "frames", opt.Frames, "memory", humanize.IBytes(uint64(len(slab))))
	return p
}

// SetLogFlusher installs the log once it has been opened.
func (p *Pool) SetLogFlusher(l LogFlusher) {
	p.log.Store(&l)
}

func (p *Pool) flushLog(lsn uint64) error {
	l := p.log.Load()
	if l == nil || lsn == 0 {
		return nil
	}
	return (*l).FlushThrough(lsn)
}

func (p *Pool) stripeOf(id page.ID) *stripe {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return &p.stripes[xxhash.Sum64(b[:])%stripeCount]
}

// Fetch pins page id, reading it from the store on a miss.
func (p *Pool) Fetch(id page.ID) (*Frame, error) {
	if id == page.Nil {
		panic("buffer: fetch of nil page")
	}
	st := p.stripeOf(id)
	st.mu.Lock()
	if f, ok := st.table[id]; ok {
		f.pins.Add(1)
		st.mu.Unlock()
		f.touch()
		p.stat.hits.Add(1)
		return f, nil
	}
	st.mu.Unlock()
	p.stat.misses.Add(1)

	f, err := p.grab()
	if err != nil {
		return nil, err
	}
	if err = p.store.ReadPage(id, f.buf); err != nil {
		p.release(f)
		return nil, err
	}
	st.mu.Lock()
	if other, ok := st.table[id]; ok {
		// lost a load race; reads are idempotent, keep the resident copy
		other.pins.Add(1)
		st.mu.Unlock()
		p.release(f)
		other.touch()
		return other, nil
	}
	f.reset(id)
	f.pins.Store(1)
	st.table[id] = f
	st.mu.Unlock()
	return f, nil
}

// Reserve allocates a page id without giving it a frame. The page becomes
// resident once its first image is installed.
func (p *Pool) Reserve() page.ID {
	return p.store.Allocate()
}

// Install makes a logged page image resident as a dirty, unpinned frame.
// When every frame is pinned the image is written straight to the store
// instead; the log must already be durable through its lsn.
func (p *Pool) Install(pg page.Page) error {
	id := pg.ID()
	f, err := p.grab()
	if errors.Is(err, ErrPoolExhausted) {
		if err = p.flushLog(pg.LSN()); err != nil {
			return err
		}
		if err = p.store.WritePage(pg); err != nil {
			return err
		}
		p.stat.writeBacks.Add(1)
		return nil
	}
	if err != nil {
		return err
	}
	copy(f.buf, pg)
	st := p.stripeOf(id)
	st.mu.Lock()
	if _, ok := st.table[id]; ok {
		st.mu.Unlock()
		panic(errors.Errorf("buffer: installed page %d is already resident", id))
	}
	f.reset(id)
	f.dirty.Store(true)
	st.table[id] = f
	st.mu.Unlock()
	return nil
}

func (p *Pool) Unpin(f *Frame, dirty bool) {
	if dirty {
		f.dirty.Store(true)
	}
	if f.pins.Add(-1) < 0 {
		panic(errors.Errorf("buffer: unpin of unpinned page %d", f.ID()))
	}
}

// FreePage drops page id from the pool without writing it back and returns
// the id to the store free list. The page must not be pinned.
func (p *Pool) FreePage(id page.ID) error {
	st := p.stripeOf(id)
	st.mu.Lock()
	f, ok := st.table[id]
	if ok {
		if f.pins.Load() != 0 {
			st.mu.Unlock()
			panic(errors.Errorf("buffer: free of pinned page %d", id))
		}
		delete(st.table, id)
		f.id.Store(uint64(page.Nil))
	}
	st.mu.Unlock()
	if ok {
		p.release(f)
	}
	return p.store.Free(id)
}

// Drop forgets page id without freeing it. Recovery uses it after writing
// pages to the store behind the pool.
func (p *Pool) Drop(id page.ID) {
	st := p.stripeOf(id)
	st.mu.Lock()
	f, ok := st.table[id]
	if ok && f.pins.Load() == 0 {
		delete(st.table, id)
		f.id.Store(uint64(page.Nil))
	} else {
		ok = false
	}
	st.mu.Unlock()
	if ok {
		p.release(f)
	}
}

func (p *Pool) release(f *Frame) {
	f.id.Store(uint64(page.Nil))
	p.freeMu.Lock()
	p.free = append(p.free, f)
	p.freeMu.Unlock()
}

// grab returns a detached frame, evicting one if no frame is free.
func (p *Pool) grab() (*Frame, error) {
	p.freeMu.Lock()
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		p.freeMu.Unlock()
		return f, nil
	}
	p.freeMu.Unlock()
	return p.evict()
}

func (p *Pool) evict() (*Frame, error) {
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	n := len(p.frames)
	// pinned counts consecutive frames that cannot be evicted at all
	pinned := 0
	for step := 0; step < n*(maxCost+4) && pinned < n; step++ {
		f := p.frames[p.hand]
		p.hand = (p.hand + 1) % n
		id := f.ID()
		if id == page.Nil || f.pins.Load() > 0 {
			pinned++
			continue
		}
		pinned = 0
		if f.swizzles.Load() > 0 {
			panic(errors.Errorf("buffer: page %d is swizzled but unpinned", id))
		}
		if f.ref.Swap(false) {
			continue
		}
		if f.state.Load() == stateHot {
			f.cool()
			continue
		}
		if f.cost.Load() > 0 {
			f.cost.Add(-1)
			continue
		}
		if f.dirty.Load() {
			if err := p.writeBack([]*Frame{f}); err != nil {
				return nil, err
			}
		}
		st := p.stripeOf(id)
		st.mu.Lock()
		if f.pins.Load() != 0 || f.dirty.Load() || st.table[id] != f {
			st.mu.Unlock()
			continue
		}
		delete(st.table, id)
		f.id.Store(uint64(page.Nil))
		st.mu.Unlock()
		p.stat.evictions.Add(1)
		return f, nil
	}
	p.logger.Warn("buffer pool exhausted", "frames", n)
	return nil, ErrPoolExhausted
}

// writeBack forces the log through the newest page lsn of frames and writes
// the dirty ones as one batch.
func (p *Pool) writeBack(frames []*Frame) error {
	for _, f := range frames {
		f.latch.Lock()
	}
	defer func() {
		for _, f := range frames {
			f.latch.Unlock()
		}
	}()
	var (
		maxLSN uint64
		pages  = make([]page.Page, 0, len(frames))
		dirty  = make([]*Frame, 0, len(frames))
	)
	for _, f := range frames {
		if !f.dirty.Load() {
			continue
		}
		maxLSN = max(maxLSN, f.LSN())
		pages = append(pages, f.buf)
		dirty = append(dirty, f)
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := p.flushLog(maxLSN); err != nil {
		return err
	}
	if err := p.store.WritePages(pages); err != nil {
		return err
	}
	for _, f := range dirty {
		f.dirty.Store(false)
	}
	p.stat.writeBacks.Add(uint64(len(dirty)))
	return nil
}

// Flush writes page id back if it is resident and dirty.
func (p *Pool) Flush(id page.ID) error {
	st := p.stripeOf(id)
	st.mu.Lock()
	f, ok := st.table[id]
	if ok {
		f.pins.Add(1)
	}
	st.mu.Unlock()
	if !ok {
		return nil
	}
	defer p.Unpin(f, false)
	return p.writeBack([]*Frame{f})
}

const flushBatch = 64

// FlushAll writes back every dirty frame that carries a logged image. Frames
// with lsn 0 belong to transactions that have not committed and are skipped.
func (p *Pool) FlushAll() error {
	var dirty []*Frame
	for i := range p.stripes {
		st := &p.stripes[i]
		st.mu.Lock()
		for _, f := range st.table {
			if f.dirty.Load() && f.LSN() != 0 {
				f.pins.Add(1)
				dirty = append(dirty, f)
			}
		}
		st.mu.Unlock()
	}
	defer func() {
		for _, f := range dirty {
			p.Unpin(f, false)
		}
	}()
	var g errgroup.Group
	g.SetLimit(p.workers)
	for rest := dirty; len(rest) > 0; {
		batch := rest[:min(flushBatch, len(rest))]
		rest = rest[len(batch):]
		g.Go(func() error {
			return p.writeBack(batch)
		})
	}
	return g.Wait()
}

func (p *Pool) Resident() int {
	n := 0
	for i := range p.stripes {
		st := &p.stripes[i]
		st.mu.Lock()
		n += len(st.table)
		st.mu.Unlock()
	}
	return n
}

func (p *Pool) Stat() Stat {
	return Stat{
		Hits:       p.stat.hits.Load(),
		Misses:     p.stat.misses.Load(),
		Evictions:  p.stat.evictions.Load(),
		WriteBacks: p.stat.writeBacks.Load(),
	}
}
