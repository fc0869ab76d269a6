package buffer

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/nyan233/tuplebox/internal/aio"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/pagestore"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	mu      sync.Mutex
	flushed uint64
	calls   int
}

func (l *fakeLog) FlushThrough(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.flushed = max(l.flushed, lsn)
	return nil
}

func newTestPool(t *testing.T, frames int) (*Pool, *pagestore.Store, *fakeLog) {
	store, err := pagestore.Open(pagestore.Options{
		Path:    filepath.Join(t.TempDir(), "pool.db"),
		Workers: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	log := new(fakeLog)
	return New(Options{Frames: frames, Store: store, Log: log}), store, log
}

func image(id page.ID, b byte, lsn uint64) page.Page {
	pg := page.Page(make([]byte, page.Size))
	page.Init(pg, id, page.TypeOrdered)
	pg.Body()[0] = b
	pg.SetBodyLen(1)
	pg.SetLSN(lsn)
	return pg
}

// writePage installs a committed-looking page holding b.
func writePage(t *testing.T, p *Pool, b byte, lsn uint64) page.ID {
	id := p.Reserve()
	require.NoError(t, p.Install(image(id, b, lsn)))
	return id
}

func TestFetchHitMiss(t *testing.T) {
	p, _, _ := newTestPool(t, 8)
	id := writePage(t, p, 'a', 1)
	f, err := p.Fetch(id)
	require.NoError(t, err)
	require.Equal(t, byte('a'), f.Page().Data()[0])
	p.Unpin(f, false)
	require.Equal(t, uint64(1), p.Stat().Hits)

	require.NoError(t, p.Flush(id))
	require.False(t, f.Dirty())
	p.Drop(id)
	f, err = p.Fetch(id)
	require.NoError(t, err)
	require.Equal(t, byte('a'), f.Page().Data()[0])
	p.Unpin(f, false)
	require.Equal(t, uint64(1), p.Stat().Misses)
}

func TestEvictionWritesBackAfterLog(t *testing.T) {
	p, _, log := newTestPool(t, 4)
	var ids []page.ID
	for i := 0; i < 16; i++ {
		ids = append(ids, writePage(t, p, byte(i), uint64(i+1)))
	}
	st := p.Stat()
	require.Equal(t, uint64(12), st.Evictions)
	require.Equal(t, uint64(12), st.WriteBacks)
	require.LessOrEqual(t, p.Resident(), 4)
	require.GreaterOrEqual(t, log.flushed, uint64(12))

	for i, id := range ids {
		f, err := p.Fetch(id)
		require.NoError(t, err)
		require.Equal(t, byte(i), f.Page().Data()[0])
		require.Equal(t, uint64(i+1), f.LSN())
		p.Unpin(f, false)
	}
}

func TestPoolExhausted(t *testing.T) {
	p, store, log := newTestPool(t, 3)
	var frames []*Frame
	for i := 0; i < 3; i++ {
		f, err := p.Fetch(writePage(t, p, byte(i), uint64(i+1)))
		require.NoError(t, err)
		frames = append(frames, f)
	}

	// with every frame pinned an installed image goes straight to the store
	id := writePage(t, p, 'w', 9)
	require.Equal(t, uint64(9), log.flushed)
	require.Equal(t, 3, p.Resident())
	buf := page.Page(make([]byte, page.Size))
	require.NoError(t, store.ReadPage(id, buf))
	require.Equal(t, byte('w'), buf.Data()[0])

	_, err := p.Fetch(id)
	require.ErrorIs(t, err, ErrPoolExhausted)
	p.Unpin(frames[0], false)
	f, err := p.Fetch(id)
	require.NoError(t, err)
	require.Equal(t, byte('w'), f.Page().Data()[0])
	p.Unpin(f, false)
	for _, f := range frames[1:] {
		p.Unpin(f, false)
	}
}

func TestCoolingKeepsHotFrames(t *testing.T) {
	p, _, _ := newTestPool(t, 4)
	hot := writePage(t, p, 'h', 1)
	require.NoError(t, p.Flush(hot))
	for i := 0; i < 40; i++ {
		// keep touching the hot page between allocations
		for j := 0; j < 8; j++ {
			f, err := p.Fetch(hot)
			require.NoError(t, err)
			p.Unpin(f, false)
		}
		writePage(t, p, byte(i), uint64(i+2))
	}
	before := p.Stat().Misses
	f, err := p.Fetch(hot)
	require.NoError(t, err)
	p.Unpin(f, false)
	require.Equal(t, before, p.Stat().Misses, "hot page stayed resident")
}

func TestSwizzle(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	id := writePage(t, p, 's', 1)
	s := NewSwip(id)
	_, ok := s.Resolve()
	require.False(t, ok)
	require.NoError(t, p.Swizzle(&s))
	f, ok := s.Resolve()
	require.True(t, ok)
	require.Equal(t, id, f.ID())
	require.Equal(t, 1, f.Pins())

	// the swizzled frame holds its pin, so only the other frame can cycle
	for i := 0; i < 4; i++ {
		writePage(t, p, byte(i), uint64(i+2))
	}
	f2, ok := s.Resolve()
	require.True(t, ok)
	require.Same(t, f, f2)

	p.Unswizzle(&s, false)
	require.False(t, s.Swizzled())
	require.Equal(t, 0, f.Pins())

	f.swizzles.Add(1)
	require.Panics(t, func() {
		for i := 0; i < 8; i++ {
			writePage(t, p, byte(i), uint64(i+10))
		}
	})
}

func TestFreePage(t *testing.T) {
	p, store, _ := newTestPool(t, 4)
	id := writePage(t, p, 'x', 1)
	require.NoError(t, p.FreePage(id))
	require.True(t, store.IsFree(id))
	require.Equal(t, id, writePage(t, p, 'y', 2), "freed id is reused")
	f, err := p.Fetch(id)
	require.NoError(t, err)
	require.Panics(t, func() {
		_ = p.FreePage(id)
	})
	p.Unpin(f, false)
}

func TestFlushAll(t *testing.T) {
	p, store, log := newTestPool(t, 256)
	var ids []page.ID
	for i := 0; i < 200; i++ {
		ids = append(ids, writePage(t, p, byte(i), uint64(i+1)))
	}
	// an image without an lsn was never logged and is not written by FlushAll
	unlogged := writePage(t, p, 'u', 0)

	require.NoError(t, p.FlushAll())
	require.Equal(t, uint64(200), p.Stat().WriteBacks)
	require.Equal(t, uint64(200), log.flushed)
	f, err := p.Fetch(unlogged)
	require.NoError(t, err)
	require.True(t, f.Dirty())
	p.Unpin(f, false)

	buf := page.Page(make([]byte, page.Size))
	for i, id := range ids {
		require.NoError(t, store.ReadPage(id, buf))
		require.Equal(t, byte(i), buf.Data()[0])
	}
}

func TestWriteBackFailure(t *testing.T) {
	svc, err := aio.OpenFile(filepath.Join(t.TempDir(), "pool.db"), 1)
	require.NoError(t, err)
	faulty := aio.NewFaulty(svc)
	store, err := pagestore.Open(pagestore.Options{IO: faulty})
	require.NoError(t, err)
	defer store.Close()
	p := New(Options{Frames: 1, Store: store, Log: new(fakeLog)})

	writePage(t, p, 'a', 1)
	faulty.FailWrites(true)
	id := p.Reserve()
	require.ErrorIs(t, p.Install(image(id, 'b', 2)), aio.ErrIo)
	faulty.FailWrites(false)
	require.NoError(t, p.Install(image(id, 'b', 2)))
	f, err := p.Fetch(id)
	require.NoError(t, err)
	require.Equal(t, byte('b'), f.Page().Data()[0])
	p.Unpin(f, false)
}
