package pagestore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/nyan233/tuplebox/internal/aio"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, cipher page.Cipher) *Store {
	s, err := Open(Options{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Workers: 2,
		Cipher:  cipher,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestFreeHeap(t *testing.T) {
	h := newFreeHeap()
	for _, id := range []page.ID{9, 3, 7, 1, 5, 2} {
		h.push(id)
	}
	require.True(t, h.contains(7))
	require.Equal(t, []page.ID{1, 2, 3, 5, 7, 9}, h.sorted())
	var got []page.ID
	for {
		id, ok := h.pop()
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.Equal(t, []page.ID{1, 2, 3, 5, 7, 9}, got)
	require.False(t, h.contains(7))
	require.Equal(t, 0, h.len())
}

func TestAllocateFree(t *testing.T) {
	s := openTestStore(t, nil)
	require.Equal(t, page.FirstDataPage, s.Allocate())
	require.Equal(t, page.ID(3), s.Allocate())
	require.Equal(t, page.ID(4), s.Allocate())
	require.NoError(t, s.Free(4))
	require.NoError(t, s.Free(2))
	require.Equal(t, 2, s.FreeCount())
	require.Equal(t, page.ID(2), s.Allocate(), "lowest free page first")
	require.Equal(t, page.ID(4), s.Allocate())
	require.Equal(t, page.ID(5), s.Allocate())
	require.ErrorIs(t, s.Free(page.Nil), errFreeReserved)
	require.ErrorIs(t, s.Free(1), errFreeReserved)
	require.Error(t, s.Free(100))
	require.NoError(t, s.Free(3))
	require.Panics(t, func() {
		_ = s.Free(3)
	})
}

func TestReadWritePages(t *testing.T) {
	run := func(t *testing.T, cipher page.Cipher) {
		s := openTestStore(t, cipher)
		var pages []page.Page
		for i := 0; i < 8; i++ {
			id := s.Allocate()
			p := page.Page(make([]byte, page.Size))
			page.Init(p, id, page.TypeOrdered)
			n := copy(p.Body(), bytes.Repeat([]byte{byte(i + 1)}, 100*(i+1)))
			p.SetBodyLen(n)
			p.SetLSN(uint64(i + 10))
			pages = append(pages, p)
		}
		require.NoError(t, s.WritePages(pages))
		require.NoError(t, s.Sync())

		buf := page.Page(make([]byte, page.Size))
		for i, want := range pages {
			require.NoError(t, s.ReadPage(want.ID(), buf))
			require.Equal(t, want.Data(), buf.Data(), "page %d", i)
			require.Equal(t, want.LSN(), buf.LSN())
		}
		// never written
		require.NoError(t, s.ReadPage(50, buf))
		require.True(t, page.IsZero(buf))
	}
	t.Run("Plain", func(t *testing.T) {
		run(t, nil)
	})
	t.Run("Aes", func(t *testing.T) {
		c, err := page.NewAesCipher(bytes.Repeat([]byte{7}, 32))
		require.NoError(t, err)
		run(t, c)
	})
}

func TestCorruptPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	svc, err := aio.OpenFile(path, 1)
	require.NoError(t, err)
	s, err := Open(Options{IO: svc})
	require.NoError(t, err)
	defer s.Close()

	p := page.Page(make([]byte, page.Size))
	page.Init(p, 2, page.TypeHash)
	p.SetBodyLen(10)
	require.NoError(t, s.WritePage(p))

	raw := make([]byte, 1)
	raw[0] = 0xee
	require.NoError(t, svc.Await(svc.SubmitWrite(2*page.Size+page.HeaderSize+3, raw)))
	require.ErrorIs(t, s.ReadPage(2, p), page.ErrCorruption)
}

func TestSuperblockAndFreeList(t *testing.T) {
	s := openTestStore(t, nil)
	_, ok, err := s.ReadSuperblock()
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 2000; i++ {
		s.Allocate()
	}
	for id := page.ID(3); id < 2000; id += 2 {
		require.NoError(t, s.Free(id))
	}
	want := s.free.sorted()
	head, err := s.PersistFreeList()
	require.NoError(t, err)
	require.Equal(t, page.ID(3), head)

	sb := &page.Superblock{
		StoreID:      uuid.New(),
		Version:      4,
		HighWater:    s.HighWater(),
		FreeListHead: head,
		Clean:        true,
	}
	require.NoError(t, s.WriteSuperblock(sb))

	s.ResetFreeList(nil)
	require.Equal(t, 0, s.FreeCount())
	got, ok, err := s.ReadSuperblock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sb.StoreID, got.StoreID)
	require.Equal(t, uint64(1), got.Generation)
	require.NoError(t, s.LoadFreeList(got.FreeListHead))
	require.Equal(t, want, s.free.sorted())
}

func TestSuperblockSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	open := func() (*Store, aio.Service) {
		svc, err := aio.OpenFile(path, 1)
		require.NoError(t, err)
		s, err := Open(Options{IO: svc})
		require.NoError(t, err)
		return s, svc
	}
	s, svc := open()
	id := uuid.New()
	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, s.WriteSuperblock(&page.Superblock{StoreID: id, Version: v}))
	}
	got, ok, err := s.ReadSuperblock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), got.Version)
	require.Equal(t, uint64(3), got.Generation)

	// tear the newest copy, generation 3 in slot 1
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, svc.Await(svc.SubmitWrite(page.Size+page.HeaderSize+8, raw)))
	require.NoError(t, s.Close())

	s, svc = open()
	got, ok, err = s.ReadSuperblock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Version, "falls back to the previous copy")
	require.Equal(t, id, got.StoreID)

	// the next write replaces the damaged slot, not the good one
	require.NoError(t, s.WriteSuperblock(&page.Superblock{StoreID: id, Version: 4}))
	got, _, err = s.ReadSuperblock()
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.Version)
	require.Equal(t, uint64(3), got.Generation)

	require.NoError(t, svc.Await(svc.SubmitWrite(page.HeaderSize+8, raw)))
	require.NoError(t, svc.Await(svc.SubmitWrite(page.Size+page.HeaderSize+8, raw)))
	_, _, err = s.ReadSuperblock()
	require.ErrorIs(t, err, page.ErrCorruption)
	require.NoError(t, s.Close())
}

func TestWriteFailure(t *testing.T) {
	svc, err := aio.OpenFile(filepath.Join(t.TempDir(), "test.db"), 1)
	require.NoError(t, err)
	faulty := aio.NewFaulty(svc)
	s, err := Open(Options{IO: faulty})
	require.NoError(t, err)
	defer s.Close()

	p := page.Page(make([]byte, page.Size))
	page.Init(p, s.Allocate(), page.TypeOrdered)
	faulty.FailWrites(true)
	require.ErrorIs(t, s.WritePage(p), aio.ErrIo)
	faulty.FailWrites(false)
	faulty.FailSyncs(true)
	require.NoError(t, s.WritePage(p))
	require.ErrorIs(t, s.Sync(), aio.ErrIo)
}
