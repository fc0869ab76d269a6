// Package indextest wires a page store, a buffer pool and a node source
// together for index tests.
package indextest

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nyan233/tuplebox/internal/buffer"
	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/pagestore"
	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
)

type Env struct {
	Store  *pagestore.Store
	Pool   *buffer.Pool
	Source *index.Source
	lsn    atomic.Uint64
}

func New(t testing.TB, frames int) *Env {
	store, err := pagestore.Open(pagestore.Options{
		Path:    filepath.Join(t.TempDir(), "index.db"),
		Workers: 2,
	})
	require.NoError(t, err)
	cache, err := index.NewNodeCache(1 << 12)
	require.NoError(t, err)
	t.Cleanup(func() {
		cache.Close()
		_ = store.Close()
	})
	pool := buffer.New(buffer.Options{Frames: frames, Store: store})
	return &Env{
		Store:  store,
		Pool:   pool,
		Source: index.NewSource(pool, cache),
	}
}

func (e *Env) Builder() *index.Builder {
	return index.NewBuilder(e.Source)
}

// Commit seals and publishes b as a committed transaction would, stamping
// the pages with increasing lsns. The retired pages are returned, not freed.
func (e *Env) Commit(t testing.TB, b *index.Builder) []page.ID {
	pages, err := b.Seal()
	require.NoError(t, err)
	for _, p := range pages {
		p.SetLSN(e.lsn.Add(1))
	}
	retired, err := b.Publish()
	require.NoError(t, err)
	return retired
}

// Reachable collects the pages reachable from root.
func Reachable(t testing.TB, tree index.Tree, r index.Reader, root page.ID) map[page.ID]struct{} {
	ids := make(map[page.ID]struct{})
	require.NoError(t, tree.Walk(r, root, func(id page.ID) error {
		_, dup := ids[id]
		require.False(t, dup, "page %d reachable twice", id)
		ids[id] = struct{}{}
		return nil
	}))
	return ids
}

// Key returns a key unique for i, followed by up to maxSuffix random bytes.
func Key(i int, maxSuffix uint32) string {
	return fmt.Sprintf("k%05d-", i) + random.GenStringOnAscii(maxSuffix)
}

// String returns a random ascii string of exactly n bytes.
func String(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for sb.Len() < n {
		sb.WriteString(random.GenStringOnAscii(uint32(n-sb.Len()) + 1))
	}
	return sb.String()
}
