package art

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/index/indextest"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
)

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func put(t *testing.T, b *index.Builder, root page.ID, key, value string) page.ID {
	root, err := Tree{}.Put(b, root, []byte(key), []byte(value), 1)
	require.NoError(t, err)
	return root
}

func get(t *testing.T, r index.Reader, root page.ID, key string) (string, bool) {
	leaf, ok, err := Tree{}.Get(r, root, []byte(key))
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	v, err := leaf.Load(r)
	require.NoError(t, err)
	return string(v), true
}

func scanAll(t *testing.T, r index.Reader, root page.ID, start, end []byte) []string {
	it := Tree{}.Scan(r, root, start, end)
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func TestPutGetDelete(t *testing.T) {
	env := indextest.New(t, 4096)
	b := env.Builder()
	var root page.ID
	want := make(map[string]string)
	for i := 0; i < 2000; i++ {
		k := indextest.Key(rand.Intn(100000), uint32(rand.Intn(24)))
		v := random.GenStringOnAscii(uint32(rand.Intn(64)))
		root = put(t, b, root, k, v)
		want[k] = v
	}
	for k, v := range want {
		got, ok := get(t, b, root, k)
		require.True(t, ok, k)
		require.Equal(t, v, got)
	}
	_, ok := get(t, b, root, "\xff\xff-missing")
	require.False(t, ok)

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	require.Equal(t, keys, scanAll(t, b, root, nil, nil))

	for i, k := range keys {
		if i%2 == 0 {
			var found bool
			var err error
			root, found, err = Tree{}.Delete(b, root, []byte(k))
			require.NoError(t, err)
			require.True(t, found)
			delete(want, k)
		}
	}
	for _, k := range keys {
		_, ok := get(t, b, root, k)
		_, exp := want[k]
		require.Equal(t, exp, ok, k)
	}
	root2, found, err := Tree{}.Delete(b, root, []byte(keys[0]))
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, root, root2)

	// everything left is reachable exactly once and nothing else is owned
	require.Len(t, indextest.Reachable(t, Tree{}, b, root), b.OwnedCount())
}

func TestRangeScanOrder(t *testing.T) {
	env := indextest.New(t, 64)
	b := env.Builder()
	var root page.ID
	for _, k := range []uint64{5, 1, 3} {
		var err error
		root, err = Tree{}.Put(b, root, u64(k), []byte("v"), 1)
		require.NoError(t, err)
	}
	env.Commit(t, b)

	it := Tree{}.Scan(env.Source, root, u64(0), u64(10))
	var got []uint64
	for it.Next() {
		got = append(got, binary.BigEndian.Uint64(it.Key()))
		v, err := it.Value()
		require.NoError(t, err)
		require.Equal(t, []byte("v"), v)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []uint64{1, 3, 5}, got)

	require.Equal(t, []string{string(u64(3))}, scanAll(t, env.Source, root, u64(2), u64(5)), "start inclusive, end exclusive")
	require.Empty(t, scanAll(t, env.Source, root, u64(6), nil))
}

func TestNode4GrowsToNode16(t *testing.T) {
	env := indextest.New(t, 64)
	b := env.Builder()
	var root page.ID
	for _, k := range []string{"a", "b", "c", "d"} {
		root = put(t, b, root, k, k)
	}
	n, err := load(b, root)
	require.NoError(t, err)
	require.Equal(t, kindNode4, n.kind)
	require.Equal(t, 4, n.num)

	root = put(t, b, root, "e", "e")
	n, err = load(b, root)
	require.NoError(t, err)
	require.Equal(t, kindNode16, n.kind)
	require.Equal(t, 5, n.num)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, scanAll(t, b, root, nil, nil))

	// published node4 grows by copy
	root = put(t, b, page.Nil, "a", "a")
	for _, k := range []string{"b", "c", "d"} {
		root = put(t, b, root, k, k)
	}
	env.Commit(t, b)
	b = env.Builder()
	root2 := put(t, b, root, "e", "e")
	require.NotEqual(t, root, root2)
	old, err := load(env.Source, root)
	require.NoError(t, err)
	require.Equal(t, kindNode4, old.kind)
	n, err = load(b, root2)
	require.NoError(t, err)
	require.Equal(t, kindNode16, n.kind)
}

func TestLayoutGrowAndShrink(t *testing.T) {
	env := indextest.New(t, 1024)
	b := env.Builder()
	root := put(t, b, page.Nil, "y", "y")
	for c := 0; c < 256; c++ {
		root = put(t, b, root, "x"+string([]byte{byte(c)}), "v")
	}
	rn, err := load(b, root)
	require.NoError(t, err)
	xn, err := load(b, rn.child('x'))
	require.NoError(t, err)
	require.Equal(t, kindNode256, xn.kind)

	del := func(c int) {
		var found bool
		root, found, err = Tree{}.Delete(b, root, []byte{'x', byte(c)})
		require.NoError(t, err)
		require.True(t, found)
	}
	kindAfter := func() kind {
		rn, err := load(b, root)
		require.NoError(t, err)
		n, err := load(b, rn.child('x'))
		require.NoError(t, err)
		return n.kind
	}
	c := 255
	for ; c >= shrink256; c-- {
		del(c)
	}
	require.Equal(t, kindNode48, kindAfter())
	for ; c >= shrink48; c-- {
		del(c)
	}
	require.Equal(t, kindNode16, kindAfter())
	for ; c >= shrink16; c-- {
		del(c)
	}
	require.Equal(t, kindNode4, kindAfter())
	for ; c >= 1; c-- {
		del(c)
	}
	// the node under 'x' had one leaf left and was replaced by it
	require.Equal(t, kindLeaf, kindAfter())
	v, ok := get(t, b, root, "x\x00")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, []string{"x\x00", "y"}, scanAll(t, b, root, nil, nil))
}

func TestPathCompressionMerge(t *testing.T) {
	env := indextest.New(t, 256)
	b := env.Builder()
	var root page.ID
	for _, k := range []string{"abc1", "abc2", "abd", "zz"} {
		root = put(t, b, root, k, k)
	}
	var found bool
	var err error
	root, found, err = Tree{}.Delete(b, root, []byte("abd"))
	require.NoError(t, err)
	require.True(t, found)

	// root -a-> {prefix "b", c -> {1, 2}} collapses into a node with prefix "bc"
	rn, err := load(b, root)
	require.NoError(t, err)
	an, err := load(b, rn.child('a'))
	require.NoError(t, err)
	require.Equal(t, []byte("bc"), an.prefix)
	require.Equal(t, 2, an.num)
	require.Equal(t, []string{"abc1", "abc2", "zz"}, scanAll(t, b, root, nil, nil))
	require.Len(t, indextest.Reachable(t, Tree{}, b, root), b.OwnedCount())
}

func TestKeysEndingInsideNodes(t *testing.T) {
	env := indextest.New(t, 256)
	b := env.Builder()
	var root page.ID
	for _, k := range []string{"abcd", "ab", "abcdef", "a", "abce"} {
		root = put(t, b, root, k, "v-"+k)
	}
	require.Equal(t, []string{"a", "ab", "abcd", "abcdef", "abce"}, scanAll(t, b, root, nil, nil))
	require.Equal(t, []string{"ab", "abcd"}, scanAll(t, b, root, []byte("aa"), []byte("abcda")))
	require.Equal(t, []string{"abcdef", "abce"}, scanAll(t, b, root, []byte("abcd\x00"), nil))

	var found bool
	var err error
	root, found, err = Tree{}.Delete(b, root, []byte("ab"))
	require.NoError(t, err)
	require.True(t, found)
	_, ok := get(t, b, root, "ab")
	require.False(t, ok)
	v, ok := get(t, b, root, "abcd")
	require.True(t, ok)
	require.Equal(t, "v-abcd", v)
	require.Equal(t, []string{"a", "abcd", "abcdef", "abce"}, scanAll(t, b, root, nil, nil))
}

func TestCopyOnWriteSharing(t *testing.T) {
	env := indextest.New(t, 4096)
	b := env.Builder()
	var root page.ID
	for i := 0; i < 1000; i++ {
		root = put(t, b, root, fmt.Sprintf("key-%04d", i), "v1")
	}
	env.Commit(t, b)
	before := indextest.Reachable(t, Tree{}, env.Source, root)

	b = env.Builder()
	root2 := put(t, b, root, "key-0500", "v2")
	after := indextest.Reachable(t, Tree{}, b, root2)

	retired := b.Retired()
	require.NotEmpty(t, retired)
	require.Len(t, after, len(before))
	shared := 0
	for id := range after {
		if _, ok := before[id]; ok {
			shared++
		} else {
			require.True(t, b.Owned(id), "new page %d belongs to the writer", id)
		}
	}
	require.Equal(t, len(before)-len(retired), shared, "only the path to the key was copied")
	require.Equal(t, len(retired), b.OwnedCount())

	v, _ := get(t, env.Source, root, "key-0500")
	require.Equal(t, "v1", v, "old root unchanged")
	v, _ = get(t, b, root2, "key-0500")
	require.Equal(t, "v2", v)
}

func TestOverflowValues(t *testing.T) {
	env := indextest.New(t, 256)
	b := env.Builder()
	big := bytes.Repeat([]byte("overflow"), 2000)
	root, err := Tree{}.Put(b, page.Nil, []byte("big"), big, 7)
	require.NoError(t, err)
	root, err = Tree{}.Put(b, root, []byte("small"), []byte("s"), 7)
	require.NoError(t, err)
	env.Commit(t, b)

	leaf, ok, err := Tree{}.Get(env.Source, root, []byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), leaf.Stamp)
	v, err := leaf.Load(env.Source)
	require.NoError(t, err)
	require.Equal(t, big, v)
	all := indextest.Reachable(t, Tree{}, env.Source, root)

	b = env.Builder()
	root2, err := Tree{}.Put(b, root, []byte("big"), []byte("now small"), 8)
	require.NoError(t, err)
	after := indextest.Reachable(t, Tree{}, b, root2)
	require.Len(t, after, len(all)-4, "the four overflow pages are gone")
	for _, id := range b.Retired() {
		_, ok := after[id]
		require.False(t, ok)
	}
}

func TestIteratorSeesFrozenTree(t *testing.T) {
	env := indextest.New(t, 256)
	b := env.Builder()
	var root page.ID
	for _, k := range []string{"a", "b", "c"} {
		root = put(t, b, root, k, k)
	}
	b.Freeze()
	it := Tree{}.Scan(b, root, nil, nil)
	require.True(t, it.Next())
	require.Equal(t, "a", string(it.Key()))

	root2 := put(t, b, root, "bb", "bb")
	root2, _, err := Tree{}.Delete(b, root2, []byte("c"))
	require.NoError(t, err)
	require.NotEqual(t, root, root2)

	var rest []string
	for it.Next() {
		rest = append(rest, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b", "c"}, rest)
	require.Equal(t, []string{"a", "b", "bb"}, scanAll(t, b, root2, nil, nil))
	require.NoError(t, b.Discard())
}

func TestSeekRestart(t *testing.T) {
	env := indextest.New(t, 1024)
	b := env.Builder()
	var root page.ID
	for i := 0; i < 200; i++ {
		var err error
		root, err = Tree{}.Put(b, root, u64(uint64(i*2)), nil, 1)
		require.NoError(t, err)
	}
	it := Tree{}.Scan(b, root, nil, u64(100))
	n := 0
	for it.Next() {
		n++
	}
	require.Equal(t, 50, n)

	it.Seek(u64(51))
	require.True(t, it.Next())
	require.Equal(t, uint64(52), binary.BigEndian.Uint64(it.Key()))
	it.Seek(u64(98))
	require.True(t, it.Next())
	require.Equal(t, uint64(98), binary.BigEndian.Uint64(it.Key()))
	require.False(t, it.Next())
	it.Close()
	require.False(t, it.Next())
}

func TestKeyLimits(t *testing.T) {
	env := indextest.New(t, 16)
	b := env.Builder()
	_, err := Tree{}.Put(b, page.Nil, nil, []byte("v"), 1)
	require.ErrorIs(t, err, index.ErrEmptyKey)
	_, err = Tree{}.Put(b, page.Nil, make([]byte, index.MaxKeySize+1), []byte("v"), 1)
	require.ErrorIs(t, err, index.ErrKeyTooLarge)

	long := bytes.Repeat([]byte{'k'}, index.MaxKeySize)
	root, err := Tree{}.Put(b, page.Nil, long, bytes.Repeat([]byte{'v'}, index.InlineMax), 1)
	require.NoError(t, err)
	root, err = Tree{}.Put(b, root, long[:index.MaxKeySize-1], []byte("v"), 1)
	require.NoError(t, err)
	_, err = b.Seal()
	require.NoError(t, err, "largest leaf and longest prefix fit a page")
	require.Len(t, scanAll(t, b, root, nil, nil), 2)
}
