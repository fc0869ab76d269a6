// Package hash is the point-lookup index: a copy-on-write hash trie over the
// xxhash64 of the key. Directories fan out on one hash byte per level and
// buckets hold entries sorted by (hash, key). The depth of a node is its
// distance from the root and is not stored.
package hash

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

// ErrBucketFull is returned when the entries sharing a full hash do not fit
// a bucket page.
var ErrBucketFull = errors.New("hash bucket full")

type Tree struct{}

var _ index.Tree = Tree{}

func New() Tree {
	return Tree{}
}

func (Tree) Kind() index.Kind {
	return index.KindHash
}

func load(r index.Reader, id page.ID) (*node, error) {
	n, err := r.Load(id, decode)
	if err != nil {
		return nil, err
	}
	hn, ok := n.(*node)
	if !ok {
		return nil, index.Corrupt(id, "expected hash node")
	}
	return hn, nil
}

func (Tree) Get(r index.Reader, root page.ID, key []byte) (index.Leaf, bool, error) {
	h := xxhash.Sum64(key)
	id := root
	for depth := 0; id != page.Nil; depth++ {
		n, err := load(r, id)
		if err != nil {
			return index.Leaf{}, false, err
		}
		if n.isDir() {
			if depth >= maxDepth {
				return index.Leaf{}, false, index.Corrupt(id, "hash directory below depth %d", maxDepth)
			}
			id = n.dir[slot(h, depth)]
			continue
		}
		i, ok := n.search(h, key)
		if !ok {
			return index.Leaf{}, false, nil
		}
		e := n.entries[i]
		return index.Leaf{Key: e.key, Value: e.value, Stamp: e.stamp}, true, nil
	}
	return index.Leaf{}, false, nil
}

type writer struct {
	b *index.Builder
	e entry
}

func (Tree) Put(b *index.Builder, root page.ID, key, value []byte, stamp uint64) (page.ID, error) {
	if err := index.CheckKey(key); err != nil {
		return page.Nil, err
	}
	v, err := b.StoreValue(value)
	if err != nil {
		return page.Nil, err
	}
	w := &writer{b: b, e: entry{
		hash:  xxhash.Sum64(key),
		key:   append([]byte(nil), key...),
		value: v,
		stamp: stamp,
	}}
	nid, err := w.insert(root, 0)
	if err != nil {
		_ = b.RetireValue(v)
		return page.Nil, err
	}
	return nid, nil
}

func (w *writer) insert(id page.ID, depth int) (page.ID, error) {
	if id == page.Nil {
		return w.b.Alloc(newBucket([]entry{w.e}))
	}
	n, err := load(w.b, id)
	if err != nil {
		return page.Nil, err
	}
	if n.isDir() {
		c := slot(w.e.hash, depth)
		child := n.dir[c]
		nc, err := w.insert(child, depth+1)
		if err != nil || nc == child {
			return id, err
		}
		nid, wn, err := w.b.Writable(id, n)
		if err != nil {
			return page.Nil, err
		}
		m := wn.(*node)
		if child == page.Nil {
			m.num++
		}
		m.dir[c] = nc
		return nid, nil
	}

	i, found := n.search(w.e.hash, w.e.key)
	entries := make([]entry, 0, len(n.entries)+1)
	entries = append(entries, n.entries[:i]...)
	entries = append(entries, w.e)
	if found {
		if err = w.b.RetireValue(n.entries[i].value); err != nil {
			return page.Nil, err
		}
		entries = append(entries, n.entries[i+1:]...)
	} else {
		entries = append(entries, n.entries[i:]...)
	}
	if bucketSize(entries) <= bucketCap {
		nid, wn, err := w.b.Writable(id, n)
		if err != nil {
			return page.Nil, err
		}
		wn.(*node).entries = entries
		return nid, nil
	}
	nid, err := w.build(entries, depth)
	if err != nil {
		return page.Nil, err
	}
	return nid, w.b.Retire(id)
}

// build lays entries out under a node at depth, splitting into directories
// until every bucket fits.
func (w *writer) build(entries []entry, depth int) (page.ID, error) {
	if bucketSize(entries) <= bucketCap {
		return w.b.Alloc(newBucket(entries))
	}
	if depth >= maxDepth {
		return page.Nil, errors.Wrapf(ErrBucketFull, "%d entries with hash %#x", len(entries), entries[0].hash)
	}
	d := newDir()
	for i := 0; i < len(entries); {
		c := slot(entries[i].hash, depth)
		j := i + 1
		for j < len(entries) && slot(entries[j].hash, depth) == c {
			j++
		}
		id, err := w.build(entries[i:j], depth+1)
		if err != nil {
			return page.Nil, err
		}
		d.dir[c] = id
		d.num++
		i = j
	}
	return w.b.Alloc(d)
}

func (Tree) Delete(b *index.Builder, root page.ID, key []byte) (page.ID, bool, error) {
	if err := index.CheckKey(key); err != nil {
		return page.Nil, false, err
	}
	w := &writer{b: b, e: entry{hash: xxhash.Sum64(key), key: key}}
	return w.remove(root, 0)
}

func (w *writer) remove(id page.ID, depth int) (page.ID, bool, error) {
	if id == page.Nil {
		return id, false, nil
	}
	n, err := load(w.b, id)
	if err != nil {
		return page.Nil, false, err
	}
	if !n.isDir() {
		i, found := n.search(w.e.hash, w.e.key)
		if !found {
			return id, false, nil
		}
		if err = w.b.RetireValue(n.entries[i].value); err != nil {
			return page.Nil, false, err
		}
		if len(n.entries) == 1 {
			return page.Nil, true, w.b.Retire(id)
		}
		entries := make([]entry, 0, len(n.entries)-1)
		entries = append(entries, n.entries[:i]...)
		entries = append(entries, n.entries[i+1:]...)
		nid, wn, err := w.b.Writable(id, n)
		if err != nil {
			return page.Nil, false, err
		}
		wn.(*node).entries = entries
		return nid, true, nil
	}

	c := slot(w.e.hash, depth)
	child := n.dir[c]
	nc, found, err := w.remove(child, depth+1)
	if err != nil || !found {
		return id, found, err
	}
	left := n.num
	if nc == page.Nil {
		left--
	}
	switch left {
	case 0:
		return page.Nil, true, w.b.Retire(id)
	case 1:
		// a lone bucket moves up into this directory's place
		lone := nc
		if lone == page.Nil {
			_, lone, _ = n.next(0)
			if lone == child {
				_, lone, _ = n.next(c + 1)
			}
		}
		ln, err := load(w.b, lone)
		if err != nil {
			return page.Nil, false, err
		}
		if !ln.isDir() {
			return lone, true, w.b.Retire(id)
		}
	}
	nid, wn, err := w.b.Writable(id, n)
	if err != nil {
		return page.Nil, false, err
	}
	m := wn.(*node)
	m.dir[c] = nc
	m.num = left
	return nid, true, nil
}

func (t Tree) Walk(r index.Reader, root page.ID, fn func(page.ID) error) error {
	if root == page.Nil {
		return nil
	}
	if err := fn(root); err != nil {
		return err
	}
	n, err := load(r, root)
	if err != nil {
		return err
	}
	if !n.isDir() {
		for _, e := range n.entries {
			if err = index.WalkValue(r, e.value, fn); err != nil {
				return err
			}
		}
		return nil
	}
	children := make([]page.ID, 0, n.num)
	for c := 0; c < fanout; c++ {
		if id := n.dir[c]; id != page.Nil {
			children = append(children, id)
		}
	}
	for _, id := range children {
		if err = t.Walk(r, id, fn); err != nil {
			return err
		}
	}
	return nil
}

// Scan iterates in hash order; start and end filter keys but do not order
// them.
func (Tree) Scan(r index.Reader, root page.ID, start, end []byte) index.Iterator {
	it := &Iterator{r: r, root: root, start: start, end: end}
	it.rewind()
	return it
}

func inRange(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	return end == nil || bytes.Compare(key, end) < 0
}
