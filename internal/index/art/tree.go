// Package art is the ordered index: a copy-on-write adaptive radix tree with
// one node per page. Inner nodes store their full compressed prefix, and a
// terminal slot holds the leaf of a key that ends inside the node.
package art

import (
	"bytes"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
)

type Tree struct{}

var _ index.Tree = Tree{}

func New() Tree {
	return Tree{}
}

func (Tree) Kind() index.Kind {
	return index.KindOrdered
}

func load(r index.Reader, id page.ID) (*node, error) {
	n, err := r.Load(id, decode)
	if err != nil {
		return nil, err
	}
	an, ok := n.(*node)
	if !ok {
		return nil, index.Corrupt(id, "expected ordered node")
	}
	return an, nil
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func (Tree) Get(r index.Reader, root page.ID, key []byte) (index.Leaf, bool, error) {
	n, _, err := lookup(r, root, key)
	if err != nil || n == nil {
		return index.Leaf{}, false, err
	}
	return index.Leaf{Key: n.key, Value: n.value, Stamp: n.stamp}, true, nil
}

// lookup returns the leaf of key and its page.
func lookup(r index.Reader, root page.ID, key []byte) (*node, page.ID, error) {
	id, depth := root, 0
	for id != page.Nil {
		n, err := load(r, id)
		if err != nil {
			return nil, page.Nil, err
		}
		if n.isLeaf() {
			if bytes.Equal(n.key, key) {
				return n, id, nil
			}
			return nil, page.Nil, nil
		}
		if !bytes.HasPrefix(key[depth:], n.prefix) {
			return nil, page.Nil, nil
		}
		depth += len(n.prefix)
		if depth == len(key) {
			id = n.term
			continue
		}
		id = n.child(key[depth])
		depth++
	}
	return nil, page.Nil, nil
}

type writer struct {
	b     *index.Builder
	key   []byte
	value []byte
	stamp uint64
}

func (Tree) Put(b *index.Builder, root page.ID, key, value []byte, stamp uint64) (page.ID, error) {
	if err := index.CheckKey(key); err != nil {
		return page.Nil, err
	}
	w := &writer{b: b, key: key, value: value, stamp: stamp}
	return w.insert(root, 0)
}

func (w *writer) newLeaf() (page.ID, error) {
	v, err := w.b.StoreValue(w.value)
	if err != nil {
		return page.Nil, err
	}
	return w.b.Alloc(newLeaf(append([]byte(nil), w.key...), v, w.stamp))
}

// updateLeaf replaces the value of an existing leaf.
func (w *writer) updateLeaf(id page.ID, n *node) (page.ID, error) {
	old := n.value
	v, err := w.b.StoreValue(w.value)
	if err != nil {
		return page.Nil, err
	}
	nid, wn, err := w.b.Writable(id, n)
	if err != nil {
		return page.Nil, err
	}
	m := wn.(*node)
	m.value, m.stamp = v, w.stamp
	if err = w.b.RetireValue(old); err != nil {
		return page.Nil, err
	}
	return nid, nil
}

// place hangs child under the byte of key at depth, or in the terminal slot
// when key ends there.
func place(n *node, key []byte, depth int, child page.ID) {
	if depth == len(key) {
		n.term = child
		return
	}
	n.addChild(key[depth], child)
}

func (w *writer) insert(id page.ID, depth int) (page.ID, error) {
	if id == page.Nil {
		return w.newLeaf()
	}
	n, err := load(w.b, id)
	if err != nil {
		return page.Nil, err
	}
	key := w.key
	if n.isLeaf() {
		if bytes.Equal(n.key, key) {
			return w.updateLeaf(id, n)
		}
		// split the leaf into an inner node holding both keys
		l := commonPrefix(n.key[depth:], key[depth:])
		inner := newNode4(append([]byte(nil), key[depth:depth+l]...))
		leaf, err := w.newLeaf()
		if err != nil {
			return page.Nil, err
		}
		place(inner, n.key, depth+l, id)
		place(inner, key, depth+l, leaf)
		return w.b.Alloc(inner)
	}

	l := commonPrefix(n.prefix, key[depth:])
	if l < len(n.prefix) {
		// the key leaves the compressed path: split the prefix
		nid, wn, err := w.b.Writable(id, n)
		if err != nil {
			return page.Nil, err
		}
		m := wn.(*node)
		inner := newNode4(append([]byte(nil), m.prefix[:l]...))
		edge := m.prefix[l]
		m.prefix = append([]byte(nil), m.prefix[l+1:]...)
		inner.addChild(edge, nid)
		leaf, err := w.newLeaf()
		if err != nil {
			return page.Nil, err
		}
		place(inner, key, depth+l, leaf)
		return w.b.Alloc(inner)
	}

	depth += len(n.prefix)
	if depth == len(key) {
		var term page.ID
		if n.term == page.Nil {
			term, err = w.newLeaf()
		} else {
			term, err = w.insert(n.term, depth)
		}
		if err != nil || term == n.term {
			return id, err
		}
		nid, wn, err := w.b.Writable(id, n)
		if err != nil {
			return page.Nil, err
		}
		wn.(*node).term = term
		return nid, nil
	}

	c := key[depth]
	child := n.child(c)
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
		m.addChild(c, nc)
	} else {
		m.setChild(c, nc)
	}
	return nid, nil
}

func (Tree) Delete(b *index.Builder, root page.ID, key []byte) (page.ID, bool, error) {
	if err := index.CheckKey(key); err != nil {
		return page.Nil, false, err
	}
	w := &writer{b: b, key: key}
	return w.remove(root, 0, true)
}

func (w *writer) retireLeaf(id page.ID, n *node) error {
	if err := w.b.RetireValue(n.value); err != nil {
		return err
	}
	return w.b.Retire(id)
}

func (w *writer) remove(id page.ID, depth int, isRoot bool) (page.ID, bool, error) {
	if id == page.Nil {
		return id, false, nil
	}
	n, err := load(w.b, id)
	if err != nil {
		return page.Nil, false, err
	}
	key := w.key
	if n.isLeaf() {
		if !bytes.Equal(n.key, key) {
			return id, false, nil
		}
		return page.Nil, true, w.retireLeaf(id, n)
	}
	if !bytes.HasPrefix(key[depth:], n.prefix) {
		return id, false, nil
	}
	depth += len(n.prefix)

	var (
		edge  byte
		child = n.term
	)
	if depth < len(key) {
		edge = key[depth]
		child = n.child(edge)
	}
	nc, found, err := w.remove(child, depth+1, false)
	if err != nil || !found {
		return id, found, err
	}
	nid, wn, err := w.b.Writable(id, n)
	if err != nil {
		return page.Nil, false, err
	}
	m := wn.(*node)
	switch {
	case depth == len(key):
		m.term = nc
	case nc == page.Nil:
		m.removeChild(edge)
	default:
		m.setChild(edge, nc)
	}
	nid, err = w.compact(nid, m, isRoot)
	return nid, true, err
}

// compact shrinks m after a removal. A non-root node left with one entry is
// replaced by that entry, merging prefixes when it is an inner node.
func (w *writer) compact(id page.ID, m *node, isRoot bool) (page.ID, error) {
	entries := m.num
	if m.term != page.Nil {
		entries++
	}
	if entries == 0 {
		return page.Nil, w.b.Retire(id)
	}
	if entries > 1 || isRoot {
		m.shrink()
		return id, nil
	}
	if m.term != page.Nil {
		// only the terminal leaf is left; a leaf carries its whole key
		term := m.term
		return term, w.b.Retire(id)
	}
	edge, only, _ := m.next(0)
	cn, err := load(w.b, only)
	if err != nil {
		return page.Nil, err
	}
	if cn.isLeaf() {
		return only, w.b.Retire(id)
	}
	prefix := make([]byte, 0, len(m.prefix)+1+len(cn.prefix))
	prefix = append(prefix, m.prefix...)
	prefix = append(prefix, byte(edge))
	prefix = append(prefix, cn.prefix...)
	cid, wc, err := w.b.Writable(only, cn)
	if err != nil {
		return page.Nil, err
	}
	wc.(*node).prefix = prefix
	return cid, w.b.Retire(id)
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
	if n.isLeaf() {
		return index.WalkValue(r, n.value, fn)
	}
	if err = t.Walk(r, n.term, fn); err != nil {
		return err
	}
	var children []page.ID
	n.each(func(_ byte, id page.ID) {
		children = append(children, id)
	})
	for _, id := range children {
		if err = t.Walk(r, id, fn); err != nil {
			return err
		}
	}
	return nil
}

func (Tree) Scan(r index.Reader, root page.ID, start, end []byte) index.Iterator {
	it := &Iterator{r: r, root: root, end: end}
	it.Seek(start)
	return it
}
