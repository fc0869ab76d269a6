package hash

import (
	"github.com/cespare/xxhash/v2"
	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
)

type dirPos struct {
	dir *node
	// pos is the next slot to visit.
	pos int
}

// Iterator walks one root in hash order. Seek(key) moves to the position of
// key in that order; the [start, end) filter stays in effect.
type Iterator struct {
	r      index.Reader
	root   page.ID
	start  []byte
	end    []byte
	stack  []dirPos
	bucket *node
	idx    int
	cur    *entry
	done   bool
	err    error
}

var _ index.Iterator = (*Iterator)(nil)

func (it *Iterator) reset() {
	it.stack = it.stack[:0]
	it.bucket, it.idx, it.cur = nil, 0, nil
	it.done, it.err = false, nil
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.done = true
	it.cur = nil
}

// enter positions the iterator at the start of n.
func (it *Iterator) enter(n *node) {
	if n.isDir() {
		it.stack = append(it.stack, dirPos{dir: n})
		return
	}
	it.bucket, it.idx = n, 0
}

func (it *Iterator) rewind() {
	it.reset()
	if it.root == page.Nil {
		it.done = true
		return
	}
	n, err := load(it.r, it.root)
	if err != nil {
		it.fail(err)
		return
	}
	it.enter(n)
}

func (it *Iterator) Seek(key []byte) {
	it.reset()
	if it.root == page.Nil {
		it.done = true
		return
	}
	h := xxhash.Sum64(key)
	id := it.root
	for depth := 0; ; depth++ {
		n, err := load(it.r, id)
		if err != nil {
			it.fail(err)
			return
		}
		if !n.isDir() {
			it.bucket = n
			it.idx, _ = n.search(h, key)
			return
		}
		if depth >= maxDepth {
			it.fail(index.Corrupt(id, "hash directory below depth %d", maxDepth))
			return
		}
		c := slot(h, depth)
		it.stack = append(it.stack, dirPos{dir: n, pos: c + 1})
		if id = n.dir[c]; id == page.Nil {
			return
		}
	}
}

func (it *Iterator) Next() bool {
	for !it.done {
		if b := it.bucket; b != nil {
			if it.idx < len(b.entries) {
				e := &b.entries[it.idx]
				it.idx++
				if inRange(e.key, it.start, it.end) {
					it.cur = e
					return true
				}
				continue
			}
			it.bucket = nil
		}
		if len(it.stack) == 0 {
			it.done = true
			break
		}
		top := &it.stack[len(it.stack)-1]
		c, id, ok := top.dir.next(top.pos)
		if !ok {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		top.pos = c + 1
		n, err := load(it.r, id)
		if err != nil {
			it.fail(err)
			return false
		}
		it.enter(n)
	}
	it.cur = nil
	return false
}

func (it *Iterator) Key() []byte {
	if it.cur == nil {
		return nil
	}
	return it.cur.key
}

func (it *Iterator) Stamp() uint64 {
	if it.cur == nil {
		return 0
	}
	return it.cur.stamp
}

func (it *Iterator) Value() ([]byte, error) {
	if it.cur == nil {
		return nil, nil
	}
	return index.ReadValue(it.r, it.cur.value)
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Close() {
	it.done = true
	it.cur = nil
	it.bucket = nil
	it.stack = nil
}
