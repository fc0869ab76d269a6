package art

import (
	"bytes"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
)

// Iterator walks the leaves of one root in key order. It holds decoded nodes
// only, so it pins nothing between calls.
type Iterator struct {
	r     index.Reader
	root  page.ID
	start []byte
	end   []byte
	stack stack
	// pending is a leaf found by Seek that sorts at or after start.
	pending *node
	cur     *node
	done    bool
	err     error
}

var _ index.Iterator = (*Iterator)(nil)

func (it *Iterator) fail(err error) {
	it.err = err
	it.done = true
	it.cur = nil
}

// Seek positions the iterator before the first key >= key. Subtrees that
// sort entirely before key are never loaded.
func (it *Iterator) Seek(key []byte) {
	it.stack.reset()
	it.pending, it.cur, it.done, it.err = nil, nil, false, nil
	it.start = append(it.start[:0], key...)
	if it.root == page.Nil {
		it.done = true
		return
	}
	n, err := load(it.r, it.root)
	if err != nil {
		it.fail(err)
		return
	}
	depth := 0
	for {
		if n.isLeaf() {
			if bytes.Compare(n.key, key) >= 0 {
				it.pending = n
			}
			return
		}
		rest := key[depth:]
		l := min(len(n.prefix), len(rest))
		switch c := bytes.Compare(n.prefix[:l], rest[:l]); {
		case c > 0, c == 0 && len(rest) <= len(n.prefix):
			// everything below sorts at or after key
			it.stack.push(stackElement{node: n, pos: -1})
			return
		case c < 0:
			return
		}
		depth += len(n.prefix)
		b := key[depth]
		// the terminal leaf and smaller edges sort before key
		it.stack.push(stackElement{node: n, pos: int(b) + 1})
		child := n.child(b)
		if child == page.Nil {
			return
		}
		if n, err = load(it.r, child); err != nil {
			it.fail(err)
			return
		}
		depth++
	}
}

// accept reports whether leaf n is yielded; a key at or past end finishes
// the iteration.
func (it *Iterator) accept(n *node) bool {
	if it.end != nil && bytes.Compare(n.key, it.end) >= 0 {
		it.done = true
		it.cur = nil
		return false
	}
	if bytes.Compare(n.key, it.start) < 0 {
		return false
	}
	it.cur = n
	return true
}

func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if n := it.pending; n != nil {
		it.pending = nil
		if it.accept(n) {
			return true
		}
	}
	for !it.done {
		top := it.stack.peek()
		if top == nil {
			it.done = true
			it.cur = nil
			return false
		}
		var id page.ID
		if top.pos < 0 {
			top.pos = 0
			if id = top.node.term; id == page.Nil {
				continue
			}
		} else {
			c, child, ok := top.node.next(top.pos)
			if !ok {
				it.stack.pop()
				continue
			}
			top.pos = c + 1
			id = child
		}
		n, err := load(it.r, id)
		if err != nil {
			it.fail(err)
			return false
		}
		if !n.isLeaf() {
			it.stack.push(stackElement{node: n, pos: -1})
			continue
		}
		if it.accept(n) {
			return true
		}
	}
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
	it.pending = nil
	it.stack.list = nil
}
