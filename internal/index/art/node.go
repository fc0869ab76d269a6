package art

import (
	"encoding/binary"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

type kind uint8

const (
	kindLeaf kind = iota + 1
	kindNode4
	kindNode16
	kindNode48
	kindNode256
)

func (k kind) String() string {
	switch k {
	case kindLeaf:
		return "leaf"
	case kindNode4:
		return "node4"
	case kindNode16:
		return "node16"
	case kindNode48:
		return "node48"
	case kindNode256:
		return "node256"
	default:
		return "invalid"
	}
}

type node4 struct {
	keys     [4]byte
	children [4]page.ID
}

type node16 struct {
	keys     [16]byte
	children [16]page.ID
}

// node48 maps a key byte to slot+1 of children; 0 is empty.
type node48 struct {
	index    [256]uint8
	children [48]page.ID
}

type node256 struct {
	children [256]page.ID
}

// node is one ART page. The kind tag selects which variant is set; leaves
// use the leaf fields only.
type node struct {
	kind kind
	// inner nodes
	prefix []byte
	// term is the leaf whose key ends exactly after prefix.
	term page.ID
	num  int
	n4   *node4
	n16  *node16
	n48  *node48
	n256 *node256
	// leaves
	key   []byte
	value index.Value
	stamp uint64
}

var _ index.Node = (*node)(nil)

func newNode4(prefix []byte) *node {
	return &node{kind: kindNode4, prefix: prefix, n4: new(node4)}
}

func newLeaf(key []byte, value index.Value, stamp uint64) *node {
	return &node{kind: kindLeaf, key: key, value: value, stamp: stamp}
}

func (n *node) Type() page.Type {
	return page.TypeOrdered
}

func (n *node) isLeaf() bool {
	return n.kind == kindLeaf
}

func (n *node) Clone() index.Node {
	c := &node{
		kind:  n.kind,
		term:  n.term,
		num:   n.num,
		stamp: n.stamp,
	}
	if n.prefix != nil {
		c.prefix = append([]byte(nil), n.prefix...)
	}
	if n.key != nil {
		c.key = append([]byte(nil), n.key...)
	}
	c.value = n.value.Clone()
	switch n.kind {
	case kindNode4:
		v := *n.n4
		c.n4 = &v
	case kindNode16:
		v := *n.n16
		c.n16 = &v
	case kindNode48:
		v := *n.n48
		c.n48 = &v
	case kindNode256:
		v := *n.n256
		c.n256 = &v
	}
	return c
}

// capacity of the current inner layout.
func (n *node) capacity() int {
	switch n.kind {
	case kindNode4:
		return 4
	case kindNode16:
		return 16
	case kindNode48:
		return 48
	default:
		return 256
	}
}

// child returns the child under byte c.
func (n *node) child(c byte) page.ID {
	switch n.kind {
	case kindNode4:
		for i := 0; i < n.num; i++ {
			if n.n4.keys[i] == c {
				return n.n4.children[i]
			}
		}
	case kindNode16:
		for i := 0; i < n.num; i++ {
			if n.n16.keys[i] == c {
				return n.n16.children[i]
			}
		}
	case kindNode48:
		if s := n.n48.index[c]; s != 0 {
			return n.n48.children[s-1]
		}
	case kindNode256:
		return n.n256.children[c]
	}
	return page.Nil
}

// next returns the smallest child byte >= from and its child, or ok=false.
func (n *node) next(from int) (c int, id page.ID, ok bool) {
	switch n.kind {
	case kindNode4:
		for i := 0; i < n.num; i++ {
			if int(n.n4.keys[i]) >= from {
				return int(n.n4.keys[i]), n.n4.children[i], true
			}
		}
	case kindNode16:
		for i := 0; i < n.num; i++ {
			if int(n.n16.keys[i]) >= from {
				return int(n.n16.keys[i]), n.n16.children[i], true
			}
		}
	case kindNode48:
		for b := from; b < 256; b++ {
			if s := n.n48.index[b]; s != 0 {
				return b, n.n48.children[s-1], true
			}
		}
	case kindNode256:
		for b := from; b < 256; b++ {
			if id := n.n256.children[b]; id != page.Nil {
				return b, id, true
			}
		}
	}
	return 0, page.Nil, false
}

// setChild replaces the child under an existing byte c.
func (n *node) setChild(c byte, id page.ID) {
	switch n.kind {
	case kindNode4:
		for i := 0; i < n.num; i++ {
			if n.n4.keys[i] == c {
				n.n4.children[i] = id
				return
			}
		}
	case kindNode16:
		for i := 0; i < n.num; i++ {
			if n.n16.keys[i] == c {
				n.n16.children[i] = id
				return
			}
		}
	case kindNode48:
		if s := n.n48.index[c]; s != 0 {
			n.n48.children[s-1] = id
			return
		}
	case kindNode256:
		if n.n256.children[c] != page.Nil {
			n.n256.children[c] = id
			return
		}
	}
	panic(errors.Errorf("art: set of missing child %#x", c))
}

// addChild inserts a new child, growing the layout when it is full.
func (n *node) addChild(c byte, id page.ID) {
	if n.num == n.capacity() {
		n.grow()
	}
	switch n.kind {
	case kindNode4:
		i := n.num
		for i > 0 && n.n4.keys[i-1] > c {
			n.n4.keys[i] = n.n4.keys[i-1]
			n.n4.children[i] = n.n4.children[i-1]
			i--
		}
		n.n4.keys[i] = c
		n.n4.children[i] = id
	case kindNode16:
		i := n.num
		for i > 0 && n.n16.keys[i-1] > c {
			n.n16.keys[i] = n.n16.keys[i-1]
			n.n16.children[i] = n.n16.children[i-1]
			i--
		}
		n.n16.keys[i] = c
		n.n16.children[i] = id
	case kindNode48:
		slot := 0
		for n.n48.children[slot] != page.Nil {
			slot++
		}
		n.n48.children[slot] = id
		n.n48.index[c] = uint8(slot + 1)
	case kindNode256:
		n.n256.children[c] = id
	}
	n.num++
}

func (n *node) removeChild(c byte) {
	switch n.kind {
	case kindNode4:
		for i := 0; i < n.num; i++ {
			if n.n4.keys[i] == c {
				copy(n.n4.keys[i:], n.n4.keys[i+1:n.num])
				copy(n.n4.children[i:], n.n4.children[i+1:n.num])
				n.n4.keys[n.num-1] = 0
				n.n4.children[n.num-1] = page.Nil
				n.num--
				return
			}
		}
	case kindNode16:
		for i := 0; i < n.num; i++ {
			if n.n16.keys[i] == c {
				copy(n.n16.keys[i:], n.n16.keys[i+1:n.num])
				copy(n.n16.children[i:], n.n16.children[i+1:n.num])
				n.n16.keys[n.num-1] = 0
				n.n16.children[n.num-1] = page.Nil
				n.num--
				return
			}
		}
	case kindNode48:
		if s := n.n48.index[c]; s != 0 {
			n.n48.children[s-1] = page.Nil
			n.n48.index[c] = 0
			n.num--
			return
		}
	case kindNode256:
		if n.n256.children[c] != page.Nil {
			n.n256.children[c] = page.Nil
			n.num--
			return
		}
	}
	panic(errors.Errorf("art: remove of missing child %#x", c))
}

// each calls fn for the children in byte order.
func (n *node) each(fn func(c byte, id page.ID)) {
	for from := 0; from < 256; {
		c, id, ok := n.next(from)
		if !ok {
			return
		}
		fn(byte(c), id)
		from = c + 1
	}
}

func (n *node) grow() {
	switch n.kind {
	case kindNode4:
		n16 := new(node16)
		copy(n16.keys[:], n.n4.keys[:n.num])
		copy(n16.children[:], n.n4.children[:n.num])
		n.kind, n.n4, n.n16 = kindNode16, nil, n16
	case kindNode16:
		n48 := new(node48)
		for i := 0; i < n.num; i++ {
			n48.children[i] = n.n16.children[i]
			n48.index[n.n16.keys[i]] = uint8(i + 1)
		}
		n.kind, n.n16, n.n48 = kindNode48, nil, n48
	case kindNode48:
		n256 := new(node256)
		for c := 0; c < 256; c++ {
			if s := n.n48.index[c]; s != 0 {
				n256.children[c] = n.n48.children[s-1]
			}
		}
		n.kind, n.n48, n.n256 = kindNode256, nil, n256
	default:
		panic("art: grow of " + n.kind.String())
	}
}

// Shrink thresholds sit below the smaller capacity so that a node does not
// flip layouts on every insert and delete at the boundary.
const (
	shrink256 = 37
	shrink48  = 12
	shrink16  = 3
)

// shrink moves the node to a smaller layout once it is sparse enough.
func (n *node) shrink() {
	switch {
	case n.kind == kindNode256 && n.num <= shrink256:
		n48 := new(node48)
		slot := 0
		for c := 0; c < 256; c++ {
			if id := n.n256.children[c]; id != page.Nil {
				n48.children[slot] = id
				n48.index[c] = uint8(slot + 1)
				slot++
			}
		}
		n.kind, n.n256, n.n48 = kindNode48, nil, n48
	case n.kind == kindNode48 && n.num <= shrink48:
		n16 := new(node16)
		i := 0
		for c := 0; c < 256; c++ {
			if s := n.n48.index[c]; s != 0 {
				n16.keys[i] = byte(c)
				n16.children[i] = n.n48.children[s-1]
				i++
			}
		}
		n.kind, n.n48, n.n16 = kindNode16, nil, n16
	case n.kind == kindNode16 && n.num <= shrink16:
		n4 := new(node4)
		copy(n4.keys[:], n.n16.keys[:n.num])
		copy(n4.children[:], n.n16.children[:n.num])
		n.kind, n.n16, n.n4 = kindNode4, nil, n4
	}
}

// Page body layout:
//
//	leaf:  [kind][stamp u64][keylen u16][key][value]
//	inner: [kind][prefixlen u16][prefix][term u64][num u16][children]
//
// node4 and node16 store num key bytes then num child ids, node48 its 256
// byte index then 48 child ids, node256 256 child ids.
func (n *node) Encode(p page.Page) error {
	// capped so that an oversized node reallocates instead of running past
	// the frame
	buf := p.Body()[:0:page.BodySize]
	buf = append(buf, byte(n.kind))
	if n.isLeaf() {
		buf = binary.BigEndian.AppendUint64(buf, n.stamp)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.key)))
		buf = append(buf, n.key...)
		buf = index.AppendValue(buf, n.value)
	} else {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.prefix)))
		buf = append(buf, n.prefix...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n.term))
		buf = binary.BigEndian.AppendUint16(buf, uint16(n.num))
		switch n.kind {
		case kindNode4:
			buf = append(buf, n.n4.keys[:n.num]...)
			for _, id := range n.n4.children[:n.num] {
				buf = binary.BigEndian.AppendUint64(buf, uint64(id))
			}
		case kindNode16:
			buf = append(buf, n.n16.keys[:n.num]...)
			for _, id := range n.n16.children[:n.num] {
				buf = binary.BigEndian.AppendUint64(buf, uint64(id))
			}
		case kindNode48:
			buf = append(buf, n.n48.index[:]...)
			for _, id := range n.n48.children {
				buf = binary.BigEndian.AppendUint64(buf, uint64(id))
			}
		case kindNode256:
			for _, id := range n.n256.children {
				buf = binary.BigEndian.AppendUint64(buf, uint64(id))
			}
		}
	}
	if len(buf) > page.BodySize {
		return errors.Errorf("art %s of %d bytes overflows the page", n.kind, len(buf))
	}
	p.SetBodyLen(len(buf))
	return nil
}

func decode(p page.Page) (index.Node, error) {
	id := p.ID()
	if p.Type() != page.TypeOrdered {
		return nil, index.Corrupt(id, "expected ordered node, got %s", p.Type())
	}
	b := p.Data()
	if len(b) < 1 {
		return nil, index.Corrupt(id, "empty ordered node")
	}
	n := &node{kind: kind(b[0])}
	b = b[1:]
	short := index.Corrupt(id, "truncated %s", n.kind)
	if n.isLeaf() {
		if len(b) < 10 {
			return nil, short
		}
		n.stamp = binary.BigEndian.Uint64(b)
		l := int(binary.BigEndian.Uint16(b[8:]))
		b = b[10:]
		if len(b) < l {
			return nil, short
		}
		n.key = append([]byte(nil), b[:l]...)
		v, _, err := index.DecodeValue(b[l:])
		if err != nil {
			return nil, errors.Wrapf(err, "page %d", id)
		}
		n.value = v
		return n, nil
	}
	if len(b) < 2 {
		return nil, short
	}
	l := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < l+10 {
		return nil, short
	}
	if l > 0 {
		n.prefix = append([]byte(nil), b[:l]...)
	}
	b = b[l:]
	n.term = page.ID(binary.BigEndian.Uint64(b))
	n.num = int(binary.BigEndian.Uint16(b[8:]))
	b = b[10:]
	readIDs := func(dst []page.ID) bool {
		if len(b) < 8*len(dst) {
			return false
		}
		for i := range dst {
			dst[i] = page.ID(binary.BigEndian.Uint64(b[8*i:]))
		}
		b = b[8*len(dst):]
		return true
	}
	switch n.kind {
	case kindNode4, kindNode16:
		if n.num > n.capacity() || len(b) < n.num {
			return nil, short
		}
		keys := b[:n.num]
		b = b[n.num:]
		if n.kind == kindNode4 {
			n.n4 = new(node4)
			copy(n.n4.keys[:], keys)
			if !readIDs(n.n4.children[:n.num]) {
				return nil, short
			}
		} else {
			n.n16 = new(node16)
			copy(n.n16.keys[:], keys)
			if !readIDs(n.n16.children[:n.num]) {
				return nil, short
			}
		}
	case kindNode48:
		if len(b) < 256 {
			return nil, short
		}
		n.n48 = new(node48)
		copy(n.n48.index[:], b[:256])
		b = b[256:]
		if !readIDs(n.n48.children[:]) {
			return nil, short
		}
	case kindNode256:
		n.n256 = new(node256)
		if !readIDs(n.n256.children[:]) {
			return nil, short
		}
	default:
		return nil, index.Corrupt(id, "ordered node kind %d", n.kind)
	}
	return n, nil
}
