package hash

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

const (
	tagDir    = 1
	tagBucket = 2
)

const (
	fanout = 256
	// maxDepth is the number of hash bytes; a bucket below the deepest
	// directory holds entries of a single hash value.
	maxDepth = 8
	// bucketCap is the room for entries in a bucket page.
	bucketCap = page.BodySize - 3
	// entryHeader is hash, stamp and key length.
	entryHeader = 8 + 8 + 2
)

type entry struct {
	hash  uint64
	key   []byte
	value index.Value
	stamp uint64
}

func (e *entry) size() int {
	return entryHeader + len(e.key) + e.value.EncodedSize()
}

func (e *entry) less(hash uint64, key []byte) bool {
	if e.hash != hash {
		return e.hash < hash
	}
	return bytes.Compare(e.key, key) < 0
}

// node is a hash directory when dir is set and a bucket otherwise.
type node struct {
	dir *[fanout]page.ID
	// num counts the non-nil directory slots.
	num     int
	entries []entry
}

var _ index.Node = (*node)(nil)

func newDir() *node {
	return &node{dir: new([fanout]page.ID)}
}

func newBucket(entries []entry) *node {
	return &node{entries: append([]entry(nil), entries...)}
}

func (n *node) Type() page.Type {
	return page.TypeHash
}

func (n *node) isDir() bool {
	return n.dir != nil
}

func (n *node) Clone() index.Node {
	if n.isDir() {
		d := *n.dir
		return &node{dir: &d, num: n.num}
	}
	c := &node{entries: make([]entry, len(n.entries))}
	for i, e := range n.entries {
		e.key = append([]byte(nil), e.key...)
		e.value = e.value.Clone()
		c.entries[i] = e
	}
	return c
}

// search returns the position of (hash, key) in the bucket and whether it is
// there.
func (n *node) search(hash uint64, key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return !n.entries[i].less(hash, key)
	})
	found := i < len(n.entries) && n.entries[i].hash == hash && bytes.Equal(n.entries[i].key, key)
	return i, found
}

// next returns the first directory slot >= from holding a child.
func (n *node) next(from int) (int, page.ID, bool) {
	for c := from; c < fanout; c++ {
		if id := n.dir[c]; id != page.Nil {
			return c, id, true
		}
	}
	return 0, page.Nil, false
}

func bucketSize(entries []entry) int {
	size := 0
	for i := range entries {
		size += entries[i].size()
	}
	return size
}

// slot is the directory slot of hash at depth.
func slot(hash uint64, depth int) int {
	return int(byte(hash >> (56 - 8*depth)))
}

// Page body layout:
//
//	dir:    [tag][num u16][256 x child u64]
//	bucket: [tag][count u16] then per entry [hash u64][stamp u64][keylen u16][key][value]
func (n *node) Encode(p page.Page) error {
	buf := p.Body()[:0:page.BodySize]
	if n.isDir() {
		buf = append(buf, tagDir)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n.num))
		for _, id := range n.dir {
			buf = binary.BigEndian.AppendUint64(buf, uint64(id))
		}
	} else {
		buf = append(buf, tagBucket)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.entries)))
		for _, e := range n.entries {
			buf = binary.BigEndian.AppendUint64(buf, e.hash)
			buf = binary.BigEndian.AppendUint64(buf, e.stamp)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.key)))
			buf = append(buf, e.key...)
			buf = index.AppendValue(buf, e.value)
		}
	}
	if len(buf) > page.BodySize {
		return errors.Errorf("hash bucket of %d bytes overflows the page", len(buf))
	}
	p.SetBodyLen(len(buf))
	return nil
}

func decode(p page.Page) (index.Node, error) {
	id := p.ID()
	if p.Type() != page.TypeHash {
		return nil, index.Corrupt(id, "expected hash node, got %s", p.Type())
	}
	b := p.Data()
	if len(b) < 3 {
		return nil, index.Corrupt(id, "hash node truncated")
	}
	count := int(binary.BigEndian.Uint16(b[1:3]))
	tag := b[0]
	b = b[3:]
	switch tag {
	case tagDir:
		if len(b) < 8*fanout {
			return nil, index.Corrupt(id, "hash directory truncated")
		}
		n := newDir()
		for c := range n.dir {
			if n.dir[c] = page.ID(binary.BigEndian.Uint64(b[8*c:])); n.dir[c] != page.Nil {
				n.num++
			}
		}
		if n.num != count {
			return nil, index.Corrupt(id, "hash directory holds %d children, header says %d", n.num, count)
		}
		return n, nil
	case tagBucket:
		n := &node{entries: make([]entry, 0, count)}
		for i := 0; i < count; i++ {
			if len(b) < entryHeader {
				return nil, index.Corrupt(id, "hash entry %d truncated", i)
			}
			e := entry{
				hash:  binary.BigEndian.Uint64(b),
				stamp: binary.BigEndian.Uint64(b[8:]),
			}
			l := int(binary.BigEndian.Uint16(b[16:]))
			b = b[entryHeader:]
			if len(b) < l {
				return nil, index.Corrupt(id, "hash entry %d truncated", i)
			}
			e.key = append([]byte(nil), b[:l]...)
			v, sz, err := index.DecodeValue(b[l:])
			if err != nil {
				return nil, errors.Wrapf(err, "page %d", id)
			}
			e.value = v
			b = b[l+sz:]
			n.entries = append(n.entries, e)
		}
		return n, nil
	default:
		return nil, index.Corrupt(id, "hash node tag %d", tag)
	}
}
