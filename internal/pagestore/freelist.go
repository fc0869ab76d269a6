package pagestore

import (
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

// freeHeap is a binary min-heap of free page ids. Index 0 is unused so that
// the parent of i is i/2.
type freeHeap struct {
	list []page.ID
	set  map[page.ID]struct{}
}

func newFreeHeap() *freeHeap {
	return &freeHeap{
		list: make([]page.ID, 1, 64),
		set:  make(map[page.ID]struct{}, 64),
	}
}

func (h *freeHeap) len() int {
	return len(h.list) - 1
}

func (h *freeHeap) contains(id page.ID) bool {
	_, ok := h.set[id]
	return ok
}

func (h *freeHeap) push(id page.ID) {
	h.list = append(h.list, id)
	h.set[id] = struct{}{}
	h.up(len(h.list) - 1)
}

func (h *freeHeap) pop() (page.ID, bool) {
	length := h.len()
	if length == 0 {
		return page.Nil, false
	}
	p := h.list[1]
	h.list[1] = h.list[length]
	h.list = h.list[:length]
	delete(h.set, p)
	h.down(length - 1)
	return p, true
}

func (h *freeHeap) less(i, j int) bool {
	return cmp.Less(h.list[i], h.list[j])
}

func (h *freeHeap) swap(i, j int) {
	h.list[i], h.list[j] = h.list[j], h.list[i]
}

func (h *freeHeap) up(endIdx int) {
	currentIdx := endIdx
	for {
		parentIdx := currentIdx / 2
		if parentIdx < 1 {
			break
		}
		if !h.less(currentIdx, parentIdx) {
			break
		}
		h.swap(currentIdx, parentIdx)
		currentIdx = parentIdx
	}
}

func (h *freeHeap) down(endIdx int) {
	idx := 1
	for {
		leftSubIdx := idx * 2
		rightSubIdx := idx*2 + 1
		if leftSubIdx > endIdx {
			break
		}
		cmpIdx := leftSubIdx
		if rightSubIdx <= endIdx && h.less(rightSubIdx, leftSubIdx) {
			cmpIdx = rightSubIdx
		}
		if !h.less(cmpIdx, idx) {
			break
		}
		h.swap(cmpIdx, idx)
		idx = cmpIdx
	}
}

// sorted returns the free ids in ascending order.
func (h *freeHeap) sorted() []page.ID {
	ids := slices.Clone(h.list[1:])
	slices.Sort(ids)
	return ids
}

const (
	freeListHeader  = 8 + 4
	freeListPerPage = (page.BodySize - freeListHeader) / 8
)

// encodeFreeListPage fills p with ids and a link to next.
func encodeFreeListPage(p page.Page, id, next page.ID, ids []page.ID) {
	page.Init(p, id, page.TypeFreeList)
	b := p.Body()
	binary.BigEndian.PutUint64(b[0:8], uint64(next))
	binary.BigEndian.PutUint32(b[8:12], uint32(len(ids)))
	off := freeListHeader
	for _, v := range ids {
		binary.BigEndian.PutUint64(b[off:], uint64(v))
		off += 8
	}
	p.SetBodyLen(off)
}

func decodeFreeListPage(p page.Page) (next page.ID, ids []page.ID, err error) {
	if p.Type() != page.TypeFreeList {
		return page.Nil, nil, errors.Wrapf(page.ErrCorruption, "page %d: expected freelist, got %s", p.ID(), p.Type())
	}
	b := p.Data()
	if len(b) < freeListHeader {
		return page.Nil, nil, errors.Wrapf(page.ErrCorruption, "page %d: truncated freelist", p.ID())
	}
	next = page.ID(binary.BigEndian.Uint64(b[0:8]))
	n := int(binary.BigEndian.Uint32(b[8:12]))
	if freeListHeader+n*8 > len(b) {
		return page.Nil, nil, errors.Wrapf(page.ErrCorruption, "page %d: freelist count %d", p.ID(), n)
	}
	ids = make([]page.ID, n)
	for i := range ids {
		ids[i] = page.ID(binary.BigEndian.Uint64(b[freeListHeader+i*8:]))
	}
	return next, ids, nil
}
