package index

import (
	"encoding/binary"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

// InlineMax is the largest value stored next to its key. Larger values go to
// a chain of overflow pages.
const InlineMax = 1024

const (
	overflowHeader = 8
	overflowCap    = page.BodySize - overflowHeader
)

// Value is a stored value: inline bytes, or the head of an overflow chain.
type Value struct {
	Inline   []byte
	Overflow page.ID
	Len      uint32
}

// Clone returns a copy that shares no memory with v.
func (v Value) Clone() Value {
	if v.Inline != nil {
		v.Inline = append([]byte(nil), v.Inline...)
	}
	return v
}

// EncodedSize is the size of v as written by AppendValue.
func (v Value) EncodedSize() int {
	if v.Overflow != page.Nil {
		return 1 + 4 + 8
	}
	return 1 + 4 + len(v.Inline)
}

func AppendValue(dst []byte, v Value) []byte {
	if v.Overflow != page.Nil {
		dst = append(dst, 1)
		dst = binary.BigEndian.AppendUint32(dst, v.Len)
		return binary.BigEndian.AppendUint64(dst, uint64(v.Overflow))
	}
	dst = append(dst, 0)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Inline)))
	return append(dst, v.Inline...)
}

// DecodeValue reads a value written by AppendValue, copying inline bytes.
func DecodeValue(b []byte) (v Value, n int, err error) {
	if len(b) < 5 {
		return v, 0, errors.Wrap(page.ErrCorruption, "value header truncated")
	}
	v.Len = binary.BigEndian.Uint32(b[1:5])
	switch b[0] {
	case 0:
		if int(v.Len) > len(b)-5 || v.Len > InlineMax {
			return v, 0, errors.Wrapf(page.ErrCorruption, "inline value of %d bytes", v.Len)
		}
		v.Inline = append(make([]byte, 0, v.Len), b[5:5+v.Len]...)
		return v, 5 + int(v.Len), nil
	case 1:
		if len(b) < 13 {
			return v, 0, errors.Wrap(page.ErrCorruption, "overflow value truncated")
		}
		v.Overflow = page.ID(binary.BigEndian.Uint64(b[5:13]))
		return v, 13, nil
	default:
		return v, 0, errors.Wrapf(page.ErrCorruption, "value tag %d", b[0])
	}
}

type overflowNode struct {
	next page.ID
	data []byte
}

func (o *overflowNode) Type() page.Type {
	return page.TypeOverflow
}

func (o *overflowNode) Encode(p page.Page) error {
	body := p.Body()
	binary.BigEndian.PutUint64(body[0:8], uint64(o.next))
	p.SetBodyLen(overflowHeader + copy(body[overflowHeader:], o.data))
	return nil
}

func (o *overflowNode) Clone() Node {
	return &overflowNode{next: o.next, data: append([]byte(nil), o.data...)}
}

func decodeOverflow(p page.Page) (Node, error) {
	if p.Type() != page.TypeOverflow {
		return nil, Corrupt(p.ID(), "expected overflow page, got %s", p.Type())
	}
	b := p.Data()
	if len(b) < overflowHeader {
		return nil, Corrupt(p.ID(), "overflow page truncated")
	}
	return &overflowNode{
		next: page.ID(binary.BigEndian.Uint64(b[0:8])),
		data: append([]byte(nil), b[overflowHeader:]...),
	}, nil
}

func loadOverflow(r Reader, id page.ID) (*overflowNode, error) {
	n, err := r.Load(id, decodeOverflow)
	if err != nil {
		return nil, err
	}
	o, ok := n.(*overflowNode)
	if !ok {
		return nil, Corrupt(id, "expected overflow node")
	}
	return o, nil
}

// StoreValue returns the stored form of v, writing an overflow chain when v
// does not fit inline.
func (b *Builder) StoreValue(v []byte) (Value, error) {
	if len(v) <= InlineMax {
		return Value{Inline: append(make([]byte, 0, len(v)), v...), Len: uint32(len(v))}, nil
	}
	chunks := (len(v) + overflowCap - 1) / overflowCap
	next := page.Nil
	for i := chunks - 1; i >= 0; i-- {
		end := min((i+1)*overflowCap, len(v))
		id, err := b.Alloc(&overflowNode{next: next, data: append([]byte(nil), v[i*overflowCap:end]...)})
		if err != nil {
			return Value{}, err
		}
		next = id
	}
	return Value{Overflow: next, Len: uint32(len(v))}, nil
}

// ReadValue returns the bytes of v.
func ReadValue(r Reader, v Value) ([]byte, error) {
	if v.Overflow == page.Nil {
		return v.Inline, nil
	}
	out := make([]byte, 0, v.Len)
	for id := v.Overflow; id != page.Nil; {
		o, err := loadOverflow(r, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o.data...)
		if len(out) > int(v.Len) {
			return nil, Corrupt(id, "overflow chain longer than %d bytes", v.Len)
		}
		id = o.next
	}
	if len(out) != int(v.Len) {
		return nil, Corrupt(v.Overflow, "overflow chain holds %d of %d bytes", len(out), v.Len)
	}
	return out, nil
}

// WalkValue visits the overflow pages of v.
func WalkValue(r Reader, v Value, fn func(page.ID) error) error {
	for id := v.Overflow; id != page.Nil; {
		if err := fn(id); err != nil {
			return err
		}
		o, err := loadOverflow(r, id)
		if err != nil {
			return err
		}
		id = o.next
	}
	return nil
}

// RetireValue retires the overflow pages of v.
func (b *Builder) RetireValue(v Value) error {
	var ids []page.ID
	if err := WalkValue(b, v, func(id page.ID) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.Retire(id); err != nil {
			return err
		}
	}
	return nil
}
