// Package page defines the on-disk page layout shared by the page store, the
// buffer pool and the index structures.
//
// Every page starts with a fixed header:
//
//	0  crc32 of bytes [4:Size)
//	4  page type
//	5  flags
//	8  page id
//	16 lsn of the log record that last wrote the page
//	24 body length
//	32 body
package page

import (
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	Size       = 4096
	HeaderSize = 32
	BodySize   = Size - HeaderSize
)

const (
	TypeSuperblock Type = iota + 1
	TypeFreeList
	TypeOverflow
	TypeOrdered
	TypeHash
)

var ErrCorruption = errors.New("corruption")

type Type uint8

func (t Type) String() string {
	switch t {
	case 0:
		return "blank"
	case TypeSuperblock:
		return "superblock"
	case TypeFreeList:
		return "freelist"
	case TypeOverflow:
		return "overflow"
	case TypeOrdered:
		return "ordered"
	case TypeHash:
		return "hash"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ID identifies a page. ID 0 is the superblock and never a node, so it doubles
// as the nil node reference.
type ID uint64

const Nil ID = 0

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Page is a view over exactly Size bytes.
type Page []byte

func (p Page) Type() Type {
	return Type(p[4])
}

func (p Page) SetType(t Type) {
	p[4] = byte(t)
}

func (p Page) Flags() uint8 {
	return p[5]
}

func (p Page) SetFlags(f uint8) {
	p[5] = f
}

func (p Page) ID() ID {
	return ID(binary.BigEndian.Uint64(p[8:16]))
}

func (p Page) SetID(id ID) {
	binary.BigEndian.PutUint64(p[8:16], uint64(id))
}

func (p Page) LSN() uint64 {
	return binary.BigEndian.Uint64(p[16:24])
}

func (p Page) SetLSN(lsn uint64) {
	binary.BigEndian.PutUint64(p[16:24], lsn)
}

func (p Page) BodyLen() int {
	return int(binary.BigEndian.Uint32(p[24:28]))
}

func (p Page) SetBodyLen(n int) {
	binary.BigEndian.PutUint32(p[24:28], uint32(n))
}

// Body is the whole body area regardless of BodyLen.
func (p Page) Body() []byte {
	return p[HeaderSize:Size]
}

// Data is the used part of the body.
func (p Page) Data() []byte {
	n := p.BodyLen()
	if n > BodySize {
		n = BodySize
	}
	return p[HeaderSize : HeaderSize+n]
}

// Init resets p to an empty page of the given type.
func Init(p Page, id ID, t Type) {
	clear(p)
	p.SetID(id)
	p.SetType(t)
}

func checksum(p Page) uint32 {
	return crc32.ChecksumIEEE(p[4:Size])
}

// Seal stores the checksum of the page contents in the header.
func (p Page) Seal() {
	binary.BigEndian.PutUint32(p[0:4], checksum(p))
}

// Verify checks the stored checksum and that p really holds page id. A
// never-written page is all zero and verifies as blank.
func (p Page) Verify(id ID) error {
	if len(p) != Size {
		return errors.Wrapf(ErrCorruption, "page %d: short page of %d bytes", id, len(p))
	}
	if IsZero(p) {
		return nil
	}
	if sum := binary.BigEndian.Uint32(p[0:4]); sum != checksum(p) {
		return errors.Wrapf(ErrCorruption, "page %d: checksum mismatch", id)
	}
	if p.ID() != id {
		return errors.Wrapf(ErrCorruption, "page %d: header claims page %d", id, p.ID())
	}
	if p.BodyLen() > BodySize {
		return errors.Wrapf(ErrCorruption, "page %d: body length %d", id, p.BodyLen())
	}
	return nil
}

// IsZero reports whether data is all zero. len(data) must be a multiple of 32.
func IsZero(data []byte) bool {
	if len(data)%32 != 0 {
		panic("data is not a multiple of 32")
	}
	var v uint64
	for len(data) > 0 {
		v2 := *(*uint64)(unsafe.Pointer(&data[0]))
		v3 := *(*uint64)(unsafe.Pointer(&data[8]))
		v4 := *(*uint64)(unsafe.Pointer(&data[16]))
		v5 := *(*uint64)(unsafe.Pointer(&data[24]))
		v |= v2
		v |= v3
		v |= v4
		v |= v5
		data = data[32:]
	}
	return v == 0
}
