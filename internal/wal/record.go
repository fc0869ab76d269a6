package wal

import (
	"encoding/binary"
	"hash/crc32"
	"strconv"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindPageImage
	KindRootUpdate
	KindCommit
	KindAbort
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindPageImage:
		return "page-image"
	case KindRootUpdate:
		return "index-root-update"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Record framing:
//
//	[len u32][crc32 u32][lsn u64][txid u64][kind u8][payload]
//
// len counts the bytes after the crc, which the crc covers.
const (
	frameHeader  = 8
	recordHeader = 8 + 8 + 1
)

var errShortRecord = errors.New("short record")

type Record struct {
	LSN     uint64
	TxID    uint64
	Kind    Kind
	Payload []byte
}

func appendRecord(dst []byte, lsn, txid uint64, kind Kind, payload []byte) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, uint32(recordHeader+len(payload)))
	dst = binary.BigEndian.AppendUint32(dst, 0)
	dst = binary.BigEndian.AppendUint64(dst, lsn)
	dst = binary.BigEndian.AppendUint64(dst, txid)
	dst = append(dst, byte(kind))
	dst = append(dst, payload...)
	binary.BigEndian.PutUint32(dst[start+4:], crc32.ChecksumIEEE(dst[start+frameHeader:]))
	return dst
}

// readRecord decodes the record at the start of b and returns its encoded
// size. A truncated record is errShortRecord, a damaged one ErrCorruption.
func readRecord(b []byte) (rec Record, n int, err error) {
	if len(b) < frameHeader {
		return rec, 0, errShortRecord
	}
	l := int(binary.BigEndian.Uint32(b[0:4]))
	if l < recordHeader {
		return rec, 0, errors.Wrapf(page.ErrCorruption, "record length %d", l)
	}
	if len(b) < frameHeader+l {
		return rec, 0, errShortRecord
	}
	body := b[frameHeader : frameHeader+l]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(b[4:8]) {
		return rec, 0, errors.Wrap(page.ErrCorruption, "record checksum mismatch")
	}
	rec.LSN = binary.BigEndian.Uint64(body[0:8])
	rec.TxID = binary.BigEndian.Uint64(body[8:16])
	rec.Kind = Kind(body[16])
	rec.Payload = body[recordHeader:]
	return rec, frameHeader + l, nil
}

// PageImage is the redo image of one node page.
type PageImage struct {
	ID    page.ID
	Type  page.Type
	Flags uint8
	Data  []byte
}

const pageImageHeader = 8 + 1 + 1

func (img *PageImage) encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(img.ID))
	dst = append(dst, byte(img.Type), img.Flags)
	return append(dst, img.Data...)
}

// ImageOf captures the used part of p.
func ImageOf(p page.Page) PageImage {
	return PageImage{ID: p.ID(), Type: p.Type(), Flags: p.Flags(), Data: p.Data()}
}

// Apply rebuilds the page in p with the given lsn.
func (img *PageImage) Apply(p page.Page, lsn uint64) {
	page.Init(p, img.ID, img.Type)
	p.SetFlags(img.Flags)
	p.SetBodyLen(copy(p.Body(), img.Data))
	p.SetLSN(lsn)
}

func (r *Record) PageImage() (PageImage, error) {
	if r.Kind != KindPageImage || len(r.Payload) < pageImageHeader {
		return PageImage{}, errors.Wrapf(page.ErrCorruption, "lsn %d: bad page image", r.LSN)
	}
	img := PageImage{
		ID:    page.ID(binary.BigEndian.Uint64(r.Payload[0:8])),
		Type:  page.Type(r.Payload[8]),
		Flags: r.Payload[9],
		Data:  r.Payload[pageImageHeader:],
	}
	if len(img.Data) > page.BodySize {
		return PageImage{}, errors.Wrapf(page.ErrCorruption, "lsn %d: page image of %d bytes", r.LSN, len(img.Data))
	}
	return img, nil
}

// RootUpdate publishes a new root for one index.
type RootUpdate struct {
	Index   string
	Kind    uint8
	Root    page.ID
	Version uint64
}

func (u *RootUpdate) encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(u.Index)))
	dst = append(dst, u.Index...)
	dst = append(dst, u.Kind)
	dst = binary.BigEndian.AppendUint64(dst, uint64(u.Root))
	return binary.BigEndian.AppendUint64(dst, u.Version)
}

func (r *Record) RootUpdate() (RootUpdate, error) {
	b := r.Payload
	bad := errors.Wrapf(page.ErrCorruption, "lsn %d: bad root update", r.LSN)
	if r.Kind != KindRootUpdate || len(b) < 2 {
		return RootUpdate{}, bad
	}
	l := int(binary.BigEndian.Uint16(b))
	if len(b) != 2+l+1+16 {
		return RootUpdate{}, bad
	}
	u := RootUpdate{Index: string(b[2 : 2+l]), Kind: b[2+l]}
	u.Root = page.ID(binary.BigEndian.Uint64(b[3+l:]))
	u.Version = binary.BigEndian.Uint64(b[11+l:])
	return u, nil
}

// Version is the payload of commit records.
func (r *Record) Version() (uint64, error) {
	if len(r.Payload) < 8 {
		return 0, errors.Wrapf(page.ErrCorruption, "lsn %d: %s without version", r.LSN, r.Kind)
	}
	return binary.BigEndian.Uint64(r.Payload), nil
}

// Checkpoint records the state the store was flushed at.
type Checkpoint struct {
	Version uint64
	Roots   []page.IndexRoot
}

func (c *Checkpoint) encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, c.Version)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(c.Roots)))
	for _, r := range c.Roots {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(r.Name)))
		dst = append(dst, r.Name...)
		dst = append(dst, r.Kind)
		dst = binary.BigEndian.AppendUint64(dst, uint64(r.Root))
	}
	return dst
}

func (r *Record) Checkpoint() (Checkpoint, error) {
	b := r.Payload
	bad := errors.Wrapf(page.ErrCorruption, "lsn %d: bad checkpoint", r.LSN)
	if r.Kind != KindCheckpoint || len(b) < 10 {
		return Checkpoint{}, bad
	}
	c := Checkpoint{Version: binary.BigEndian.Uint64(b)}
	n := int(binary.BigEndian.Uint16(b[8:]))
	b = b[10:]
	for i := 0; i < n; i++ {
		if len(b) < 2 {
			return Checkpoint{}, bad
		}
		l := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+l+9 {
			return Checkpoint{}, bad
		}
		c.Roots = append(c.Roots, page.IndexRoot{
			Name: string(b[2 : 2+l]),
			Kind: b[2+l],
			Root: page.ID(binary.BigEndian.Uint64(b[3+l:])),
		})
		b = b[11+l:]
	}
	return c, nil
}
