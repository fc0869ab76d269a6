package page

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const FormatVersion = 1

var superblockMagic = [4]byte{'t', 'b', 'o', 'x'}

// IndexRoot is the persisted root of one index.
type IndexRoot struct {
	Name string
	Kind uint8
	Root ID
}

// SuperblockSlots is the number of pages at the start of the store that
// hold superblock copies. Checkpoints alternate between them, so a torn
// write leaves the previous copy intact.
const SuperblockSlots = 2

// FirstDataPage is the lowest page id an index may use.
const FirstDataPage ID = SuperblockSlots

// SlotOf returns the page that holds the superblock of generation gen.
func SlotOf(gen uint64) ID {
	return ID(gen % SuperblockSlots)
}

// Superblock lives in one of the slot pages. The copy with the highest
// generation that verifies is the current one.
type Superblock struct {
	StoreID uuid.UUID
	// Generation counts superblock writes.
	Generation    uint64
	Version       uint64
	CheckpointLSN uint64
	HighWater     ID
	FreeListHead  ID
	Clean         bool
	Indexes       []IndexRoot
}

const superblockFixed = 4 + 4 + 4 + 16 + 8 + 8 + 8 + 8 + 8 + 1 + 2

func (sb *Superblock) Encode(p Page) error {
	size := superblockFixed
	for _, ir := range sb.Indexes {
		size += 2 + len(ir.Name) + 1 + 8
	}
	if size > BodySize {
		return errors.Errorf("superblock needs %d bytes, page body holds %d", size, BodySize)
	}
	Init(p, SlotOf(sb.Generation), TypeSuperblock)
	b := p.Body()
	copy(b[0:4], superblockMagic[:])
	binary.BigEndian.PutUint32(b[4:8], FormatVersion)
	binary.BigEndian.PutUint32(b[8:12], Size)
	copy(b[12:28], sb.StoreID[:])
	binary.BigEndian.PutUint64(b[28:36], sb.Generation)
	binary.BigEndian.PutUint64(b[36:44], sb.Version)
	binary.BigEndian.PutUint64(b[44:52], sb.CheckpointLSN)
	binary.BigEndian.PutUint64(b[52:60], uint64(sb.HighWater))
	binary.BigEndian.PutUint64(b[60:68], uint64(sb.FreeListHead))
	if sb.Clean {
		b[68] = 1
	}
	binary.BigEndian.PutUint16(b[69:71], uint16(len(sb.Indexes)))
	off := superblockFixed
	for _, ir := range sb.Indexes {
		binary.BigEndian.PutUint16(b[off:], uint16(len(ir.Name)))
		off += 2
		off += copy(b[off:], ir.Name)
		b[off] = ir.Kind
		off++
		binary.BigEndian.PutUint64(b[off:], uint64(ir.Root))
		off += 8
	}
	p.SetBodyLen(off)
	return nil
}

func (sb *Superblock) Decode(p Page) error {
	if p.Type() != TypeSuperblock {
		return errors.Wrapf(ErrCorruption, "page %d has type %s", p.ID(), p.Type())
	}
	b := p.Data()
	if len(b) < superblockFixed || [4]byte(b[0:4]) != superblockMagic {
		return errors.Wrap(ErrCorruption, "bad superblock magic")
	}
	if v := binary.BigEndian.Uint32(b[4:8]); v != FormatVersion {
		return errors.Errorf("unsupported format version %d", v)
	}
	if ps := binary.BigEndian.Uint32(b[8:12]); ps != Size {
		return errors.Errorf("store page size %d, built for %d", ps, Size)
	}
	copy(sb.StoreID[:], b[12:28])
	sb.Generation = binary.BigEndian.Uint64(b[28:36])
	sb.Version = binary.BigEndian.Uint64(b[36:44])
	sb.CheckpointLSN = binary.BigEndian.Uint64(b[44:52])
	sb.HighWater = ID(binary.BigEndian.Uint64(b[52:60]))
	sb.FreeListHead = ID(binary.BigEndian.Uint64(b[60:68]))
	sb.Clean = b[68] == 1
	n := int(binary.BigEndian.Uint16(b[69:71]))
	sb.Indexes = make([]IndexRoot, 0, n)
	off := superblockFixed
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return errors.Wrap(ErrCorruption, "superblock index table truncated")
		}
		l := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+l+9 > len(b) {
			return errors.Wrap(ErrCorruption, "superblock index table truncated")
		}
		ir := IndexRoot{Name: string(b[off : off+l])}
		off += l
		ir.Kind = b[off]
		off++
		ir.Root = ID(binary.BigEndian.Uint64(b[off:]))
		off += 8
		sb.Indexes = append(sb.Indexes, ir)
	}
	return nil
}
