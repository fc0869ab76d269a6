package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/nyan233/tuplebox/internal/page"
)

const (
	stateHot uint32 = iota
	stateCool
)

// maxCost bounds the credit a cool frame must burn before it is evicted.
const maxCost = 4

// Frame is one page-sized slot of the pool. A frame is free while its id is
// page.Nil, otherwise it is resident in the page table.
type Frame struct {
	id    atomic.Uint64
	buf   page.Page
	pins  atomic.Int32
	dirty atomic.Bool
	// swizzles counts live Swips pointing at the frame. Every swizzle holds a
	// pin, so a swizzled frame is never an eviction candidate.
	swizzles atomic.Int32

	ref   atomic.Bool
	state atomic.Uint32
	hits  atomic.Uint32
	cost  atomic.Int32

	// latch serialises write-back of the frame.
	latch sync.Mutex
}

func (f *Frame) ID() page.ID {
	return page.ID(f.id.Load())
}

// Page returns the frame buffer. The caller must hold a pin.
func (f *Frame) Page() page.Page {
	return f.buf
}

func (f *Frame) LSN() uint64 {
	return f.buf.LSN()
}

func (f *Frame) Pins() int {
	return int(f.pins.Load())
}

func (f *Frame) Dirty() bool {
	return f.dirty.Load()
}

func (f *Frame) touch() {
	f.ref.Store(true)
	f.state.Store(stateHot)
	f.hits.Add(1)
}

// cool demotes a hot frame and gives it a cost credit derived from how often
// it was used while hot. Dirty frames get one extra unit because evicting
// them costs a write.
func (f *Frame) cool() {
	credit := int32(0)
	for h := f.hits.Swap(0); h > 1 && credit < maxCost-1; h >>= 1 {
		credit++
	}
	if f.dirty.Load() {
		credit++
	}
	f.cost.Store(credit)
	f.state.Store(stateCool)
}

func (f *Frame) reset(id page.ID) {
	f.id.Store(uint64(id))
	f.pins.Store(0)
	f.dirty.Store(false)
	f.swizzles.Store(0)
	f.ref.Store(true)
	f.state.Store(stateHot)
	f.hits.Store(1)
	f.cost.Store(0)
}
