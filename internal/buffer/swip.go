package buffer

import (
	"github.com/nyan233/tuplebox/internal/page"
)

// Swip is a child reference that is either a page id or, while swizzled, a
// direct pointer to the pinned frame holding that page.
type Swip struct {
	id    page.ID
	frame *Frame
}

func NewSwip(id page.ID) Swip {
	return Swip{id: id}
}

func (s Swip) ID() page.ID {
	return s.id
}

func (s Swip) Swizzled() bool {
	return s.frame != nil
}

// Resolve returns the frame of a swizzled reference without touching the
// page table.
func (s Swip) Resolve() (*Frame, bool) {
	if s.frame == nil {
		return nil, false
	}
	s.frame.touch()
	return s.frame, true
}

// Swizzle pins the page of s and points s at its frame.
func (p *Pool) Swizzle(s *Swip) error {
	if s.frame != nil {
		return nil
	}
	f, err := p.Fetch(s.id)
	if err != nil {
		return err
	}
	f.swizzles.Add(1)
	s.frame = f
	return nil
}

// SwizzleFrame turns the caller's pin on f into a swizzled reference.
func (p *Pool) SwizzleFrame(f *Frame) Swip {
	f.swizzles.Add(1)
	return Swip{id: f.ID(), frame: f}
}

// Unswizzle converts s back to a plain page id and releases its pin.
func (p *Pool) Unswizzle(s *Swip, dirty bool) {
	if s.frame == nil {
		return
	}
	f := s.frame
	s.frame = nil
	if f.swizzles.Add(-1) < 0 {
		panic("buffer: unbalanced unswizzle")
	}
	p.Unpin(f, dirty)
}
