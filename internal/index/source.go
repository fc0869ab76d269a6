package index

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/nyan233/tuplebox/internal/buffer"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

type cachedNode struct {
	lsn  uint64
	node Node
}

// NodeCache keeps decoded published nodes keyed by page id. An entry is only
// trusted while the page still carries the lsn it was decoded at.
type NodeCache struct {
	c *ristretto.Cache[uint64, cachedNode]
}

func NewNodeCache(maxNodes int64) (*NodeCache, error) {
	if maxNodes <= 0 {
		maxNodes = 1 << 14
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, cachedNode]{
		NumCounters: maxNodes * 10,
		MaxCost:     maxNodes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "node cache")
	}
	return &NodeCache{c: c}, nil
}

func (nc *NodeCache) Get(id page.ID, lsn uint64) (Node, bool) {
	if nc == nil || lsn == 0 {
		return nil, false
	}
	v, ok := nc.c.Get(uint64(id))
	if !ok || v.lsn != lsn {
		return nil, false
	}
	return v.node, true
}

func (nc *NodeCache) Set(id page.ID, lsn uint64, n Node) {
	if nc == nil || lsn == 0 {
		return
	}
	nc.c.Set(uint64(id), cachedNode{lsn: lsn, node: n}, 1)
}

func (nc *NodeCache) Close() {
	if nc != nil {
		nc.c.Close()
	}
}

// Source reads published nodes through the buffer pool.
type Source struct {
	pool  *buffer.Pool
	cache *NodeCache
}

func NewSource(pool *buffer.Pool, cache *NodeCache) *Source {
	return &Source{pool: pool, cache: cache}
}

func (s *Source) Load(id page.ID, dec Decoder) (Node, error) {
	if id == page.Nil {
		return nil, errors.New("load of nil page")
	}
	f, err := s.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	defer s.pool.Unpin(f, false)
	return s.decode(id, f, dec)
}

// decode returns the node held by the pinned frame f.
func (s *Source) decode(id page.ID, f *buffer.Frame, dec Decoder) (Node, error) {
	lsn := f.LSN()
	if n, ok := s.cache.Get(id, lsn); ok {
		return n, nil
	}
	p := f.Page()
	if page.IsZero(p) {
		return nil, Corrupt(id, "blank page referenced by index")
	}
	n, err := dec(p)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, lsn, n)
	return n, nil
}

// Pinned reads published nodes like a Source but keeps chosen pages
// swizzled, so the roots a transaction starts every lookup from skip the
// page table. Release must be called before the pages can be freed.
type Pinned struct {
	src   *Source
	swips map[page.ID]*buffer.Swip
}

func NewPinned(src *Source) *Pinned {
	return &Pinned{src: src, swips: make(map[page.ID]*buffer.Swip)}
}

// Pin swizzles page id for the lifetime of p.
func (p *Pinned) Pin(id page.ID) error {
	if id == page.Nil {
		return nil
	}
	if _, ok := p.swips[id]; ok {
		return nil
	}
	sw := buffer.NewSwip(id)
	if err := p.src.pool.Swizzle(&sw); err != nil {
		return err
	}
	p.swips[id] = &sw
	return nil
}

func (p *Pinned) Load(id page.ID, dec Decoder) (Node, error) {
	if sw, ok := p.swips[id]; ok {
		if f, ok := sw.Resolve(); ok {
			return p.src.decode(id, f, dec)
		}
	}
	return p.src.Load(id, dec)
}

// Release unswizzles every pinned page.
func (p *Pinned) Release() {
	for id, sw := range p.swips {
		p.src.pool.Unswizzle(sw, false)
		delete(p.swips, id)
	}
}
