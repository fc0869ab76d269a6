package index

import (
	"slices"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

type ownedNode struct {
	node   Node
	frozen bool
}

// Builder allocates and mutates the nodes of one transaction on one index.
// Owned nodes live decoded in memory under a reserved page id and take no
// frame until Publish, so a transaction may build more pages than the pool
// holds.
type Builder struct {
	src   *Source
	owned map[page.ID]*ownedNode
	// retired are published pages the working tree no longer references.
	// They become garbage once the transaction commits.
	retired []page.ID
	// deferred are owned pages dropped while frozen. A live iterator may
	// still load them, so they stay readable until the transaction ends.
	deferred map[page.ID]Node
	// sealed are the images built by Seal, waiting for Publish.
	sealed []page.Page
}

func NewBuilder(src *Source) *Builder {
	return &Builder{
		src:      src,
		owned:    make(map[page.ID]*ownedNode),
		deferred: make(map[page.ID]Node),
	}
}

func (b *Builder) Load(id page.ID, dec Decoder) (Node, error) {
	if o, ok := b.owned[id]; ok {
		return o.node, nil
	}
	if n, ok := b.deferred[id]; ok {
		return n, nil
	}
	return b.src.Load(id, dec)
}

func (b *Builder) Owned(id page.ID) bool {
	_, ok := b.owned[id]
	return ok
}

// Alloc reserves a page id for n.
func (b *Builder) Alloc(n Node) (page.ID, error) {
	id := b.src.pool.Reserve()
	b.owned[id] = &ownedNode{node: n}
	return id, nil
}

// Writable returns a node for id that may be changed in place. An owned node
// is returned as is; anything else is cloned into a new page and id retired.
func (b *Builder) Writable(id page.ID, n Node) (page.ID, Node, error) {
	if o, ok := b.owned[id]; ok && !o.frozen {
		return id, o.node, nil
	}
	c := n.Clone()
	nid, err := b.Alloc(c)
	if err != nil {
		return page.Nil, nil, err
	}
	if err = b.Retire(id); err != nil {
		return page.Nil, nil, err
	}
	return nid, c, nil
}

// Retire drops id from the working tree.
func (b *Builder) Retire(id page.ID) error {
	if id == page.Nil {
		return nil
	}
	o, ok := b.owned[id]
	if !ok {
		b.retired = append(b.retired, id)
		return nil
	}
	delete(b.owned, id)
	if o.frozen {
		b.deferred[id] = o.node
		return nil
	}
	return b.src.pool.FreePage(id)
}

// Freeze makes every node owned so far copy-on-write for the rest of the
// transaction. Iterators call it so that later writes cannot change nodes
// they hold.
func (b *Builder) Freeze() {
	for _, o := range b.owned {
		o.frozen = true
	}
}

// Dirty reports whether the working tree differs from the one it started at.
func (b *Builder) Dirty() bool {
	return len(b.owned) > 0 || len(b.retired) > 0
}

// Retired returns the published pages made obsolete by this builder.
func (b *Builder) Retired() []page.ID {
	return b.retired
}

// OwnedCount is the number of pages built so far.
func (b *Builder) OwnedCount() int {
	return len(b.owned)
}

func (b *Builder) ownedIDs() []page.ID {
	ids := make([]page.ID, 0, len(b.owned))
	for id := range b.owned {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Seal encodes every owned node into a fresh page image and returns the
// images in id order, ready to be logged.
func (b *Builder) Seal() ([]page.Page, error) {
	ids := b.ownedIDs()
	pages := make([]page.Page, 0, len(ids))
	for _, id := range ids {
		o := b.owned[id]
		p := page.Page(make([]byte, page.Size))
		page.Init(p, id, o.node.Type())
		if err := o.node.Encode(p); err != nil {
			return nil, errors.Wrapf(err, "encode page %d", id)
		}
		pages = append(pages, p)
	}
	b.sealed = pages
	return pages, nil
}

// Publish hands the sealed and logged images over to the pool as dirty
// committed pages and returns the retired pages. The builder is empty
// afterwards.
func (b *Builder) Publish() ([]page.ID, error) {
	pool := b.src.pool
	var first error
	for _, p := range b.sealed {
		if err := pool.Install(p); err != nil {
			if first == nil {
				first = errors.Wrapf(err, "install page %d", p.ID())
			}
			continue
		}
		if o, ok := b.owned[p.ID()]; ok {
			b.src.cache.Set(p.ID(), p.LSN(), o.node)
		}
	}
	retired := b.retired
	if err := b.freeDeferred(); err != nil && first == nil {
		first = err
	}
	b.owned = make(map[page.ID]*ownedNode)
	b.retired = nil
	b.sealed = nil
	return retired, first
}

// Discard frees everything the builder allocated.
func (b *Builder) Discard() error {
	pool := b.src.pool
	var first error
	for _, id := range b.ownedIDs() {
		if err := pool.FreePage(id); err != nil && first == nil {
			first = err
		}
	}
	if err := b.freeDeferred(); err != nil && first == nil {
		first = err
	}
	b.owned = make(map[page.ID]*ownedNode)
	b.retired = nil
	b.sealed = nil
	return first
}

func (b *Builder) freeDeferred() error {
	var first error
	for id := range b.deferred {
		if err := b.src.pool.FreePage(id); err != nil && first == nil {
			first = err
		}
	}
	clear(b.deferred)
	return first
}
