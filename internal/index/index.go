// Package index holds what the ordered and the hash index have in common:
// transaction-scoped node building, node loading through the buffer pool and
// the decoded node cache, and value storage with overflow chains.
//
// Every index is a copy-on-write tree of nodes, one node per page. Nodes
// reachable from a published root are never modified; a writer clones them
// into pages it owns and mutates only those.
package index

import (
	"strconv"

	"github.com/nyan233/tuplebox/internal/page"
	"github.com/pkg/errors"
)

// MaxKeySize bounds keys so that any leaf fits a single page.
const MaxKeySize = 1024

var (
	ErrKeyTooLarge = errors.New("key too large")
	ErrEmptyKey    = errors.New("empty key")
)

type Kind uint8

const (
	KindOrdered Kind = iota + 1
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindOrdered:
		return "ordered"
	case KindHash:
		return "hash"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

func CheckKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes, limit %d", len(key), MaxKeySize)
	}
	return nil
}

// Node is the decoded form of one index page.
type Node interface {
	Type() page.Type
	// Encode writes the node into the body of p and sets the body length.
	Encode(p page.Page) error
	Clone() Node
}

type Decoder func(p page.Page) (Node, error)

// Reader loads nodes. A Builder reads its own unpublished nodes, a Source
// only published ones.
type Reader interface {
	Load(id page.ID, dec Decoder) (Node, error)
}

// Leaf is one stored record.
type Leaf struct {
	Key   []byte
	Value Value
	// Stamp identifies the transaction that wrote the record.
	Stamp uint64
}

func (l *Leaf) Load(r Reader) ([]byte, error) {
	return ReadValue(r, l.Value)
}

// Tree is implemented by both index kinds. Roots are page ids; page.Nil is
// the empty tree.
type Tree interface {
	Kind() Kind
	Get(r Reader, root page.ID, key []byte) (Leaf, bool, error)
	Put(b *Builder, root page.ID, key, value []byte, stamp uint64) (page.ID, error)
	Delete(b *Builder, root page.ID, key []byte) (page.ID, bool, error)
	// Scan iterates the keys in [start, end). A nil bound is open.
	Scan(r Reader, root page.ID, start, end []byte) Iterator
	// Walk visits every page reachable from root, overflow pages included.
	Walk(r Reader, root page.ID, fn func(page.ID) error) error
}

type Iterator interface {
	Next() bool
	Key() []byte
	Stamp() uint64
	Value() ([]byte, error)
	// Seek restarts the iteration at the first key not before key.
	Seek(key []byte)
	Err() error
	Close()
}

// Corrupt builds an ErrCorruption for a malformed node page.
func Corrupt(id page.ID, format string, args ...interface{}) error {
	return errors.Wrapf(page.ErrCorruption, "page %d: "+format, append([]interface{}{id}, args...)...)
}
