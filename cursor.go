package tuplebox

import "github.com/nyan233/tuplebox/internal/index"

// Cursor walks a range of an index as it was when the scan started. Ordered
// indexes yield keys in byte order, hash indexes in hash order. A cursor must
// be closed and must not outlive its transaction.
type Cursor struct {
	it index.Iterator
}

func (c *Cursor) Next() bool {
	return c.it.Next()
}

func (c *Cursor) Key() []byte {
	return c.it.Key()
}

func (c *Cursor) Value() ([]byte, error) {
	return c.it.Value()
}

func (c *Cursor) Tuple() (Tuple, error) {
	v, err := c.it.Value()
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{Stamp: c.it.Stamp(), Domain: append([]byte(nil), c.it.Key()...), Codomain: v}, nil
}

// Seek moves the cursor so that the next call to Next lands on the first key
// not before key. The range bounds still apply.
func (c *Cursor) Seek(key []byte) {
	c.it.Seek(key)
}

func (c *Cursor) Err() error {
	return c.it.Err()
}

func (c *Cursor) Close() {
	c.it.Close()
}
