package tuplebox

import "bytes"

// Tuple is one stored record: the key is its domain and the value its
// codomain. Stamp is the id of the transaction that wrote it.
type Tuple struct {
	Stamp    uint64
	Domain   []byte
	Codomain []byte
}

// Compare orders tuples by domain, then codomain. The stamp is not part of
// the order.
func (t Tuple) Compare(o Tuple) int {
	if c := bytes.Compare(t.Domain, o.Domain); c != 0 {
		return c
	}
	return bytes.Compare(t.Codomain, o.Codomain)
}

func (t Tuple) Less(o Tuple) bool {
	return t.Compare(o) < 0
}

func (t Tuple) Equal(o Tuple) bool {
	return t.Compare(o) == 0
}
