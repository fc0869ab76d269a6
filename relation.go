package tuplebox

// Relation is a typed view of one index.
type Relation[K any, V any] struct {
	index    string
	keyCodec Codec[K]
	valCodec Codec[V]
}

func NewRelation[K any, V any](index string, keyCodec Codec[K], valCodec Codec[V]) *Relation[K, V] {
	return &Relation[K, V]{index: index, keyCodec: keyCodec, valCodec: valCodec}
}

func (r *Relation[K, V]) Index() string {
	return r.index
}

func (r *Relation[K, V]) Get(tx *Tx, key K) (value V, found bool, err error) {
	keyBytes, err := r.keyCodec.Marshal(&key)
	if err != nil {
		return
	}
	valBytes, found, err := tx.Get(r.index, keyBytes)
	if err != nil || !found {
		return
	}
	err = r.valCodec.Unmarshal(valBytes, &value)
	return
}

func (r *Relation[K, V]) Put(tx *Tx, key K, value V) error {
	keyBytes, err := r.keyCodec.Marshal(&key)
	if err != nil {
		return err
	}
	valBytes, err := r.valCodec.Marshal(&value)
	if err != nil {
		return err
	}
	return tx.Put(r.index, keyBytes, valBytes)
}

func (r *Relation[K, V]) Del(tx *Tx, key K) (found bool, err error) {
	keyBytes, err := r.keyCodec.Marshal(&key)
	if err != nil {
		return false, err
	}
	return tx.Delete(r.index, keyBytes)
}

// Range calls fn for every tuple from s on until fn returns false.
func (r *Relation[K, V]) Range(tx *Tx, s K, fn func(k K, v V) bool) error {
	start, err := r.keyCodec.Marshal(&s)
	if err != nil {
		return err
	}
	return r.scan(tx, start, fn)
}

// RangeAll is Range over the whole index.
func (r *Relation[K, V]) RangeAll(tx *Tx, fn func(k K, v V) bool) error {
	return r.scan(tx, nil, fn)
}

func (r *Relation[K, V]) scan(tx *Tx, start []byte, fn func(k K, v V) bool) error {
	c, err := tx.Scan(r.index, start, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	for c.Next() {
		var (
			gKey K
			gVal V
		)
		if err = r.keyCodec.Unmarshal(c.Key(), &gKey); err != nil {
			return err
		}
		valBytes, err := c.Value()
		if err != nil {
			return err
		}
		if err = r.valCodec.Unmarshal(valBytes, &gVal); err != nil {
			return err
		}
		if !fn(gKey, gVal) {
			return nil
		}
	}
	return c.Err()
}
