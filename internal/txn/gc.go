package txn

// horizon is the oldest version some live transaction still reads, or the
// published version when none is running.
func (m *Manager) horizon() uint64 {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	h := m.published.Load().version
	for _, tx := range m.active {
		h = min(h, tx.snap.version)
	}
	return h
}

// Horizon reports the reclamation horizon.
func (m *Manager) Horizon() uint64 {
	return m.horizon()
}

// writeBatch lists the keys the commit of version wrote to one index.
type writeBatch struct {
	version uint64
	index   string
	keys    []string
}

// remember records the keys of ti as last written at version. Callers hold
// commitMu.
func (m *Manager) remember(ti *txIndex, version uint64) {
	name := ti.def.name
	keys := m.written[name]
	if keys == nil {
		keys = make(map[string]uint64)
		m.written[name] = keys
	}
	batch := writeBatch{version: version, index: name, keys: make([]string, 0, len(ti.log))}
	for _, w := range ti.log {
		k := string(w.key)
		keys[k] = version
		batch.keys = append(batch.keys, k)
	}
	m.writes = append(m.writes, batch)
}

// lastWrite returns the version that last committed a write of key, if that
// is newer than the horizon. Deletes count as writes.
func (m *Manager) lastWrite(name string, key []byte) (uint64, bool) {
	v, ok := m.written[name][string(key)]
	return v, ok
}

// forget drops the write records no live snapshot predates.
func (m *Manager) forget(h uint64) {
	n := 0
	for n < len(m.writes) && m.writes[n].version <= h {
		b := m.writes[n]
		keys := m.written[b.index]
		for _, k := range b.keys {
			if keys[k] == b.version {
				delete(keys, k)
			}
		}
		n++
	}
	m.writes = append(m.writes[:0], m.writes[n:]...)
}

// collect frees the retired pages no snapshot at or after the horizon can
// reach. A batch retired by the commit of version v is only reachable from
// versions before v. Callers hold commitMu.
func (m *Manager) collect() error {
	h := m.horizon()
	m.forget(h)
	n := 0
	for n < len(m.retired) && m.retired[n].version <= h {
		n++
	}
	if n == 0 {
		return nil
	}
	var (
		first error
		freed int
	)
	for _, batch := range m.retired[:n] {
		for _, id := range batch.pages {
			if err := m.pool.FreePage(id); err != nil && first == nil {
				first = err
			}
			freed++
		}
	}
	m.retired = append(m.retired[:0], m.retired[n:]...)
	m.logger.Debug("pages reclaimed", "pages", freed, "horizon", h)
	return first
}

func (m *Manager) collectLogged() {
	if err := m.collect(); err != nil {
		m.logger.Error("collect", "err", err)
	}
}
