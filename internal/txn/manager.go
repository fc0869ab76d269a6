// Package txn runs transactions over the indexes: snapshot isolation through
// copy-on-write roots, serial commits with write-ahead logging, page
// reclamation behind the oldest live snapshot, checkpoints and crash
// recovery.
package txn

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/nyan233/tuplebox/internal/aio"
	"github.com/nyan233/tuplebox/internal/buffer"
	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/index/art"
	"github.com/nyan233/tuplebox/internal/index/hash"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/pagestore"
	"github.com/nyan233/tuplebox/internal/wal"
	"github.com/pkg/errors"
)

var (
	ErrConflict      = errors.New("write conflict")
	ErrTxDone        = errors.New("transaction already committed or aborted")
	ErrIndexNotFound = errors.New("index not found")
	ErrClosed        = errors.New("manager closed")
)

type IndexSpec struct {
	Name string
	Kind index.Kind
}

type Options struct {
	// Path is the page store file; the log lives next to it with a ".wal"
	// suffix.
	Path    string
	Indexes []IndexSpec
	// Frames is the size of the buffer pool.
	Frames        int
	Workers       int
	FlushWorkers  int
	NodeCacheSize int64
	Cipher        page.Cipher
	// CheckpointInterval drives periodic checkpoints; zero disables them.
	CheckpointInterval time.Duration
	// CheckpointLogSize triggers a checkpoint once the log grows past it;
	// zero disables it.
	CheckpointLogSize int64
	// NodeID seeds the snowflake generator of transaction ids.
	NodeID int64
	Logger *slog.Logger
	// StoreIO and LogIO replace the file-backed services.
	StoreIO aio.Service
	LogIO   aio.Service
}

func (opt *Options) withDefaults() {
	if opt.Frames <= 0 {
		opt.Frames = 4096
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.FlushWorkers <= 0 {
		opt.FlushWorkers = 4
	}
	if opt.NodeCacheSize <= 0 {
		opt.NodeCacheSize = 1 << 16
	}
	if opt.NodeID <= 0 {
		opt.NodeID = 1
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
}

type indexDef struct {
	name string
	kind index.Kind
	tree index.Tree
}

func treeOf(k index.Kind) (index.Tree, error) {
	switch k {
	case index.KindOrdered:
		return art.New(), nil
	case index.KindHash:
		return hash.New(), nil
	default:
		return nil, errors.Errorf("unknown index kind %d", k)
	}
}

// snapshot is one published state. It is never modified once stored.
type snapshot struct {
	version uint64
	roots   map[string]page.ID
}

type retiredBatch struct {
	version uint64
	pages   []page.ID
}

type Stat struct {
	Version     uint64
	Active      int
	Commits     uint64
	Aborts      uint64
	Conflicts   uint64
	Checkpoints uint64
	// PendingFree counts retired pages still visible to some snapshot.
	PendingFree int
	// TrackedWrites counts the keys whose last write is newer than some
	// live snapshot.
	TrackedWrites int
	FreePages     int
	HighWater     page.ID
	LogSize       int64
	// DurableLSN is the last log record known to be on disk.
	DurableLSN uint64
	Pool       buffer.Stat
}

type iStat struct {
	commits     atomic.Uint64
	aborts      atomic.Uint64
	conflicts   atomic.Uint64
	checkpoints atomic.Uint64
}

type Manager struct {
	opt     Options
	logger  *slog.Logger
	storeID uuid.UUID
	store   *pagestore.Store
	log     *wal.Log
	pool    *buffer.Pool
	cache   *index.NodeCache
	src     *index.Source
	ids     *snowflake.Node
	defs    map[string]*indexDef

	published atomic.Pointer[snapshot]

	// commitMu serialises commits, checkpoints and page reclamation.
	commitMu sync.Mutex
	retired  []retiredBatch
	// written maps index and key to the version of the last committed write,
	// kept while some live snapshot predates it. writes holds the same
	// records in commit order for pruning.
	written map[string]map[string]uint64
	writes  []writeBatch

	activeMu sync.Mutex
	active   map[uint64]*Tx

	closed atomic.Bool
	kick   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	stat   iStat
}

func Open(opt Options) (*Manager, error) {
	opt.withDefaults()
	ids, err := snowflake.NewNode(opt.NodeID)
	if err != nil {
		return nil, errors.Wrap(err, "snowflake node")
	}
	store, err := pagestore.Open(pagestore.Options{
		Path:    opt.Path,
		Workers: opt.Workers,
		Cipher:  opt.Cipher,
		Logger:  opt.Logger,
		IO:      opt.StoreIO,
	})
	if err != nil {
		return nil, err
	}
	m := &Manager{
		opt:     opt,
		logger:  opt.Logger,
		store:   store,
		ids:     ids,
		defs:    make(map[string]*indexDef),
		active:  make(map[uint64]*Tx),
		written: make(map[string]map[string]uint64),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if err = m.open(); err != nil {
		m.release()
		return nil, err
	}
	if opt.CheckpointInterval > 0 || opt.CheckpointLogSize > 0 {
		m.wg.Add(1)
		go m.checkpointLoop()
	}
	return m, nil
}

func (m *Manager) open() error {
	sb, ok, err := m.store.ReadSuperblock()
	if err != nil {
		return err
	}
	if !ok {
		// the superblock goes first so that the log is never foreign to it
		sb = &page.Superblock{StoreID: uuid.New(), HighWater: page.FirstDataPage, Clean: true}
		if err = m.store.WriteSuperblock(sb); err != nil {
			return err
		}
		m.logger.Info("store created", "path", m.opt.Path, "store", sb.StoreID)
	}
	m.storeID = sb.StoreID
	m.store.RaiseHighWater(sb.HighWater)

	m.log, err = wal.Open(wal.Options{
		Path:    m.opt.Path + ".wal",
		StoreID: sb.StoreID,
		Workers: 1,
		Cipher:  m.opt.Cipher,
		Logger:  m.logger,
		IO:      m.opt.LogIO,
	})
	if err != nil {
		return err
	}
	m.cache, err = index.NewNodeCache(m.opt.NodeCacheSize)
	if err != nil {
		return err
	}
	m.pool = buffer.New(buffer.Options{
		Frames:       m.opt.Frames,
		FlushWorkers: m.opt.FlushWorkers,
		Store:        m.store,
		Log:          m.log,
		Logger:       m.logger,
	})
	m.src = index.NewSource(m.pool, m.cache)

	rs, err := m.recover(sb)
	if err != nil {
		return err
	}
	for name, r := range rs.roots {
		tree, err := treeOf(index.Kind(r.kind))
		if err != nil {
			return errors.Wrapf(page.ErrCorruption, "index %q: %v", name, err)
		}
		m.defs[name] = &indexDef{name: name, kind: index.Kind(r.kind), tree: tree}
	}
	for _, decl := range m.opt.Indexes {
		if def, ok := m.defs[decl.Name]; ok {
			if def.kind != decl.Kind {
				return errors.Errorf("index %q is %s, declared %s", decl.Name, def.kind, decl.Kind)
			}
			continue
		}
		tree, err := treeOf(decl.Kind)
		if err != nil {
			return err
		}
		m.defs[decl.Name] = &indexDef{name: decl.Name, kind: decl.Kind, tree: tree}
		rs.roots[decl.Name] = recoveredRoot{kind: uint8(decl.Kind)}
		m.logger.Info("index created", "index", decl.Name, "kind", decl.Kind)
	}
	snap := &snapshot{version: rs.version, roots: make(map[string]page.ID, len(rs.roots))}
	for name, r := range rs.roots {
		snap.roots[name] = r.root
	}
	m.published.Store(snap)
	return m.checkpoint(false)
}

// release closes the files without a checkpoint.
func (m *Manager) release() {
	if m.log != nil {
		_ = m.log.Close()
	}
	_ = m.store.Close()
	m.cache.Close()
}

func (m *Manager) def(name string) (*indexDef, error) {
	def, ok := m.defs[name]
	if !ok {
		return nil, errors.Wrap(ErrIndexNotFound, name)
	}
	return def, nil
}

// Indexes lists the indexes with their kinds.
func (m *Manager) Indexes() []IndexSpec {
	specs := make([]IndexSpec, 0, len(m.defs))
	for _, def := range m.defs {
		specs = append(specs, IndexSpec{Name: def.name, Kind: def.kind})
	}
	return specs
}

// Version is the last published version.
func (m *Manager) Version() uint64 {
	return m.published.Load().version
}

// Begin starts a transaction on the current snapshot.
func (m *Manager) Begin() (*Tx, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	tx := &Tx{
		m:       m,
		id:      uint64(m.ids.Generate().Int64()),
		indexes: make(map[string]*txIndex),
		pinned:  index.NewPinned(m.src),
	}
	m.activeMu.Lock()
	tx.snap = m.published.Load()
	m.active[tx.id] = tx
	m.activeMu.Unlock()
	return tx, nil
}

// end retires tx from the active set. Its pinned roots are released first,
// so that collect may free them.
func (m *Manager) end(tx *Tx) {
	tx.pinned.Release()
	m.activeMu.Lock()
	delete(m.active, tx.id)
	m.activeMu.Unlock()
}

func (m *Manager) Stat() Stat {
	m.activeMu.Lock()
	active := len(m.active)
	m.activeMu.Unlock()
	m.commitMu.Lock()
	pending := 0
	for _, b := range m.retired {
		pending += len(b.pages)
	}
	tracked := 0
	for _, keys := range m.written {
		tracked += len(keys)
	}
	m.commitMu.Unlock()
	return Stat{
		Version:       m.Version(),
		Active:        active,
		Commits:       m.stat.commits.Load(),
		Aborts:        m.stat.aborts.Load(),
		Conflicts:     m.stat.conflicts.Load(),
		Checkpoints:   m.stat.checkpoints.Load(),
		PendingFree:   pending,
		TrackedWrites: tracked,
		FreePages:     m.store.FreeCount(),
		HighWater:     m.store.HighWater(),
		LogSize:       m.log.Size(),
		DurableLSN:    m.log.DurableLSN(),
		Pool:          m.pool.Stat(),
	}
}

// Close aborts the transactions still running, writes a clean checkpoint and
// closes the files.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(m.stop)
	m.wg.Wait()
	m.activeMu.Lock()
	live := make([]*Tx, 0, len(m.active))
	for _, tx := range m.active {
		live = append(live, tx)
	}
	m.activeMu.Unlock()
	for _, tx := range live {
		if err := tx.Abort(); err != nil && !errors.Is(err, ErrTxDone) {
			m.logger.Warn("abort on close", "tx", tx.id, "err", err)
		}
	}
	m.commitMu.Lock()
	err := m.collect()
	if err == nil {
		err = m.checkpoint(true)
	}
	m.commitMu.Unlock()
	m.release()
	return err
}

// crash drops the manager without a checkpoint, leaving the files as a power
// failure would.
func (m *Manager) crash() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.stop)
	m.wg.Wait()
	m.release()
}
