package tuplebox

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/nyan233/tuplebox/internal/index/indextest"
	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
	"golang.org/x/sync/errgroup"
)

func testConfig(t testing.TB) Config {
	return Config{
		RootDir: t.TempDir(),
		Name:    "test.db",
		Indexes: []IndexSpec{
			{Name: "users", Kind: Ordered},
			{Name: "sessions", Kind: Hash},
		},
		MaxPageCacheSize: 512,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openDB(t testing.TB, cfg Config) *DB {
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestDB(t *testing.T) {
	t.Run("SnapshotScenario", func(t *testing.T) {
		db := openDB(t, testConfig(t))
		require.NoError(t, db.Update(func(tx *Tx) error {
			return tx.Put("users", []byte("a"), []byte("1"))
		}))
		writer, err := db.Begin()
		require.NoError(t, err)
		require.NoError(t, writer.Put("users", []byte("a"), []byte("2")))
		// the reader starts while the write is still uncommitted
		reader, err := db.Begin()
		require.NoError(t, err)
		v, found, err := reader.Get("users", []byte("a"))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "1", string(v))
		require.NoError(t, writer.Commit())
		v, found, err = reader.Get("users", []byte("a"))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "1", string(v), "the snapshot outlives the commit")
		require.NoError(t, reader.Rollback())
		require.NoError(t, db.View(func(tx *Tx) error {
			v, found, err := tx.Get("users", []byte("a"))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "2", string(v))
			return nil
		}))
	})
	t.Run("RangeScanOrder", func(t *testing.T) {
		db := openDB(t, testConfig(t))
		users := NewRelation("users", new(Uint64Codec), new(StringCodec))
		require.NoError(t, db.Update(func(tx *Tx) error {
			for _, k := range []uint64{5, 1, 3} {
				if err := users.Put(tx, k, fmt.Sprint(k)); err != nil {
					return err
				}
			}
			return nil
		}))
		var keys []uint64
		require.NoError(t, db.View(func(tx *Tx) error {
			return users.RangeAll(tx, func(k uint64, v string) bool {
				require.Equal(t, fmt.Sprint(k), v)
				keys = append(keys, k)
				return true
			})
		}))
		require.Equal(t, []uint64{1, 3, 5}, keys)

		keys = keys[:0]
		require.NoError(t, db.View(func(tx *Tx) error {
			return users.Range(tx, 2, func(k uint64, v string) bool {
				keys = append(keys, k)
				return true
			})
		}))
		require.Equal(t, []uint64{3, 5}, keys)
	})
	t.Run("LittleTx", func(t *testing.T) {
		db := openDB(t, testConfig(t))
		rel := NewRelation("users", new(JsonTypeCodec[uint64]), new(JsonTypeCodec[string]))
		err := db.Update(func(tx *Tx) error {
			for i := 0; i < 1024; i++ {
				require.NoError(t, rel.Put(tx, uint64(i), "hello world"))
			}
			v, found, err := rel.Get(tx, 512)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "hello world", v)
			found, err = rel.Del(tx, 1022)
			require.NoError(t, err)
			require.True(t, found)
			_, found, err = rel.Get(tx, 1022)
			require.NoError(t, err)
			require.False(t, found)
			return nil
		})
		require.NoError(t, err)
		err = db.View(func(tx *Tx) error {
			_, found, err := rel.Get(tx, 1022)
			require.NoError(t, err)
			require.False(t, found)
			n := 0
			require.NoError(t, rel.RangeAll(tx, func(k uint64, v string) bool {
				n++
				return true
			}))
			require.Equal(t, 1023, n)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, uint64(1), db.Stat().TxCommitCount)
	})
	t.Run("Tuples", func(t *testing.T) {
		db := openDB(t, testConfig(t))
		var writer uint64
		require.NoError(t, db.Update(func(tx *Tx) error {
			writer = tx.ID()
			for i := 0; i < 100; i++ {
				if err := tx.Put("sessions", []byte(fmt.Sprintf("s%03d", i)), []byte(fmt.Sprint(i%7))); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, db.View(func(tx *Tx) error {
			tup, found, err := tx.GetTuple("sessions", []byte("s042"))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, writer, tup.Stamp)
			require.Equal(t, "0", string(tup.Codomain))

			res, err := tx.PredicateScan("sessions", func(t Tuple) bool {
				return string(t.Codomain) == "3"
			})
			require.NoError(t, err)
			require.Len(t, res, 14)
			slices.SortFunc(res, Tuple.Compare)
			require.Equal(t, "s003", string(res[0].Domain))
			require.Equal(t, "s094", string(res[len(res)-1].Domain))
			return nil
		}))
	})
	t.Run("Errors", func(t *testing.T) {
		db := openDB(t, testConfig(t))
		tx, err := db.Begin()
		require.NoError(t, err)
		require.ErrorIs(t, tx.Put("nope", []byte("k"), nil), ErrIndexNotFound)
		require.ErrorIs(t, tx.Put("users", nil, nil), ErrEmptyKey)
		require.ErrorIs(t, tx.Put("users", make([]byte, 2048), nil), ErrKeyTooLarge)
		require.NoError(t, tx.Commit())
		require.ErrorIs(t, tx.Rollback(), ErrTxDone)
		require.NoError(t, db.Close())
		_, err = db.Begin()
		require.ErrorIs(t, err, ErrClosed)
	})
}

func TestUpdateRetriesConflicts(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConflictRetries = 1000
	db := openDB(t, cfg)
	counter := NewRelation("sessions", new(StringCodec), new(Uint64Codec))
	const (
		workers = 8
		rounds  = 20
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				err := db.Update(func(tx *Tx) error {
					n, _, err := counter.Get(tx, "hits")
					if err != nil {
						return err
					}
					return counter.Put(tx, "hits", n+1)
				})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, db.View(func(tx *Tx) error {
		n, found, err := counter.Get(tx, "hits")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint64(workers*rounds), n)
		return nil
	}))
	st := db.Stat()
	require.Equal(t, uint64(workers*rounds), st.TxCommitCount)
	require.GreaterOrEqual(t, st.TxCommitMaxTime, st.TxCommitMinTime)
	require.Greater(t, st.TxCommitSumTs, uint64(0))
}

func TestUpdateSurfacesConflictByDefault(t *testing.T) {
	db := openDB(t, testConfig(t))
	other, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, other.Put("users", []byte("k"), []byte("other")))
	err = db.Update(func(tx *Tx) error {
		if err := tx.Put("users", []byte("k"), []byte("mine")); err != nil {
			return err
		}
		// the other writer commits first
		return other.Commit()
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, uint64(1), db.Stat().TxConflictCount)
}

// appendRound runs one transaction of the append workload: it appends unique
// values to a few registers, checks each append and a full read of one
// register, then commits or rolls back. committed and rolledBack collect the
// values per register.
func appendRound(db *DB, rng *rand.Rand, registers []string, base uint64, committed, rolledBack map[string][]uint64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	appended := make(map[string][]uint64)
	n := 1 + rng.IntN(3)
	for j := 0; j < n; j++ {
		reg := registers[rng.IntN(len(registers))]
		v := base + uint64(j)
		key := binary.BigEndian.AppendUint64(nil, v)
		if err = tx.Put(reg, key, []byte(reg)); err != nil {
			return err
		}
		tup, found, err := tx.GetTuple(reg, key)
		if err != nil {
			return err
		}
		if !found || tup.Stamp != tx.ID() || string(tup.Codomain) != reg {
			return fmt.Errorf("tx %d: append of %d to %s not visible to itself", tx.ID(), v, reg)
		}
		appended[reg] = append(appended[reg], v)
	}

	reg := registers[rng.IntN(len(registers))]
	tuples, err := tx.PredicateScan(reg, func(Tuple) bool {
		return true
	})
	if err != nil {
		return err
	}
	seen := make(map[uint64]bool, len(tuples))
	for _, tup := range tuples {
		seen[binary.BigEndian.Uint64(tup.Domain)] = true
	}
	for _, v := range append(slices.Clone(committed[reg]), appended[reg]...) {
		if !seen[v] {
			return fmt.Errorf("tx %d: read of %s misses %d", tx.ID(), reg, v)
		}
	}
	for _, v := range rolledBack[reg] {
		if seen[v] {
			return fmt.Errorf("tx %d: read of %s sees rolled back %d", tx.ID(), reg, v)
		}
	}

	target := committed
	if rng.IntN(4) == 0 {
		target = rolledBack
		err = tx.Rollback()
	} else {
		err = tx.Commit()
	}
	if err != nil {
		return err
	}
	for reg, vs := range appended {
		target[reg] = append(target[reg], vs...)
	}
	return nil
}

func TestAppendWorkload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Indexes = []IndexSpec{
		{Name: "r0", Kind: Ordered},
		{Name: "r1", Kind: Hash},
		{Name: "r2", Kind: Ordered},
		{Name: "r3", Kind: Hash},
	}
	db := openDB(t, cfg)
	registers := make([]string, 0, len(cfg.Indexes))
	for _, decl := range cfg.Indexes {
		registers = append(registers, decl.Name)
	}
	const (
		workers = 6
		rounds  = 40
	)
	committed := make([]map[string][]uint64, workers)
	rolledBack := make([]map[string][]uint64, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		committed[w] = make(map[string][]uint64)
		rolledBack[w] = make(map[string][]uint64)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), 0x5eed))
			for i := 0; i < rounds; i++ {
				base := uint64(w)<<32 | uint64(i)<<8
				if err := appendRound(db, rng, registers, base, committed[w], rolledBack[w]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, db.View(func(tx *Tx) error {
		for _, reg := range registers {
			var want []uint64
			for w := 0; w < workers; w++ {
				want = append(want, committed[w][reg]...)
			}
			tuples, err := tx.PredicateScan(reg, func(Tuple) bool {
				return true
			})
			require.NoError(t, err)
			got := make([]uint64, 0, len(tuples))
			for _, tup := range tuples {
				got = append(got, binary.BigEndian.Uint64(tup.Domain))
			}
			require.ElementsMatch(t, want, got, "register %s", reg)

			for w := 0; w < workers; w++ {
				for _, v := range rolledBack[w][reg] {
					_, found, err := tx.GetTuple(reg, binary.BigEndian.AppendUint64(nil, v))
					require.NoError(t, err)
					require.False(t, found, "rolled back %d in %s", v, reg)
				}
			}
		}
		return nil
	}))
	st := db.Stat()
	require.Zero(t, st.TxConflictCount, "appends of distinct values never conflict")
	require.Greater(t, st.TxRollbackCount, uint64(0))
}

func TestReopenEncrypted(t *testing.T) {
	cfg := testConfig(t)
	cfg.CipherFactory = func() (Cipher, error) {
		return NewAesCipherFromHex("112233445566778899aabbccddeeff11")
	}
	db := openDB(t, cfg)
	want := make(map[string]string)
	require.NoError(t, db.Update(func(tx *Tx) error {
		for i := 0; i < 500; i++ {
			k, v := indextest.Key(i, 16), random.GenStringOnAscii(300)
			want[k] = v
			if err := tx.Put("users", []byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	db = openDB(t, cfg)
	require.ElementsMatch(t, cfg.Indexes, db.Indexes())
	got := make(map[string]string)
	require.NoError(t, db.View(func(tx *Tx) error {
		c, err := tx.Scan("users", nil, nil)
		require.NoError(t, err)
		defer c.Close()
		for c.Next() {
			v, err := c.Value()
			require.NoError(t, err)
			got[string(c.Key())] = string(v)
		}
		return c.Err()
	}))
	require.Equal(t, want, got)
}

func TestCodecs(t *testing.T) {
	var u uint64
	require.Error(t, Uint64Codec{}.Unmarshal([]byte{1, 2}, &u))
	b, err := Uint64Codec{}.Marshal(&u)
	require.NoError(t, err)
	require.Len(t, b, 8)

	a := Tuple{Domain: []byte("a"), Codomain: []byte("2")}
	require.True(t, a.Less(Tuple{Domain: []byte("b")}))
	require.True(t, a.Less(Tuple{Domain: []byte("a"), Codomain: []byte("3")}))
	require.True(t, a.Equal(Tuple{Stamp: 9, Domain: []byte("a"), Codomain: []byte("2")}))
}
