package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/nyan233/tuplebox"
)

func main() {
	// create file with path is dbset/quick_start
	db, err := tuplebox.Open(tuplebox.Config{
		RootDir: "dbset",
		Name:    "quick_start",
		Indexes: []tuplebox.IndexSpec{
			{Name: "numbers", Kind: tuplebox.Ordered},
		},
		ConflictRetries: 3,
	})
	if err != nil {
		panic(err)
	}
	numbers := tuplebox.NewRelation("numbers", new(tuplebox.Uint64Codec), new(tuplebox.JsonTypeCodec[string]))
	// begin tx, write data
	// logic exec success after auto commit
	err = db.Update(func(tx *tuplebox.Tx) error {
		for i := uint64(0); i < 64; i++ {
			if err := numbers.Put(tx, i, strconv.FormatUint(rand.Uint64(), 10)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("write tx err:%v", err))
	}
	// begin tx, read data
	err = db.View(func(tx *tuplebox.Tx) error {
		for i := uint64(0); i < 64; i++ {
			k := rand.Uint64N(63)
			v, found, err := numbers.Get(tx, k)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("not found :%d", k)
			}
			fmt.Printf("numbers.get key=%d, val=%s\n", k, v)
		}
		return numbers.Range(tx, 60, func(k uint64, v string) bool {
			fmt.Printf("numbers.range key=%d, val=%s\n", k, v)
			return true
		})
	})
	if err != nil {
		panic(fmt.Errorf("read tx err:%v", err))
	}
	// close, abort running tx and checkpoint
	err = db.Close()
	if err != nil {
		panic(fmt.Errorf("close err:%v", err))
	}
}
