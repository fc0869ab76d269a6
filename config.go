package tuplebox

import (
	"log/slog"
	"time"

	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/txn"
)

type IndexKind = index.Kind

const (
	// Ordered indexes keep keys in byte order and support range scans.
	Ordered = index.KindOrdered
	// Hash indexes scan in hash order.
	Hash = index.KindHash
)

// IndexSpec declares an index. Indexes not yet in the store are created
// empty on open; a stored index must keep its kind.
type IndexSpec = txn.IndexSpec

type Config struct {
	// RootDir holds the store file Name and its log Name.wal.
	RootDir string
	Name    string
	Indexes []IndexSpec
	// MaxPageCacheSize is the number of buffer pool frames.
	MaxPageCacheSize int
	// MaxNodeCacheSize bounds the decoded node cache, in nodes.
	MaxNodeCacheSize int64
	IoWorkers        int
	FlushWorkers     int
	Logger           *slog.Logger
	CipherFactory    func() (Cipher, error)
	// CheckpointInterval and CheckpointLogSize trigger background
	// checkpoints. Zero disables each trigger.
	CheckpointInterval time.Duration
	CheckpointLogSize  int64
	// ConflictRetries is how many times Update reruns a transaction that
	// failed with ErrConflict.
	ConflictRetries int
	// NodeID seeds transaction ids, in [1, 1023]. Zero picks 1.
	NodeID int64
}

func (c *Config) withDefaults() {
	if c.RootDir == "" {
		c.RootDir = "."
	}
	if c.Name == "" {
		c.Name = "tuplebox"
	}
	if c.MaxPageCacheSize <= 0 {
		c.MaxPageCacheSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
}
