package tuplebox

import (
	"github.com/nyan233/tuplebox/internal/aio"
	"github.com/nyan233/tuplebox/internal/buffer"
	"github.com/nyan233/tuplebox/internal/index"
	"github.com/nyan233/tuplebox/internal/page"
	"github.com/nyan233/tuplebox/internal/txn"
	"github.com/nyan233/tuplebox/internal/wal"
)

// Errors returned by the engine. Match them with errors.Is.
var (
	ErrIo            = aio.ErrIo
	ErrPoolExhausted = buffer.ErrPoolExhausted
	ErrConflict      = txn.ErrConflict
	ErrLogIo         = wal.ErrLogIo
	ErrCorruption    = page.ErrCorruption
	ErrTxDone        = txn.ErrTxDone
	ErrIndexNotFound = txn.ErrIndexNotFound
	ErrKeyTooLarge   = index.ErrKeyTooLarge
	ErrEmptyKey      = index.ErrEmptyKey
	ErrClosed        = txn.ErrClosed
)
