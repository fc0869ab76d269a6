package aio

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrInjected = errors.New("injected fault")

// Faulty wraps a Service and fails writes and syncs while armed. It is used
// to exercise the error paths of the log and the page store.
type Faulty struct {
	Service
	failWrites atomic.Bool
	failSyncs  atomic.Bool
}

func NewFaulty(s Service) *Faulty {
	return &Faulty{Service: s}
}

func (f *Faulty) FailWrites(v bool) {
	f.failWrites.Store(v)
}

func (f *Faulty) FailSyncs(v bool) {
	f.failSyncs.Store(v)
}

func (f *Faulty) SubmitWrite(off int64, buf []byte) *Token {
	if f.failWrites.Load() {
		t := newToken(opWrite, off, buf)
		t.finish(&IoError{Op: "write", Path: f.Path(), Off: off, Err: ErrInjected})
		return t
	}
	return f.Service.SubmitWrite(off, buf)
}

func (f *Faulty) SubmitSync() *Token {
	if f.failSyncs.Load() {
		t := newToken(opSync, 0, nil)
		t.finish(&IoError{Op: "sync", Path: f.Path(), Err: ErrInjected})
		return t
	}
	return f.Service.SubmitSync()
}
