// Package aio is the asynchronous block I/O service used by the page store and
// the write-ahead log. Requests are submitted, optionally batched, and awaited
// through a Token.
package aio

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nyan233/tuplebox/internal/sys"
	"github.com/pkg/errors"
)

var (
	ErrIo     = errors.New("io error")
	errClosed = errors.New("io service closed")
)

// IoError describes a failed request. errors.Is(err, ErrIo) holds for every
// IoError.
type IoError struct {
	Op   string
	Path string
	Off  int64
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s %s at %d: %v", e.Op, e.Path, e.Off, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

func (e *IoError) Is(target error) bool {
	return target == ErrIo
}

type opKind uint8

const (
	opRead opKind = iota + 1
	opWrite
	opSync
)

// Token is the completion handle of one submitted request.
type Token struct {
	kind opKind
	off  int64
	buf  []byte
	// n is the number of bytes transferred by a read. Reads past the end of
	// the device are zero-filled and are not an error.
	n    int
	err  error
	done chan struct{}
}

func newToken(kind opKind, off int64, buf []byte) *Token {
	return &Token{kind: kind, off: off, buf: buf, done: make(chan struct{})}
}

func (t *Token) finish(err error) {
	t.err = err
	close(t.done)
}

// Service is the contract consumed by the storage layers.
type Service interface {
	SubmitRead(off int64, buf []byte) *Token
	SubmitWrite(off int64, buf []byte) *Token
	SubmitSync() *Token
	Await(t *Token) error
	Size() (int64, error)
	Truncate(size int64) error
	Path() string
	Close() error
}

// FileService serves requests against a single file with a fixed number of
// worker goroutines.
type FileService struct {
	file    *os.File
	path    string
	queue   chan *Token
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

var _ Service = (*FileService)(nil)

func OpenFile(path string, workers int) (*FileService, error) {
	if workers <= 0 {
		workers = 1
	}
	file, err := sys.OpenFile(path)
	if err != nil {
		return nil, &IoError{Op: "open", Path: path, Err: err}
	}
	s := &FileService{
		file:  file,
		path:  path,
		queue: make(chan *Token, workers*32),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s, nil
}

func (s *FileService) worker() {
	defer s.wg.Done()
	for t := range s.queue {
		s.serve(t)
	}
}

func (s *FileService) serve(t *Token) {
	switch t.kind {
	case opRead:
		n, err := sys.Pread(s.file, t.buf, t.off)
		t.n = n
		if err == io.EOF {
			clear(t.buf[n:])
			err = nil
		}
		if err != nil {
			t.finish(&IoError{Op: "read", Path: s.path, Off: t.off, Err: err})
			return
		}
	case opWrite:
		if _, err := sys.Pwrite(s.file, t.buf, t.off); err != nil {
			t.finish(&IoError{Op: "write", Path: s.path, Off: t.off, Err: err})
			return
		}
	case opSync:
		if err := sys.Sync(s.file); err != nil {
			t.finish(&IoError{Op: "sync", Path: s.path, Err: err})
			return
		}
	}
	t.finish(nil)
}

func (s *FileService) submit(t *Token) *Token {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		t.finish(&IoError{Op: "submit", Path: s.path, Off: t.off, Err: errClosed})
		return t
	}
	s.queue <- t
	return t
}

func (s *FileService) SubmitRead(off int64, buf []byte) *Token {
	return s.submit(newToken(opRead, off, buf))
}

func (s *FileService) SubmitWrite(off int64, buf []byte) *Token {
	return s.submit(newToken(opWrite, off, buf))
}

func (s *FileService) SubmitSync() *Token {
	return s.submit(newToken(opSync, 0, nil))
}

func (s *FileService) Await(t *Token) error {
	<-t.done
	return t.err
}

func (s *FileService) Size() (int64, error) {
	stat, err := s.file.Stat()
	if err != nil {
		return 0, &IoError{Op: "stat", Path: s.path, Err: err}
	}
	return stat.Size(), nil
}

func (s *FileService) Truncate(size int64) error {
	if err := sys.Truncate(s.file, size); err != nil {
		return &IoError{Op: "truncate", Path: s.path, Off: size, Err: err}
	}
	return nil
}

func (s *FileService) Path() string {
	return s.path
}

// Close drains outstanding requests and closes the file.
func (s *FileService) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()
	s.wg.Wait()
	if err := s.file.Close(); err != nil {
		return &IoError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

// AwaitAll waits for every token and returns the first error.
func AwaitAll(s Service, tokens []*Token) error {
	var first error
	for _, t := range tokens {
		if err := s.Await(t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
