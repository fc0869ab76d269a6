//go:build unix

package sys

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

// Pread fills buf from off. Reading past the end of the file returns io.EOF
// with the number of bytes that were available.
func Pread(file *os.File, buf []byte, off int64) (n int, err error) {
	fd := int(file.Fd())
	for n < len(buf) {
		var m int
		m, err = unix.Pread(fd, buf[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

func Pwrite(file *os.File, buf []byte, off int64) (n int, err error) {
	fd := int(file.Fd())
	for n < len(buf) {
		var m int
		m, err = unix.Pwrite(fd, buf[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// Sync flushes file data to stable storage. Metadata is only flushed where
// the platform cannot separate the two.
func Sync(file *os.File) error {
	for {
		err := datasync(int(file.Fd()))
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func Truncate(file *os.File, size int64) error {
	return unix.Ftruncate(int(file.Fd()), size)
}

func GetSysPageSize() int {
	return unix.Getpagesize()
}
