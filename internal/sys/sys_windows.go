//go:build windows

package sys

import (
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// SYSTEM_INFO defines the Windows SYSTEM_INFO structure.
type SYSTEM_INFO struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

var getSystemInfoProc = windows.NewLazySystemDLL("kernel32").NewProc("GetSystemInfo")

func GetSystemInfo() (si SYSTEM_INFO, err error) {
	r1, _, err := getSystemInfoProc.Call(uintptr(unsafe.Pointer(&si)))
	if r1 == 0 {
		return si, err
	}
	return si, nil
}

func GetSysPageSize() int {
	si, err := GetSystemInfo()
	if err != nil {
		return 4096
	}
	return int(si.PageSize)
}

// OpenFile opens path with write-through semantics so that Sync only has to
// flush the file buffers.
func OpenFile(path string) (file *os.File, err error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_WRITE_THROUGH,
		0,
	)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(handle), path), nil
}

func Pread(file *os.File, buf []byte, off int64) (n int, err error) {
	n, err = file.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return
}

func Pwrite(file *os.File, buf []byte, off int64) (int, error) {
	return file.WriteAt(buf, off)
}

func Sync(file *os.File) error {
	return windows.FlushFileBuffers(windows.Handle(file.Fd()))
}

func Truncate(file *os.File, size int64) error {
	return file.Truncate(size)
}
