// Package memory abstracts the address space that dispatch tables and code live in.
//
// A Memory may be the live process (Process), a simulated address space
// (Image) or an emulator (Emulator, built with the unicorn tag). Everything
// above this package only ever touches memory through these interfaces.
package memory

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// PageSize is the protection granularity used by every backend.
const PageSize = 0x1000

var (
	// ErrUnmapped is returned for accesses outside of any mapping.
	ErrUnmapped = errors.New("memory: address not mapped")
	// ErrNotWritable is returned for writes to pages without write permission.
	ErrNotWritable = errors.New("memory: page not writable")
	// ErrNotCallable is returned when an address cannot be invoked.
	ErrNotCallable = errors.New("memory: address not callable")
)

// Prot is a page protection mask.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			sb.WriteByte(f.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// Memory is a readable, writable and protectable address space.
type Memory interface {
	// PointerSize is the machine word size in bytes (4 or 8).
	PointerSize() int
	Read(addr uint64, size int) ([]byte, error)
	// Write fails with ErrNotWritable unless every touched page is writable.
	Write(addr uint64, data []byte) error
	Protection(addr uint64) (Prot, error)
	Protect(addr, size uint64, prot Prot) error
}

// Invoker calls native code with a receiver and integer arguments.
type Invoker interface {
	Invoke(fn, this uint64, args ...uint64) (uint64, error)
}

// Allocator hands out fresh pages, used for trampolines.
type Allocator interface {
	Alloc(size uint64, prot Prot) (uint64, error)
	Free(addr uint64) error
}

// ReadPointer reads a pointer-sized little-endian word.
func ReadPointer(m Memory, addr uint64) (uint64, error) {
	dat, err := m.Read(addr, m.PointerSize())
	if err != nil {
		return 0, err
	}
	if len(dat) == 4 {
		return uint64(binary.LittleEndian.Uint32(dat)), nil
	}
	return binary.LittleEndian.Uint64(dat), nil
}

// WritePointer writes a pointer-sized little-endian word.
func WritePointer(m Memory, addr, val uint64) error {
	return m.Write(addr, PutPointer(m.PointerSize(), val))
}

// PutPointer encodes val as a little-endian word of ptrSize bytes.
func PutPointer(ptrSize int, val uint64) []byte {
	buf := make([]byte, ptrSize)
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
	} else {
		binary.LittleEndian.PutUint64(buf, val)
	}
	return buf
}

// IsExecutable reports whether addr lies in an executable mapping.
func IsExecutable(m Memory, addr uint64) bool {
	if addr == 0 {
		return false
	}
	prot, err := m.Protection(addr)
	if err != nil {
		return false
	}
	return prot&ProtExec != 0
}

// Align rounds addr down and size up to page boundaries.
func Align(addr, size uint64) (uint64, uint64) {
	start := addr &^ (PageSize - 1)
	end := (addr + size + PageSize - 1) &^ (PageSize - 1)
	if end == start {
		end += PageSize
	}
	return start, end - start
}
