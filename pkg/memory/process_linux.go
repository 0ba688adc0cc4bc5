//go:build linux

package memory

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process is the address space of the running process.
type Process struct {
	maps   string
	allocs map[uint64][]byte
}

// Self returns the address space of the current process.
func Self() *Process {
	return &Process{
		maps:   "/proc/self/maps",
		allocs: make(map[uint64][]byte),
	}
}

func (p *Process) PointerSize() int { return int(unsafe.Sizeof(uintptr(0))) }

func bytesAt(addr uint64, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

type mapping struct {
	start, end uint64
	prot       Prot
}

// mapping finds the /proc/self/maps entry containing addr.
func (p *Process) mapping(addr uint64) (*mapping, error) {
	f, err := os.Open(p.maps)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open process maps")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// 7f6c1c000000-7f6c1c021000 rw-p 00000000 00:00 0
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		if addr < start || addr >= end {
			continue
		}
		m := &mapping{start: start, end: end}
		perms := fields[1]
		if strings.HasPrefix(perms, "r") {
			m.prot |= ProtRead
		}
		if len(perms) > 1 && perms[1] == 'w' {
			m.prot |= ProtWrite
		}
		if len(perms) > 2 && perms[2] == 'x' {
			m.prot |= ProtExec
		}
		return m, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read process maps")
	}
	return nil, errors.Wrapf(ErrUnmapped, "%#x", addr)
}

// check verifies that every page of [addr, addr+size) is mapped with want.
func (p *Process) check(addr uint64, size int, want Prot) error {
	for cur := addr; cur < addr+uint64(size); {
		m, err := p.mapping(cur)
		if err != nil {
			return err
		}
		if m.prot&want != want {
			if want&ProtWrite != 0 {
				return errors.Wrapf(ErrNotWritable, "%#x (%s)", cur, m.prot)
			}
			return errors.Wrapf(ErrUnmapped, "%#x is %s", cur, m.prot)
		}
		cur = m.end
	}
	return nil
}

func (p *Process) Read(addr uint64, size int) ([]byte, error) {
	if err := p.check(addr, size, ProtRead); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, bytesAt(addr, size))
	return out, nil
}

func (p *Process) Write(addr uint64, data []byte) error {
	if err := p.check(addr, len(data), ProtWrite); err != nil {
		return err
	}
	copy(bytesAt(addr, len(data)), data)
	return nil
}

func (p *Process) Protection(addr uint64) (Prot, error) {
	m, err := p.mapping(addr)
	if err != nil {
		return ProtNone, err
	}
	return m.prot, nil
}

func unixProt(prot Prot) int {
	var out int
	if prot&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

func (p *Process) Protect(addr, size uint64, prot Prot) error {
	start, size := Align(addr, size)
	if err := unix.Mprotect(bytesAt(start, int(size)), unixProt(prot)); err != nil {
		return errors.Wrapf(err, "mprotect %#x-%#x %s", start, start+size, prot)
	}
	return nil
}

func (p *Process) Alloc(size uint64, prot Prot) (uint64, error) {
	_, size = Align(0, size)
	mem, err := unix.Mmap(-1, 0, int(size), unixProt(prot), unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrap(err, "mmap failed")
	}
	addr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
	p.allocs[addr] = mem
	return addr, nil
}

func (p *Process) Free(addr uint64) error {
	mem, ok := p.allocs[addr]
	if !ok {
		return errors.Wrapf(ErrUnmapped, "%#x was not allocated", addr)
	}
	delete(p.allocs, addr)
	return unix.Munmap(mem)
}
