package memory

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
)

type protRun struct {
	addr, size uint64
	prot       Prot
}

// protections splits the pages covering [addr, addr+size) into runs of equal
// protection.
func protections(m Memory, addr, size uint64) ([]protRun, error) {
	start, size := Align(addr, size)
	var runs []protRun
	for page := start; page < start+size; page += PageSize {
		prot, err := m.Protection(page)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query protection of %#x", page)
		}
		if n := len(runs); n > 0 && runs[n-1].prot == prot {
			runs[n-1].size += PageSize
			continue
		}
		runs = append(runs, protRun{addr: page, size: PageSize, prot: prot})
	}
	return runs, nil
}

func restore(m Memory, runs []protRun) error {
	var first error
	for _, r := range runs {
		if err := m.Protect(r.addr, r.size, r.prot); err != nil {
			log.Errorf("failed to restore %s protection on %#x-%#x: %v", r.prot, r.addr, r.addr+r.size, err)
			if first == nil {
				first = errors.Wrapf(err, "failed to restore protection of %#x", r.addr)
			}
		}
	}
	return first
}

// WithWritable makes [addr, addr+size) writable, runs fn and puts the
// original protection of every page back. The restore runs on every exit
// path of fn, including a panic.
func WithWritable(m Memory, addr, size uint64, fn func() error) (err error) {
	runs, err := protections(m, addr, size)
	if err != nil {
		return err
	}
	for idx, r := range runs {
		if perr := m.Protect(r.addr, r.size, r.prot|ProtWrite); perr != nil {
			restore(m, runs[:idx])
			return errors.Wrapf(perr, "failed to make %#x-%#x writable", r.addr, r.addr+r.size)
		}
	}
	defer func() {
		if rerr := restore(m, runs); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// PatchPointer overwrites one pointer-sized word inside a write bracket.
func PatchPointer(m Memory, addr, val uint64) error {
	return WithWritable(m, addr, uint64(m.PointerSize()), func() error {
		return WritePointer(m, addr, val)
	})
}

// Patch overwrites len(data) bytes inside a write bracket.
func Patch(m Memory, addr uint64, data []byte) error {
	return WithWritable(m, addr, uint64(len(data)), func() error {
		return m.Write(addr, data)
	})
}
