//go:build unicorn

package memory

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const (
	emuStackBase  = 0x60000000
	emuStackSize  = 0x100000
	emuReturnAddr = 0x5ffff000
)

// Emulator is an x86 address space backed by unicorn. Unlike Image it
// really executes the code it invokes.
type Emulator struct {
	mu      uc.Unicorn
	ptrSize int
	next    uint64
	allocs  map[uint64]uint64
}

// NewEmulator creates an x86 (ptrSize 4) or x86-64 (ptrSize 8) emulator.
func NewEmulator(ptrSize int) (*Emulator, error) {
	mode := uc.MODE_64
	next := uint64(imageAllocBase64)
	if ptrSize == 4 {
		mode = uc.MODE_32
		next = imageAllocBase32
	} else {
		ptrSize = 8
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create new unicorn instance")
	}
	e := &Emulator{mu: mu, ptrSize: ptrSize, next: next, allocs: make(map[uint64]uint64)}
	if err := e.mu.MemMapProt(emuStackBase, emuStackSize, uc.PROT_READ|uc.PROT_WRITE); err != nil {
		return nil, errors.Wrap(err, "failed to map stack")
	}
	// return landing pad; emulation stops before fetching from it
	if err := e.mu.MemMapProt(emuReturnAddr, PageSize, uc.PROT_READ|uc.PROT_EXEC); err != nil {
		return nil, errors.Wrap(err, "failed to map return page")
	}
	return e, nil
}

// Close releases the unicorn instance.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

func (e *Emulator) PointerSize() int { return e.ptrSize }

// Map adds a zero-filled mapping.
func (e *Emulator) Map(addr, size uint64, prot Prot) error {
	addr, size = Align(addr, size)
	if err := e.mu.MemMapProt(addr, size, int(prot)); err != nil {
		return errors.Wrapf(err, "failed to map %#x-%#x", addr, addr+size)
	}
	return nil
}

// Poke writes data regardless of page protection.
func (e *Emulator) Poke(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

func (e *Emulator) Read(addr uint64, size int) ([]byte, error) {
	dat, err := e.mu.MemRead(addr, uint64(size))
	if err != nil {
		return nil, errors.Wrapf(ErrUnmapped, "%#x: %v", addr, err)
	}
	return dat, nil
}

func (e *Emulator) Write(addr uint64, data []byte) error {
	start, size := Align(addr, uint64(len(data)))
	for page := start; page < start+size; page += PageSize {
		prot, err := e.Protection(page)
		if err != nil {
			return err
		}
		if prot&ProtWrite == 0 {
			return errors.Wrapf(ErrNotWritable, "%#x (%s)", page, prot)
		}
	}
	return e.mu.MemWrite(addr, data)
}

func (e *Emulator) Protection(addr uint64) (Prot, error) {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return ProtNone, err
	}
	for _, r := range regions {
		if r.Begin <= addr && addr <= r.End {
			return Prot(r.Prot & 7), nil
		}
	}
	return ProtNone, errors.Wrapf(ErrUnmapped, "%#x", addr)
}

func (e *Emulator) Protect(addr, size uint64, prot Prot) error {
	addr, size = Align(addr, size)
	if err := e.mu.MemProtect(addr, size, int(prot)); err != nil {
		return errors.Wrapf(err, "failed to protect %#x-%#x %s", addr, addr+size, prot)
	}
	return nil
}

func (e *Emulator) Alloc(size uint64, prot Prot) (uint64, error) {
	addr, size := Align(e.next, size)
	if err := e.Map(addr, size, prot); err != nil {
		return 0, err
	}
	e.allocs[addr] = size
	e.next = addr + size + PageSize
	return addr, nil
}

func (e *Emulator) Free(addr uint64) error {
	size, ok := e.allocs[addr]
	if !ok {
		return errors.Wrapf(ErrUnmapped, "%#x was not allocated", addr)
	}
	delete(e.allocs, addr)
	return e.mu.MemUnmap(addr, size)
}

func (e *Emulator) push(sp, val uint64) (uint64, error) {
	sp -= uint64(e.ptrSize)
	return sp, e.mu.MemWrite(sp, PutPointer(e.ptrSize, val))
}

// Invoke runs fn until it returns. x86-64 uses the System V convention
// (receiver in rdi); x86 uses thiscall (receiver in ecx, arguments on the stack).
func (e *Emulator) Invoke(fn, this uint64, args ...uint64) (uint64, error) {
	sp := uint64(emuStackBase + emuStackSize - 0x100)
	var err error
	if e.ptrSize == 8 {
		if len(args) > 5 {
			return 0, errors.Errorf("too many arguments: %d (max 5)", len(args))
		}
		regs := []int{uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_RCX, uc.X86_REG_R8, uc.X86_REG_R9}
		for idx, val := range append([]uint64{this}, args...) {
			if err := e.mu.RegWrite(regs[idx], val); err != nil {
				return 0, errors.Wrapf(err, "failed to set arg%d", idx)
			}
		}
		if sp, err = e.push(sp, emuReturnAddr); err != nil {
			return 0, err
		}
		if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
			return 0, err
		}
	} else {
		for idx := len(args) - 1; idx >= 0; idx-- {
			if sp, err = e.push(sp, args[idx]); err != nil {
				return 0, err
			}
		}
		if sp, err = e.push(sp, emuReturnAddr); err != nil {
			return 0, err
		}
		if err := e.mu.RegWrite(uc.X86_REG_ECX, this); err != nil {
			return 0, err
		}
		if err := e.mu.RegWrite(uc.X86_REG_ESP, sp); err != nil {
			return 0, err
		}
	}
	log.Debugf("emulating %#x (this=%#x)", fn, this)
	if err := e.mu.Start(fn, emuReturnAddr); err != nil {
		return 0, errors.Wrapf(ErrNotCallable, "emulation of %#x failed: %v", fn, err)
	}
	if e.ptrSize == 8 {
		return e.mu.RegRead(uc.X86_REG_RAX)
	}
	return e.mu.RegRead(uc.X86_REG_EAX)
}
