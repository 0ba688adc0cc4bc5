package memory

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	imageAllocBase64 = 0x7f0000000000
	imageAllocBase32 = 0x70000000
	defaultMaxSteps  = 64
)

// Func is the Go implementation backing a function defined in an Image.
type Func func(this uint64, args ...uint64) uint64

type region struct {
	addr uint64
	data []byte
}

func (r *region) contains(addr uint64) bool {
	return r.addr <= addr && addr < r.addr+uint64(len(r.data))
}

func (r *region) overlaps(addr, size uint64) bool {
	return r.addr < addr+size && addr < r.addr+uint64(len(r.data))
}

type function struct {
	addr uint64
	code []byte
	fn   Func
}

// Stats counts the accesses made through the Memory interface.
type Stats struct {
	Reads        int
	Writes       int
	Protects     int
	WriteEnables int // Protect calls that granted write to a non-writable page
}

// Image is a simulated x86 address space.
//
// Code is modelled as byte sequences with a Go implementation attached
// (Define). Invoke walks the bytes at the call address: jumps (relative,
// absolute and through memory) are followed, other instructions are
// stepped over, and reaching the unmodified remainder of a defined
// function runs its implementation.
type Image struct {
	ptrSize  int
	regions  []*region
	prot     map[uint64]Prot
	funcs    []*function
	allocs   map[uint64]uint64
	next     uint64
	maxSteps int
	stats    Stats
}

// NewImage returns an empty address space with the given pointer size.
func NewImage(ptrSize int) *Image {
	if ptrSize != 4 {
		ptrSize = 8
	}
	img := &Image{
		ptrSize:  ptrSize,
		prot:     make(map[uint64]Prot),
		allocs:   make(map[uint64]uint64),
		maxSteps: defaultMaxSteps,
		next:     imageAllocBase64,
	}
	if ptrSize == 4 {
		img.next = imageAllocBase32
	}
	return img
}

func (i *Image) PointerSize() int { return i.ptrSize }

// SetMaxSteps bounds the number of instructions Invoke walks.
func (i *Image) SetMaxSteps(n int) { i.maxSteps = n }

// Stats returns the access counters.
func (i *Image) Stats() Stats { return i.stats }

// ResetStats zeroes the access counters.
func (i *Image) ResetStats() { i.stats = Stats{} }

// Map adds a zero-filled mapping.
func (i *Image) Map(addr, size uint64, prot Prot) error {
	addr, size = Align(addr, size)
	for _, r := range i.regions {
		if r.overlaps(addr, size) {
			return errors.Errorf("invalid range %#x-%#x: overlaps %#x-%#x", addr, addr+size, r.addr, r.addr+uint64(len(r.data)))
		}
	}
	i.regions = append(i.regions, &region{addr: addr, data: make([]byte, size)})
	sort.Slice(i.regions, func(a, b int) bool { return i.regions[a].addr < i.regions[b].addr })
	for page := addr; page < addr+size; page += PageSize {
		i.prot[page] = prot
	}
	return nil
}

// Unmap removes the mapping that starts at addr.
func (i *Image) Unmap(addr uint64) error {
	for idx, r := range i.regions {
		if r.addr == addr {
			for page := r.addr; page < r.addr+uint64(len(r.data)); page += PageSize {
				delete(i.prot, page)
			}
			i.regions = append(i.regions[:idx], i.regions[idx+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrUnmapped, "no mapping starts at %#x", addr)
}

func (i *Image) slice(addr uint64, size int) ([]byte, error) {
	for _, r := range i.regions {
		if r.contains(addr) {
			off := addr - r.addr
			if off+uint64(size) > uint64(len(r.data)) {
				return nil, errors.Wrapf(ErrUnmapped, "%#x+%#x crosses the end of its mapping", addr, size)
			}
			return r.data[off : off+uint64(size)], nil
		}
	}
	return nil, errors.Wrapf(ErrUnmapped, "%#x", addr)
}

// peek reads up to size bytes without touching the counters, stopping at the end of the mapping.
func (i *Image) peek(addr uint64, size int) ([]byte, error) {
	for _, r := range i.regions {
		if r.contains(addr) {
			off := addr - r.addr
			end := min(off+uint64(size), uint64(len(r.data)))
			return r.data[off:end], nil
		}
	}
	return nil, errors.Wrapf(ErrUnmapped, "%#x", addr)
}

func (i *Image) peekPointer(addr uint64) (uint64, error) {
	dat, err := i.slice(addr, i.ptrSize)
	if err != nil {
		return 0, err
	}
	var v uint64
	for n := len(dat) - 1; n >= 0; n-- {
		v = v<<8 | uint64(dat[n])
	}
	return v, nil
}

func (i *Image) Read(addr uint64, size int) ([]byte, error) {
	dat, err := i.slice(addr, size)
	if err != nil {
		return nil, err
	}
	i.stats.Reads++
	return bytes.Clone(dat), nil
}

func (i *Image) Write(addr uint64, data []byte) error {
	dst, err := i.slice(addr, len(data))
	if err != nil {
		return err
	}
	start, size := Align(addr, uint64(len(data)))
	for page := start; page < start+size; page += PageSize {
		if i.prot[page]&ProtWrite == 0 {
			return errors.Wrapf(ErrNotWritable, "%#x (%s)", page, i.prot[page])
		}
	}
	copy(dst, data)
	i.stats.Writes++
	return nil
}

// Poke writes data regardless of page protection, the way a loader populates a mapping.
func (i *Image) Poke(addr uint64, data []byte) error {
	dst, err := i.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// PokePointer writes a pointer regardless of page protection.
func (i *Image) PokePointer(addr, val uint64) error {
	return i.Poke(addr, PutPointer(i.ptrSize, val))
}

func (i *Image) Protection(addr uint64) (Prot, error) {
	prot, ok := i.prot[addr&^(PageSize-1)]
	if !ok {
		return ProtNone, errors.Wrapf(ErrUnmapped, "%#x", addr)
	}
	return prot, nil
}

func (i *Image) Protect(addr, size uint64, prot Prot) error {
	start, size := Align(addr, size)
	for page := start; page < start+size; page += PageSize {
		if _, ok := i.prot[page]; !ok {
			return errors.Wrapf(ErrUnmapped, "%#x", page)
		}
	}
	i.stats.Protects++
	for page := start; page < start+size; page += PageSize {
		if prot&ProtWrite != 0 && i.prot[page]&ProtWrite == 0 {
			i.stats.WriteEnables++
			break
		}
	}
	for page := start; page < start+size; page += PageSize {
		i.prot[page] = prot
	}
	return nil
}

// Define places code at addr and attaches fn as its implementation.
func (i *Image) Define(addr uint64, code []byte, fn Func) error {
	if len(code) == 0 {
		return errors.Errorf("function at %#x has no code", addr)
	}
	if err := i.Poke(addr, code); err != nil {
		return err
	}
	for idx, f := range i.funcs {
		if f.addr == addr {
			i.funcs = append(i.funcs[:idx], i.funcs[idx+1:]...)
			break
		}
	}
	i.funcs = append(i.funcs, &function{addr: addr, code: bytes.Clone(code), fn: fn})
	return nil
}

// body returns the defined function whose unmodified code runs from pc to its end.
func (i *Image) body(pc uint64) *function {
	for _, f := range i.funcs {
		if pc < f.addr || pc >= f.addr+uint64(len(f.code)) {
			continue
		}
		off := pc - f.addr
		cur, err := i.slice(pc, len(f.code)-int(off))
		if err == nil && bytes.Equal(cur, f.code[off:]) {
			return f
		}
	}
	return nil
}

func (i *Image) Alloc(size uint64, prot Prot) (uint64, error) {
	addr, size := Align(i.next, size)
	if err := i.Map(addr, size, prot); err != nil {
		return 0, err
	}
	i.allocs[addr] = size
	i.next = addr + size + PageSize
	return addr, nil
}

func (i *Image) Free(addr uint64) error {
	if _, ok := i.allocs[addr]; !ok {
		return errors.Wrapf(ErrUnmapped, "%#x was not allocated", addr)
	}
	delete(i.allocs, addr)
	return i.Unmap(addr)
}

func (i *Image) receivers() []x86asm.Reg {
	if i.ptrSize == 4 {
		return []x86asm.Reg{x86asm.ECX}
	}
	return []x86asm.Reg{x86asm.RCX, x86asm.RDI}
}

func (i *Image) effective(mem x86asm.Mem, next uint64, regs map[x86asm.Reg]uint64) (uint64, bool) {
	if mem.Index != 0 {
		return 0, false
	}
	var base uint64
	switch mem.Base {
	case 0:
	case x86asm.RIP, x86asm.EIP:
		base = next
	default:
		v, ok := regs[mem.Base]
		if !ok {
			return 0, false
		}
		base = v
	}
	return base + uint64(mem.Disp), true
}

func (i *Image) branchTarget(inst x86asm.Inst, next uint64, regs map[x86asm.Reg]uint64) (uint64, error) {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		return next + uint64(int64(arg)), nil
	case x86asm.Mem:
		addr, ok := i.effective(arg, next, regs)
		if !ok {
			return 0, errors.Wrapf(ErrNotCallable, "unknown operand in %s", inst)
		}
		return i.peekPointer(addr)
	case x86asm.Reg:
		if v, ok := regs[arg]; ok {
			return v, nil
		}
	}
	return 0, errors.Wrapf(ErrNotCallable, "unsupported branch %s", inst)
}

// Invoke runs the code at fn with this as the receiver.
func (i *Image) Invoke(fn, this uint64, args ...uint64) (uint64, error) {
	regs := make(map[x86asm.Reg]uint64)
	for _, r := range i.receivers() {
		regs[r] = this
	}
	pc := fn
	for step := 0; step < i.maxSteps; step++ {
		if f := i.body(pc); f != nil {
			return f.fn(this, args...), nil
		}
		code, err := i.peek(pc, 16)
		if err != nil {
			return 0, errors.Wrapf(ErrNotCallable, "%#x: %v", pc, err)
		}
		inst, err := x86asm.Decode(code, i.ptrSize*8)
		if err != nil {
			return 0, errors.Wrapf(ErrNotCallable, "failed to decode instruction at %#x: %v", pc, err)
		}
		next := pc + uint64(inst.Len)
		switch inst.Op {
		case x86asm.JMP:
			if pc, err = i.branchTarget(inst, next, regs); err != nil {
				return 0, errors.Wrapf(err, "at %#x", next-uint64(inst.Len))
			}
		case x86asm.MOV:
			dst, isReg := inst.Args[0].(x86asm.Reg)
			src, isMem := inst.Args[1].(x86asm.Mem)
			if isReg && isMem {
				if addr, ok := i.effective(src, next, regs); ok {
					if v, err := i.peekPointer(addr); err == nil {
						regs[dst] = v
					}
				}
			}
			pc = next
		case x86asm.RET, x86asm.INT, x86asm.UD2, x86asm.HLT:
			return 0, errors.Wrapf(ErrNotCallable, "reached %s at %#x invoking %#x", strings.ToLower(inst.Op.String()), pc, fn)
		default:
			pc = next
		}
	}
	return 0, errors.Wrapf(ErrNotCallable, "step limit reached invoking %#x", fn)
}

func (i *Image) String() string {
	var sb strings.Builder
	for _, r := range i.regions {
		prot, _ := i.Protection(r.addr)
		fmt.Fprintf(&sb, "%#x-%#x %s\n", r.addr, r.addr+uint64(len(r.data)), prot)
	}
	return sb.String()
}
