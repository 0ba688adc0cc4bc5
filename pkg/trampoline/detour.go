package trampoline

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	nop         = 0x90
	maxInstLen  = 15
	jmpRelSize  = 5
	jmpAbsSize  = 14
	trampRegion = memory.PageSize
)

// Detour overwrites the start of a function with a jump to its substitute.
// The overwritten instructions are copied into an executable trampoline
// followed by a jump back into the original.
type Detour struct {
	mem   memory.Memory
	alloc memory.Allocator

	target     uint64
	substitute uint64
	stolen     []byte
	patch      []byte
	tramp      uint64
	enabled    bool
}

func NewDetour(mem memory.Memory, alloc memory.Allocator) *Detour {
	return &Detour{mem: mem, alloc: alloc}
}

// jump encodes a jump placed at from to to. rel32 is used when reachable,
// otherwise `jmp [rip+0]` followed by the absolute target.
func jump(ptrSize int, from, to uint64) []byte {
	if ptrSize == 4 {
		buf := []byte{0xe9, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[1:], uint32(to)-uint32(from+jmpRelSize))
		return buf
	}
	if rel := int64(to) - int64(from+jmpRelSize); rel >= math.MinInt32 && rel <= math.MaxInt32 {
		buf := []byte{0xe9, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[1:], uint32(int32(rel)))
		return buf
	}
	buf := make([]byte, jmpAbsSize)
	copy(buf, []byte{0xff, 0x25, 0, 0, 0, 0})
	binary.LittleEndian.PutUint64(buf[6:], to)
	return buf
}

func isRelative(inst x86asm.Inst) bool {
	if inst.PCRel != 0 {
		return true
	}
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if a.Base == x86asm.RIP || a.Base == x86asm.EIP {
				return true
			}
		}
	}
	return false
}

func endsFunction(op x86asm.Op) bool {
	switch op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

// steal returns the whole instructions at addr covering at least n bytes.
func (d *Detour) steal(addr uint64, n int) ([]byte, error) {
	mode := d.mem.PointerSize() * 8
	var stolen []byte
	for len(stolen) < n {
		pc := addr + uint64(len(stolen))
		code, err := readCode(d.mem, pc)
		if err != nil {
			return nil, err
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode instruction at %#x", pc)
		}
		if isRelative(inst) {
			return nil, errors.Wrapf(ErrRelocation, "%#x: %s", pc, x86asm.IntelSyntax(inst, pc, nil))
		}
		stolen = append(stolen, code[:inst.Len]...)
		if endsFunction(inst.Op) && len(stolen) < n {
			return nil, errors.Wrapf(ErrTooShort, "%#x ends after %d bytes", addr, len(stolen))
		}
	}
	return stolen, nil
}

func readCode(mem memory.Memory, addr uint64) ([]byte, error) {
	var err error
	for n := maxInstLen; n > 0; n-- {
		var code []byte
		if code, err = mem.Read(addr, n); err == nil {
			return code, nil
		}
	}
	return nil, err
}

func (d *Detour) Create(original, substitute uint64) error {
	if d.tramp != 0 {
		return errors.Errorf("detour of %#x already created", d.target)
	}
	if original == 0 || substitute == 0 {
		return errors.Errorf("cannot detour %#x to %#x", original, substitute)
	}
	ptrSize := d.mem.PointerSize()

	tramp, err := d.alloc.Alloc(trampRegion, memory.ProtRead|memory.ProtExec)
	if err != nil {
		return errors.Wrap(err, "failed to allocate trampoline")
	}
	patch := jump(ptrSize, original, substitute)
	stolen, err := d.steal(original, len(patch))
	if err != nil {
		d.alloc.Free(tramp)
		return err
	}
	code := append(bytes.Clone(stolen), jump(ptrSize, tramp+uint64(len(stolen)), original+uint64(len(stolen)))...)
	if err := memory.Patch(d.mem, tramp, code); err != nil {
		d.alloc.Free(tramp)
		return errors.Wrap(err, "failed to write trampoline")
	}
	for len(patch) < len(stolen) {
		patch = append(patch, nop)
	}

	d.target = original
	d.substitute = substitute
	d.stolen = stolen
	d.patch = patch
	d.tramp = tramp
	log.WithFields(log.Fields{
		"target":     original,
		"substitute": substitute,
		"trampoline": tramp,
		"stolen":     len(stolen),
	}).Debug("detour created")
	return nil
}

func (d *Detour) Enable() error {
	if d.tramp == 0 {
		return ErrNotCreated
	}
	if d.enabled {
		return nil
	}
	if err := memory.Patch(d.mem, d.target, d.patch); err != nil {
		return errors.Wrapf(err, "failed to patch %#x", d.target)
	}
	d.enabled = true
	return nil
}

func (d *Detour) Disable() error {
	if d.tramp == 0 {
		return ErrNotCreated
	}
	if !d.enabled {
		return nil
	}
	if err := memory.Patch(d.mem, d.target, d.stolen); err != nil {
		return errors.Wrapf(err, "failed to restore %#x", d.target)
	}
	d.enabled = false
	return nil
}

func (d *Detour) Trampoline() uint64 { return d.tramp }

// Target is the detoured function.
func (d *Detour) Target() uint64 { return d.target }

// Enabled reports whether the jump is currently written.
func (d *Detour) Enabled() bool { return d.enabled }

func (d *Detour) Close() error {
	if d.tramp == 0 {
		return nil
	}
	if err := d.Disable(); err != nil {
		return err
	}
	if err := d.alloc.Free(d.tramp); err != nil {
		return errors.Wrapf(err, "failed to free trampoline %#x", d.tramp)
	}
	d.tramp = 0
	return nil
}
