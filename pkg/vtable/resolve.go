package vtable

import (
	"encoding/binary"

	"github.com/blacktop/vproxy/pkg/memory"
	"golang.org/x/arch/x86/x86asm"
)

const (
	jmpRel32     = 0xe9
	jmpRel32Size = 5
)

// ExtractAddress returns the code address ref designates, or 0 when it has
// none (nil refs and Itanium virtual refs). A leading `jmp rel32`, as
// emitted for incremental linking in debug builds, is followed once.
func ExtractAddress(mem memory.Memory, ref Ref) uint64 {
	if ref.IsNil() {
		return 0
	}
	addr := ref.Value
	if ref.Kind == EncodedSlotOffset && addr%uint64(mem.PointerSize()) == 1 {
		return 0
	}
	code, err := mem.Read(addr, jmpRel32Size)
	if err != nil || code[0] != jmpRel32 {
		return addr
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	return addr + jmpRel32Size + uint64(int64(rel))
}

// Resolve finds the slot of table (size entries) that ref designates. The
// strategy follows the kind of ref; when it yields nothing, the table is
// scanned for the extracted address.
func Resolve(mem memory.Memory, table uint64, size int, ref Ref) Member {
	if table == 0 || size <= 0 || ref.IsNil() {
		return NotFound(size)
	}
	switch ref.Kind {
	case RawAddress:
		return resolveThunk(mem, table, size, ref)
	case EncodedSlotOffset:
		return resolveBiased(mem, table, size, ref)
	}
	return NotFound(size)
}

func resolveThunk(mem memory.Memory, table uint64, size int, ref Ref) Member {
	addr := ExtractAddress(mem, ref)
	if offset, ok := decodeVcallThunk(mem, addr); ok {
		index := offset / uint64(mem.PointerSize())
		if index >= uint64(size) {
			return NotFound(size)
		}
		return slotMember(mem, table, size, int(index))
	}
	return scan(mem, table, size, addr)
}

func resolveBiased(mem memory.Memory, table uint64, size int, ref Ref) Member {
	if index := (ref.Value - 1) / uint64(mem.PointerSize()); index < uint64(size) {
		return slotMember(mem, table, size, int(index))
	}
	return scan(mem, table, size, ExtractAddress(mem, ref))
}

func slotMember(mem memory.Memory, table uint64, size, index int) Member {
	addr, err := Slot(mem, table, index)
	if err != nil {
		return NotFound(size)
	}
	return Member{Address: addr, Index: index}
}

func scan(mem memory.Memory, table uint64, size int, addr uint64) Member {
	if addr == 0 {
		return NotFound(size)
	}
	for idx := 0; idx < size; idx++ {
		slot, err := Slot(mem, table, idx)
		if err != nil {
			break
		}
		if slot == addr {
			return Member{Address: addr, Index: idx}
		}
	}
	return NotFound(size)
}

func readCode(mem memory.Memory, addr uint64) []byte {
	for n := 32; n >= 4; n /= 2 {
		if code, err := mem.Read(addr, n); err == nil {
			return code
		}
	}
	return nil
}

// isTableLoad matches `mov reg, [reg]`, loading the table from the receiver.
func isTableLoad(inst x86asm.Inst) bool {
	if inst.Op != x86asm.MOV {
		return false
	}
	if _, ok := inst.Args[0].(x86asm.Reg); !ok {
		return false
	}
	src, ok := inst.Args[1].(x86asm.Mem)
	return ok && src.Index == 0 && src.Disp == 0 && src.Base != 0 && src.Base != x86asm.RIP
}

// decodeVcallThunk returns the table byte offset a vcall thunk at addr
// jumps through: an optional table load followed by `jmp [reg+disp]`.
func decodeVcallThunk(mem memory.Memory, addr uint64) (uint64, bool) {
	if addr == 0 {
		return 0, false
	}
	code := readCode(mem, addr)
	mode := mem.PointerSize() * 8
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0, false
	}
	if isTableLoad(inst) {
		if inst, err = x86asm.Decode(code[inst.Len:], mode); err != nil {
			return 0, false
		}
	}
	if inst.Op != x86asm.JMP {
		return 0, false
	}
	target, ok := inst.Args[0].(x86asm.Mem)
	if !ok || target.Index != 0 || target.Base == 0 || target.Base == x86asm.RIP || target.Base == x86asm.EIP {
		return 0, false
	}
	disp := target.Disp
	if disp < 0 {
		// offsets are unsigned; disp8 is zero-extended, disp32 reinterpreted
		if disp >= -128 {
			disp = int64(uint8(disp))
		} else {
			disp = int64(uint32(disp))
		}
	}
	return uint64(disp), true
}
