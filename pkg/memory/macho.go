package memory

import (
	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

func machoPointerSize(cpu types.CPU) int {
	switch cpu {
	case types.CPUI386, types.CPUArm:
		return 4
	}
	return 8
}

// LoadMachO maps every segment of m into a new Image with its initial protection.
func LoadMachO(m *macho.File) (*Image, error) {
	img := NewImage(machoPointerSize(m.CPU))
	for _, seg := range m.Segments() {
		if seg.Memsz == 0 || seg.Name == "__PAGEZERO" {
			continue
		}
		prot := Prot(seg.Prot & 0x7)
		if err := img.Map(seg.Addr, seg.Memsz, prot); err != nil {
			return nil, errors.Wrapf(err, "failed to map segment %s", seg.Name)
		}
		log.Debugf("mapped %-16s %#x-%#x %s", seg.Name, seg.Addr, seg.Addr+seg.Memsz, prot)
		if seg.Filesz == 0 {
			continue
		}
		dat, err := seg.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read segment %s data", seg.Name)
		}
		if uint64(len(dat)) > seg.Memsz {
			dat = dat[:seg.Memsz]
		}
		if err := img.Poke(seg.Addr, dat); err != nil {
			return nil, errors.Wrapf(err, "failed to load segment %s", seg.Name)
		}
	}
	return img, nil
}

// MaterializePointers replaces up to max raw (possibly chained-fixup encoded)
// pointers starting at addr with their slid values, stopping at the first
// null pointer. It returns the number of pointers written.
func MaterializePointers(img *Image, m *macho.File, addr uint64, max int) (int, error) {
	ptrSize := uint64(img.PointerSize())
	for idx := 0; idx < max; idx++ {
		slot := addr + uint64(idx)*ptrSize
		ptr, err := m.GetPointerAtAddress(slot)
		if err != nil {
			return idx, errors.Wrapf(err, "failed to read pointer at %#x", slot)
		}
		// go-macho always reads a 64-bit word
		if ptrSize == 4 {
			ptr &= 0xffffffff
		}
		if ptr == 0 {
			return idx, nil
		}
		if err := img.PokePointer(slot, m.SlidePointer(ptr)); err != nil {
			return idx, err
		}
	}
	return max, nil
}
