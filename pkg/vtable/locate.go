package vtable

import (
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/pkg/errors"
)

// ErrNullInstance is returned when locating the table of a nil instance.
var ErrNullInstance = errors.New("vtable: nil instance")

// Locate returns the dispatch table pointer stored in the first word of instance.
func Locate(mem memory.Memory, instance uint64) (uint64, error) {
	if instance == 0 {
		return 0, ErrNullInstance
	}
	table, err := memory.ReadPointer(mem, instance)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read table pointer of %#x", instance)
	}
	return table, nil
}

// Walk returns the slots of table up to the first null slot, an unreadable
// slot or max entries.
func Walk(mem memory.Memory, table uint64, max int) []uint64 {
	var slots []uint64
	if table == 0 {
		return slots
	}
	ptrSize := uint64(mem.PointerSize())
	for idx := 0; idx < max; idx++ {
		slot, err := memory.ReadPointer(mem, table+uint64(idx)*ptrSize)
		if err != nil || slot == 0 {
			break
		}
		slots = append(slots, slot)
	}
	return slots
}

// SlotAddress is the address of entry index of table.
func SlotAddress(mem memory.Memory, table uint64, index int) uint64 {
	return table + uint64(index)*uint64(mem.PointerSize())
}

// Slot reads entry index of table.
func Slot(mem memory.Memory, table uint64, index int) (uint64, error) {
	return memory.ReadPointer(mem, SlotAddress(mem, table, index))
}

// Dispatch performs a virtual call of slot index on instance through its
// current table.
func Dispatch(mem memory.Memory, inv memory.Invoker, instance uint64, index int, args ...uint64) (uint64, error) {
	table, err := Locate(mem, instance)
	if err != nil {
		return 0, err
	}
	fn, err := Slot(mem, table, index)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read slot %d of %#x", index, table)
	}
	return inv.Invoke(fn, instance, args...)
}
