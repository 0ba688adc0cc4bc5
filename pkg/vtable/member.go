package vtable

import "fmt"

// RefKind tags the representation held by a Ref.
type RefKind uint8

const (
	// RawAddress refs hold a code address (a function or a vcall thunk).
	RawAddress RefKind = iota + 1
	// EncodedSlotOffset refs hold either 1 + a table byte offset or a
	// function address.
	EncodedSlotOffset
)

func (k RefKind) String() string {
	switch k {
	case RawAddress:
		return "raw"
	case EncodedSlotOffset:
		return "encoded"
	default:
		return "invalid"
	}
}

// Ref is an opaque bound-method reference.
type Ref struct {
	Kind  RefKind
	Value uint64
}

// NewRef wraps a method-reference value the way NativeABI encodes it.
func NewRef(v uint64) Ref {
	if NativeABI == Microsoft {
		return AddressRef(v)
	}
	return EncodedRef(v)
}

// AddressRef is a Microsoft-style reference to code at addr.
func AddressRef(addr uint64) Ref { return Ref{Kind: RawAddress, Value: addr} }

// EncodedRef is an Itanium-style reference value.
func EncodedRef(v uint64) Ref { return Ref{Kind: EncodedSlotOffset, Value: v} }

// VirtualRef is the Itanium reference to table slot index.
func VirtualRef(index, ptrSize int) Ref {
	return EncodedRef(1 + uint64(index)*uint64(ptrSize))
}

// IsNil reports whether the reference designates nothing.
func (r Ref) IsNil() bool { return r.Value == 0 }

func (r Ref) String() string {
	return fmt.Sprintf("%s:%#x", r.Kind, r.Value)
}

// Member is a resolved method reference. Index equals the table size when
// the reference is not in the table.
type Member struct {
	Address uint64
	Index   int
}

// NotFound is the sentinel Member for a table of size entries.
func NotFound(size int) Member {
	return Member{Index: size}
}

// Found reports whether m designates a slot of a table of size entries.
func (m Member) Found(size int) bool {
	return m.Index >= 0 && m.Index < size
}

func (m Member) String() string {
	return fmt.Sprintf("slot %d @ %#x", m.Index, m.Address)
}
