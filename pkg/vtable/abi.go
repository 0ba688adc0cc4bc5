package vtable

// ABI selects how bound-method references are encoded.
type ABI uint8

const (
	// Itanium encodes virtual members as a biased table offset and
	// non-virtual members as the function address (gcc, clang).
	Itanium ABI = iota + 1
	// Microsoft encodes every member as a code address; virtual members
	// point at a vcall thunk that jumps through the table (msvc).
	Microsoft
)

func (a ABI) String() string {
	switch a {
	case Itanium:
		return "itanium"
	case Microsoft:
		return "microsoft"
	default:
		return "unknown"
	}
}
