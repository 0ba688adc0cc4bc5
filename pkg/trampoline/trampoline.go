// Package trampoline installs inline detours on x86 and x86-64 code.
package trampoline

import (
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/pkg/errors"
)

var (
	// ErrTooShort is returned when the function ends before the patch fits.
	ErrTooShort = errors.New("trampoline: function too short to patch")
	// ErrRelocation is returned when the overwritten prologue holds
	// position-dependent instructions.
	ErrRelocation = errors.New("trampoline: prologue needs relocation")
	// ErrNotCreated is returned by Enable and Disable before Create.
	ErrNotCreated = errors.New("trampoline: hook not created")
)

// Hook redirects calls of one function to another while keeping the
// original callable through a trampoline.
type Hook interface {
	// Create prepares the detour of original to substitute without
	// touching original.
	Create(original, substitute uint64) error
	Enable() error
	Disable() error
	// Trampoline is the address that runs the original behavior while the
	// detour is enabled.
	Trampoline() uint64
	// Close disables the detour and releases the trampoline.
	Close() error
}

// Factory produces an unused Hook.
type Factory func() Hook

// NewFactory returns a Factory producing Detours over mem.
func NewFactory(mem memory.Memory, alloc memory.Allocator) Factory {
	return func() Hook {
		return NewDetour(mem, alloc)
	}
}
