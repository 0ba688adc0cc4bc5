//go:build !windows

package vtable

// NativeABI is the method-reference encoding of the toolchain this binary targets.
const NativeABI = Itanium
