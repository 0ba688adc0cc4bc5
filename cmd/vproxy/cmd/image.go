/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/blacktop/vproxy/pkg/vtable"
)

// mangleClass returns the Itanium encoding of a (possibly nested) class name.
func mangleClass(name string) string {
	parts := strings.Split(name, "::")
	var sb strings.Builder
	if len(parts) > 1 {
		sb.WriteByte('N')
	}
	for _, part := range parts {
		fmt.Fprintf(&sb, "%d%s", len(part), part)
	}
	if len(parts) > 1 {
		sb.WriteByte('E')
	}
	return sb.String()
}

func isX86(m *macho.File) bool {
	return m.CPU == types.CPUAmd64 || m.CPU == types.CPUI386
}

func openImage(path string) (*macho.File, *memory.Image, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	img, err := memory.LoadMachO(m)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return m, img, nil
}

// loadVtable finds the address point of the vtable of class and resolves its
// slots in img. It returns the table address and its slot count.
func loadVtable(m *macho.File, img *memory.Image, class string, max int) (uint64, int, error) {
	sym := "__ZTV" + mangleClass(class)
	addr, err := m.FindSymbolAddress(sym)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to find vtable symbol %s: %v", sym, err)
	}
	// skip offset-to-top and the type info pointer
	table := addr + 2*uint64(img.PointerSize())
	n, err := memory.MaterializePointers(img, m, table, max)
	if err != nil {
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("vtable of %s at %#x is empty", class, table)
	}
	log.WithFields(log.Fields{
		"class": class,
		"table": fmt.Sprintf("%#x", table),
		"slots": n,
	}).Debug("Loaded vtable")
	return table, n, nil
}

func newRef(abi string, v uint64) (vtable.Ref, error) {
	switch strings.ToLower(abi) {
	case "":
		return vtable.NewRef(v), nil
	case "itanium":
		return vtable.EncodedRef(v), nil
	case "microsoft", "msvc":
		return vtable.AddressRef(v), nil
	}
	return vtable.Ref{}, fmt.Errorf("unknown ABI %q (expected itanium or microsoft)", abi)
}

// parseMethod turns a CLI method argument into a Ref:
//
//	#N        virtual slot N
//	0x...     code address
//	symbol    address of symbol in m
func parseMethod(m *macho.File, ptrSize int, abi, arg string) (vtable.Ref, error) {
	switch {
	case strings.HasPrefix(arg, "#"):
		idx, err := strconv.Atoi(arg[1:])
		if err != nil || idx < 0 {
			return vtable.Ref{}, fmt.Errorf("invalid slot %q", arg)
		}
		return vtable.VirtualRef(idx, ptrSize), nil
	case strings.HasPrefix(arg, "0x"):
		addr, err := strconv.ParseUint(arg[2:], 16, 64)
		if err != nil {
			return vtable.Ref{}, fmt.Errorf("invalid address %q: %v", arg, err)
		}
		return newRef(abi, addr)
	}
	if m == nil {
		return vtable.Ref{}, fmt.Errorf("cannot look up symbol %q without an image", arg)
	}
	addr, err := m.FindSymbolAddress(arg)
	if err != nil {
		if addr, err = m.FindSymbolAddress("_" + arg); err != nil {
			return vtable.Ref{}, fmt.Errorf("failed to find symbol %s: %v", arg, err)
		}
	}
	return newRef(abi, addr)
}

func symbolize(m *macho.File, addr uint64) string {
	syms, err := m.FindAddressSymbols(addr)
	if err != nil || len(syms) == 0 {
		return ""
	}
	return syms[0].Name
}
