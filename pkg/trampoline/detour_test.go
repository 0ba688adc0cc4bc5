package trampoline

import (
	"bytes"
	"testing"

	"github.com/blacktop/vproxy/pkg/memory"
	"github.com/pkg/errors"
)

const (
	origAddr  = 0x401000
	substAddr = 0x401100
	shortAddr = 0x401200
	relAddr   = 0x401300
)

var prologue = []byte{
	0x55,                   // push rbp
	0x48, 0x89, 0xe5, //       mov  rbp, rsp
	0x48, 0x83, 0xec, 0x10, // sub  rsp, 0x10
	0x31, 0xc0, //             xor  eax, eax
	0xc9, //                   leave
	0xc3, //                   ret
}

func newTestImage(t *testing.T, ptrSize int) *memory.Image {
	t.Helper()
	img := memory.NewImage(ptrSize)
	if err := img.Map(0x401000, 0x1000, memory.ProtRead|memory.ProtExec); err != nil {
		t.Fatalf("failed to map text: %v", err)
	}
	if err := img.Define(origAddr, prologue, func(this uint64, args ...uint64) uint64 { return 1 }); err != nil {
		t.Fatal(err)
	}
	if err := img.Define(shortAddr, []byte{0x31, 0xc0, 0xc3}, func(uint64, ...uint64) uint64 { return 3 }); err != nil {
		t.Fatal(err)
	}
	// call rel32 in the first five bytes
	if err := img.Define(relAddr, append([]byte{0xe8, 0, 0, 0, 0}, prologue...), func(uint64, ...uint64) uint64 { return 4 }); err != nil {
		t.Fatal(err)
	}
	return img
}

func TestDetour(t *testing.T) {
	for _, ptrSize := range []int{4, 8} {
		img := newTestImage(t, ptrSize)
		d := NewDetour(img, img)
		if err := img.Define(substAddr, prologue, func(this uint64, args ...uint64) uint64 {
			orig, err := img.Invoke(d.Trampoline(), this, args...)
			if err != nil {
				t.Errorf("trampoline invoke failed: %v", err)
			}
			return orig + 100
		}); err != nil {
			t.Fatal(err)
		}
		before, _ := img.Read(origAddr, len(prologue))

		if err := d.Create(origAddr, substAddr); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if got, _ := img.Read(origAddr, len(prologue)); !bytes.Equal(got, before) {
			t.Fatal("Create must not modify the target")
		}
		if got, err := img.Invoke(d.Trampoline(), 0); err != nil || got != 1 {
			t.Fatalf("trampoline returned %d, %v; want 1", got, err)
		}

		if err := d.Enable(); err != nil {
			t.Fatalf("Enable failed: %v", err)
		}
		if !d.Enabled() || d.Target() != origAddr {
			t.Fatalf("detour of %#x not enabled", d.Target())
		}
		if got, err := img.Invoke(origAddr, 0); err != nil || got != 101 {
			t.Fatalf("detoured call returned %d, %v; want 101", got, err)
		}
		if prot, _ := img.Protection(origAddr); prot != memory.ProtRead|memory.ProtExec {
			t.Fatalf("text protection = %s, want r-x", prot)
		}

		if err := d.Disable(); err != nil {
			t.Fatalf("Disable failed: %v", err)
		}
		if got, _ := img.Read(origAddr, len(prologue)); !bytes.Equal(got, before) {
			t.Fatalf("Disable left % x, want % x", got, before)
		}
		if got, err := img.Invoke(origAddr, 0); err != nil || got != 1 {
			t.Fatalf("restored call returned %d, %v; want 1", got, err)
		}

		tramp := d.Trampoline()
		if err := d.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := img.Protection(tramp); !errors.Is(err, memory.ErrUnmapped) {
			t.Fatalf("trampoline still mapped after Close: %v", err)
		}
	}
}

func TestDetourCloseRestores(t *testing.T) {
	img := newTestImage(t, 8)
	d := NewDetour(img, img)
	if err := img.Define(substAddr, prologue, func(uint64, ...uint64) uint64 { return 2 }); err != nil {
		t.Fatal(err)
	}
	if err := d.Create(origAddr, substAddr); err != nil {
		t.Fatal(err)
	}
	if err := d.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got, _ := img.Invoke(origAddr, 0); got != 1 {
		t.Fatalf("call after Close returned %d, want 1", got)
	}
}

func TestDetourCreateErrors(t *testing.T) {
	tests := []struct {
		name    string
		target  uint64
		wantErr error
	}{
		{"too short", shortAddr, ErrTooShort},
		{"relative prologue", relAddr, ErrRelocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newTestImage(t, 8)
			d := NewDetour(img, img)
			if err := d.Create(tt.target, substAddr); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if d.Trampoline() != 0 {
				t.Fatal("failed Create must not keep a trampoline")
			}
			if err := d.Enable(); !errors.Is(err, ErrNotCreated) {
				t.Fatalf("Enable after failed Create = %v, want ErrNotCreated", err)
			}
		})
	}
}

func TestJumpEncoding(t *testing.T) {
	tests := []struct {
		name     string
		ptrSize  int
		from, to uint64
		wantLen  int
	}{
		{"near", 8, 0x401000, 0x402000, jmpRelSize},
		{"far", 8, 0x401000, 0x7f0000000000, jmpAbsSize},
		{"backward", 8, 0x402000, 0x401000, jmpRelSize},
		{"x86", 4, 0x401000, 0x70000000, jmpRelSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jump(tt.ptrSize, tt.from, tt.to); len(got) != tt.wantLen {
				t.Fatalf("jump = % x, want %d bytes", got, tt.wantLen)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	img := newTestImage(t, 8)
	newHook := NewFactory(img, img)
	if newHook() == newHook() {
		t.Fatal("factory must return distinct hooks")
	}
}
