package memory

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestWithWritableRestoresProtection(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name    string
		fn      func(img *Image) error
		wantErr error
	}{
		{
			name: "success",
			fn: func(img *Image) error {
				return WritePointer(img, 0x500010, 0xdead)
			},
		},
		{
			name:    "callback error",
			fn:      func(img *Image) error { return errBoom },
			wantErr: errBoom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newTestImage(t)
			err := WithWritable(img, 0x500010, 8, func() error { return tt.fn(img) })
			if tt.wantErr == nil && err != nil {
				t.Fatalf("WithWritable failed: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			prot, err := img.Protection(0x500010)
			if err != nil {
				t.Fatal(err)
			}
			if prot != ProtRead {
				t.Fatalf("protection after bracket = %s, want r--", prot)
			}
			if st := img.Stats(); st.Protects != 2 {
				t.Fatalf("expected toggle and restore, got %d Protect calls", st.Protects)
			}
		})
	}
}

func TestWithWritableRestoresOnPanic(t *testing.T) {
	img := newTestImage(t)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		_ = WithWritable(img, 0x500000, 8, func() error { panic("boom") })
	}()
	if prot, _ := img.Protection(0x500000); prot != ProtRead {
		t.Fatalf("protection after panic = %s, want r--", prot)
	}
}

func TestWithWritableUnmapped(t *testing.T) {
	img := newTestImage(t)
	called := false
	err := WithWritable(img, 0x900000, 8, func() error { called = true; return nil })
	if !errors.Is(err, ErrUnmapped) {
		t.Fatalf("got %v, want ErrUnmapped", err)
	}
	if called {
		t.Fatal("callback must not run when the bracket cannot open")
	}
}

func TestPatchPointer(t *testing.T) {
	img := newTestImage(t)
	if err := PatchPointer(img, 0x500018, 0x401000); err != nil {
		t.Fatalf("PatchPointer failed: %v", err)
	}
	got, _ := ReadPointer(img, 0x500018)
	if got != 0x401000 {
		t.Fatalf("slot = %#x, want %#x", got, 0x401000)
	}
	if prot, _ := img.Protection(0x500018); prot != ProtRead {
		t.Fatalf("protection = %s, want r--", prot)
	}
}

func TestWithWritableRestoresEachPage(t *testing.T) {
	img := NewImage(8)
	if err := img.Map(0x700000, 0x2000, ProtRead); err != nil {
		t.Fatal(err)
	}
	if err := img.Protect(0x701000, 0x1000, ProtRead|ProtExec); err != nil {
		t.Fatal(err)
	}
	img.ResetStats()

	data := []byte{0xe9, 0x01, 0x02, 0x03, 0x04, 0x90, 0x90, 0x90}
	if err := Patch(img, 0x700ffc, data); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	got, err := img.Read(0x700ffc, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("patched bytes = % x, want % x", got, data)
	}

	tests := []struct {
		page uint64
		want Prot
	}{
		{0x700000, ProtRead},
		{0x701000, ProtRead | ProtExec},
	}
	for _, tt := range tests {
		if prot, _ := img.Protection(tt.page); prot != tt.want {
			t.Fatalf("protection of %#x = %s, want %s", tt.page, prot, tt.want)
		}
	}
	if st := img.Stats(); st.Protects != 4 {
		t.Fatalf("expected a toggle and a restore per page, got %d Protect calls", st.Protects)
	}
}
