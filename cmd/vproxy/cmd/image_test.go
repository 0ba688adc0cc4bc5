package cmd

import (
	"testing"

	"github.com/blacktop/vproxy/pkg/vtable"
)

func TestMangleClass(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"IOService", "9IOService"},
		{"std::exception", "N3std9exceptionE"},
		{"a::b::C", "N1a1b1CE"},
	}
	for _, tt := range tests {
		if got := mangleClass(tt.name); got != tt.want {
			t.Errorf("mangleClass(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		arg     string
		abi     string
		want    vtable.Ref
		wantErr bool
	}{
		{arg: "#0", want: vtable.EncodedRef(1)},
		{arg: "#3", want: vtable.EncodedRef(25)},
		{arg: "0x401000", abi: "microsoft", want: vtable.AddressRef(0x401000)},
		{arg: "0x401000", abi: "itanium", want: vtable.EncodedRef(0x401000)},
		{arg: "#-1", wantErr: true},
		{arg: "0xzz", abi: "itanium", wantErr: true},
		{arg: "0x10", abi: "arm", wantErr: true},
		{arg: "__ZN3Foo3barEv", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseMethod(nil, 8, tt.abi, tt.arg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMethod(%q) should fail", tt.arg)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMethod(%q) failed: %v", tt.arg, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMethod(%q) = %s, want %s", tt.arg, got, tt.want)
		}
	}
}
