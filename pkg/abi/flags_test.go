package abi

import "testing"

func TestFlagsFromBits(t *testing.T) {
	tests := []struct {
		bits  uint32
		flags StateFlags
		ok    bool
	}{
		{0, 0, true},
		{1, ProcessGrantedRoot, true},
		{2, ProcessOnDenyList, true},
		{3, ProcessGrantedRoot | ProcessOnDenyList, true},
		{4, 0, false},
		{0x80, 0, false},
		{3 | 0x100, 0, false},
		{0xffffffff, 0, false},
	}

	for _, tt := range tests {
		flags, ok := FlagsFromBits(tt.bits)
		if ok != tt.ok {
			t.Errorf("FlagsFromBits(%#x) ok = %v, want %v", tt.bits, ok, tt.ok)
		}
		if flags != tt.flags {
			t.Errorf("FlagsFromBits(%#x) = %v, want %v", tt.bits, flags, tt.flags)
		}
	}
}

func TestStateFlagsHas(t *testing.T) {
	s := ProcessGrantedRoot | ProcessOnDenyList
	if !s.Has(ProcessGrantedRoot) {
		t.Error("Has(ProcessGrantedRoot) = false, want true")
	}
	if !s.Has(ProcessGrantedRoot | ProcessOnDenyList) {
		t.Error("Has(both) = false, want true")
	}
	if StateFlags(0).Has(ProcessOnDenyList) {
		t.Error("zero flags should not have ProcessOnDenyList")
	}
}

func TestStateFlagsString(t *testing.T) {
	tests := []struct {
		flags StateFlags
		want  string
	}{
		{0, "none"},
		{ProcessGrantedRoot, "granted-root"},
		{ProcessOnDenyList, "on-denylist"},
		{ProcessGrantedRoot | ProcessOnDenyList, "granted-root|on-denylist"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestOptionString(t *testing.T) {
	if got := OptionForceDenylistUnmount.String(); got != "force-denylist-unmount" {
		t.Errorf("OptionForceDenylistUnmount = %q", got)
	}
	if got := OptionDlcloseModuleLibrary.String(); got != "dlclose-module-library" {
		t.Errorf("OptionDlcloseModuleLibrary = %q", got)
	}
	if got := Option(42).String(); got != "unknown" {
		t.Errorf("Option(42) = %q, want unknown", got)
	}
}
