package types

import "testing"

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		ok   bool
	}{
		{"debug", LogLevelDebug, true},
		{"INFO", LogLevelInfo, true},
		{"", LogLevelInfo, true},
		{"warn", LogLevelWarning, true},
		{" error ", LogLevelError, true},
		{"0", LogLevelNone, true},
		{"loud", LogLevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLogLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLogLevel(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestProviderTypeValid(t *testing.T) {
	if !ProviderLocal.Valid() || !ProviderRclone.Valid() {
		t.Fatal("known provider types must be valid")
	}
	if ProviderType("s3").Valid() {
		t.Fatal("unknown provider type reported valid")
	}
}

func TestExitCodeString(t *testing.T) {
	if ExitLockError.String() != "lock error" {
		t.Fatalf("unexpected string %q", ExitLockError.String())
	}
	if ExitCode(99).String() != "unknown error" {
		t.Fatalf("unexpected string for unknown code")
	}
	if ExitSecurityError.Int() != 14 {
		t.Fatalf("unexpected int %d", ExitSecurityError.Int())
	}
}
