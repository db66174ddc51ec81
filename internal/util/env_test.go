package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("KP_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("KP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("KP_TEST_INT", " 42 ")
	if got := ParseIntEnv("KP_TEST_INT", 1); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("KP_TEST_INT", "forty")
	if got := ParseIntEnv("KP_TEST_INT", 1); got != 1 {
		t.Errorf("invalid value should return default, got %d", got)
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("KP_TEST_FLOAT", "0.2")
	if got := ParseFloatEnv("KP_TEST_FLOAT", 0.7); got != 0.2 {
		t.Errorf("got %v, want 0.2", got)
	}
	t.Setenv("KP_TEST_FLOAT", "hot")
	if got := ParseFloatEnv("KP_TEST_FLOAT", 0.7); got != 0.7 {
		t.Errorf("invalid value should return default, got %v", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"10", 10 * time.Second},
		{"1500ms", 1500 * time.Millisecond},
		{"24h", 24 * time.Hour},
		{"soon", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("KP_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("KP_TEST_DURATION", 5*time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestStringEnv(t *testing.T) {
	t.Setenv("KP_TEST_STRING", "  ")
	if got := StringEnv("KP_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("blank value should return default, got %q", got)
	}
	t.Setenv("KP_TEST_STRING", " value ")
	if got := StringEnv("KP_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("got %q, want value", got)
	}
}
