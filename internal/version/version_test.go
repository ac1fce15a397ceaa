package version

import "testing"

func TestMatches(t *testing.T) {
	tests := []struct {
		reported string
		expected string
		want     bool
	}{
		{"v1.1.0", "v1.1.0", true},
		{"1.1.0", "v1.1.0", true},
		{"v1.0.0", "v1.1.0", false},
		{"", "v1.1.0", false},
		{" v2.0.0 ", "2.0.0", true},
	}
	for _, tt := range tests {
		if got := Matches(tt.reported, tt.expected); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.reported, tt.expected, got, tt.want)
		}
	}
}

func TestInfo(t *testing.T) {
	if got := Info(); got != "dev (commit: none, built: unknown)" {
		t.Fatalf("Info() = %q", got)
	}
}
