package version

import "testing"

func TestStrings(t *testing.T) {
	loadOnce.Do(func() {}) // keep build info out of the table
	t.Cleanup(func() { tag, commit, date = "", "", "" })

	tests := []struct {
		tag, commit, date string
		short, full       string
	}{
		{"", "", "", "dev", "dev"},
		{"", "abc1234", "2026-01-01", "abc1234", "abc1234 built 2026-01-01"},
		{"v1.2.0", "abc1234", "2026-01-01", "v1.2.0", "v1.2.0 (abc1234) built 2026-01-01"},
		{"v1.2.0", "", "", "v1.2.0", "v1.2.0"},
	}
	for _, tt := range tests {
		tag, commit, date = tt.tag, tt.commit, tt.date
		if got := String(); got != tt.short {
			t.Errorf("String() = %q, want %q", got, tt.short)
		}
		if got := Full(); got != tt.full {
			t.Errorf("Full() = %q, want %q", got, tt.full)
		}
	}
}
